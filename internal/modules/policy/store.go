// README: Policy store backed by PostgreSQL (append-only versions) or memory.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("policy not found")

type Store interface {
	Latest(ctx context.Context) (Policy, error)
	Append(ctx context.Context, p Policy) (Policy, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Latest(ctx context.Context) (Policy, error) {
	var (
		version   int
		raw       []byte
		createdAt time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT version, document, created_at
		FROM dispatch_policies
		ORDER BY version DESC
		LIMIT 1`,
	).Scan(&version, &raw, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Policy{}, ErrNotFound
	}
	if err != nil {
		return Policy{}, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Policy{}, fmt.Errorf("decode policy v%d: %w", version, err)
	}
	p := doc.Policy()
	p.Version = version
	p.UpdatedAt = createdAt
	return p, nil
}

// Append stores p as the next version. Versions are assigned by the table.
func (s *PGStore) Append(ctx context.Context, p Policy) (Policy, error) {
	raw, err := json.Marshal(p.Document())
	if err != nil {
		return Policy{}, err
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO dispatch_policies (document, created_at)
		VALUES ($1, NOW())
		RETURNING version, created_at`, raw,
	).Scan(&p.Version, &p.UpdatedAt)
	if err != nil {
		return Policy{}, err
	}
	return p, nil
}

type MemoryStore struct {
	mu       sync.RWMutex
	versions []Policy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Latest(_ context.Context) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.versions) == 0 {
		return Policy{}, ErrNotFound
	}
	return s.versions[len(s.versions)-1], nil
}

func (s *MemoryStore) Append(_ context.Context, p Policy) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Version = len(s.versions) + 1
	p.UpdatedAt = time.Now()
	s.versions = append(s.versions, p)
	return p, nil
}
