// README: Policy service hands out validated snapshots and accepts admin updates.
package policy

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type Service struct {
	store Store
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log}
}

// Current returns the latest snapshot. A stored policy that fails its bounds
// is reported as ErrPolicyOutOfRange rather than replaced with defaults.
func (s *Service) Current(ctx context.Context) (Policy, error) {
	p, err := s.store.Latest(ctx)
	if err != nil {
		return Policy{}, err
	}
	if err := p.Validate(); err != nil {
		s.log.Error("stored policy out of range", zap.Int("version", p.Version), zap.Error(err))
		return Policy{}, err
	}
	return p, nil
}

// Update validates p and stores it as a new version. Decisions already made
// under an earlier snapshot are not revisited.
func (s *Service) Update(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	saved, err := s.store.Append(ctx, p)
	if err != nil {
		return Policy{}, err
	}
	s.log.Info("policy updated", zap.Int("version", saved.Version))
	return saved, nil
}

// Seed stores p only when no policy exists yet.
func (s *Service) Seed(ctx context.Context, p Policy) error {
	_, err := s.store.Latest(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = s.Update(ctx, p)
	return err
}
