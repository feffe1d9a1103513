// README: In-process booking store used for local runs and tests.
package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"rideflow/internal/types"
)

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[types.ID]*Booking
	events   map[types.ID][]Event
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[types.ID]*Booking),
		events:   make(map[types.ID][]Event),
	}
}

func (s *MemoryStore) Create(_ context.Context, b *Booking, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return ErrDuplicate
	}
	s.bookings[b.ID] = b.Clone()
	s.appendLocked(e)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, b *Booking, expectedVersion int, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bookings[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrStaleWrite
	}
	s.bookings[b.ID] = b.Clone()
	s.appendLocked(e)
	return nil
}

func (s *MemoryStore) ListActiveForPassenger(_ context.Context, passengerID types.ID) ([]*Booking, error) {
	return s.filter(func(b *Booking) bool {
		return b.PassengerID == passengerID && !b.Status.IsTerminal()
	}), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Booking, error) {
	return s.filter(func(b *Booking) bool { return b.Status == status }), nil
}

func (s *MemoryStore) CountCancelledSince(_ context.Context, passengerID types.ID, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, evs := range s.events {
		for _, e := range evs {
			if e.ToStatus != StatusCancelled || e.ActorType != ActorPassenger || e.ActorID == nil {
				continue
			}
			if *e.ActorID == passengerID && !e.CreatedAt.Before(since) {
				n++
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) appendLocked(e *Event) {
	if e == nil {
		return
	}
	s.nextID++
	cp := *e
	cp.ID = s.nextID
	cp.ActorID = cloneID(e.ActorID)
	s.events[e.BookingID] = append(s.events[e.BookingID], cp)
}

func (s *MemoryStore) ListEvents(_ context.Context, id types.ID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events[id]))
	copy(out, s.events[id])
	return out, nil
}

func (s *MemoryStore) filter(keep func(*Booking) bool) []*Booking {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Booking
	for _, b := range s.bookings {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
