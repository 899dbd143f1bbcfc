// Package memory holds process-local stores for STORE_BACKEND=memory and tests.
// Each store serialises mutations behind one mutex, which is the in-process
// equivalent of a conditional update; it is not safe across instances.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-auth-nosql/internal/domain"
)

// VerificationStore keeps verification records in a map keyed by id.
type VerificationStore struct {
	mu      sync.Mutex
	records map[string]domain.VerificationRecord
}

func NewVerificationStore() *VerificationStore {
	return &VerificationStore{records: make(map[string]domain.VerificationRecord)}
}

func (s *VerificationStore) Insert(_ context.Context, v *domain.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[v.ID]; ok {
		return fmt.Errorf("verification %s already exists: %w", v.ID, domain.ErrConflict)
	}
	s.records[v.ID] = *v
	return nil
}

// FindByCode returns the newest record for (userID, purpose) whose code matches.
func (s *VerificationStore) FindByCode(_ context.Context, userID, code string, purpose domain.Purpose) (*domain.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.VerificationRecord
	for _, r := range s.records {
		if r.UserID != userID || r.Purpose != purpose || r.Code != code {
			continue
		}
		r := r
		if found == nil || r.Newer(found) {
			found = &r
		}
	}
	if found == nil {
		return nil, fmt.Errorf("verification not found: %w", domain.ErrNotFound)
	}
	return found, nil
}

func (s *VerificationStore) ListUnconsumed(_ context.Context, userID string, purpose domain.Purpose) ([]domain.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.VerificationRecord
	for _, r := range s.records {
		if r.UserID == userID && r.Purpose == purpose && !r.Consumed {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *VerificationStore) ListExpiredBefore(_ context.Context, ts time.Time) ([]domain.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.VerificationRecord
	for _, r := range s.records {
		if r.ExpiredAt(ts) {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *VerificationStore) Delete(_ context.Context, v *domain.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, v.ID)
	return nil
}

func (s *VerificationStore) DeleteExpiredBefore(ctx context.Context, ts time.Time) (int, error) {
	expired, err := s.ListExpiredBefore(ctx, ts)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for i := range expired {
		if err := s.Delete(ctx, &expired[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Consume flips consumed to true only if the record is unconsumed and not past
// its deadline at the given instant.
func (s *VerificationStore) Consume(_ context.Context, v *domain.VerificationRecord, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[v.ID]
	if !ok || !r.ValidAt(at) {
		return false, nil
	}
	r.Consumed = true
	s.records[v.ID] = r
	return true, nil
}

// Invalidate flips consumed to true regardless of expiry.
func (s *VerificationStore) Invalidate(_ context.Context, v *domain.VerificationRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[v.ID]
	if !ok || r.Consumed {
		return false, nil
	}
	r.Consumed = true
	s.records[v.ID] = r
	return true, nil
}

// Get returns a copy of the record. Used by tests and diagnostics.
func (s *VerificationStore) Get(_ context.Context, id string) (*domain.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("verification not found: %w", domain.ErrNotFound)
	}
	return &r, nil
}

func sortNewestFirst(rs []domain.VerificationRecord) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Newer(&rs[j]) })
}
