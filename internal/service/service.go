// Package service is the lifecycle engine. It owns the ordering rules that
// span the store and the virtualization provider: snapshot-on-create,
// cascade-on-delete, the completed-lab write lock, and the hard reset. All
// state changes to a lab or its VMs are committed by persisting the owning
// User document.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cyberlab/labd/internal/metrics"
	"github.com/cyberlab/labd/internal/provider"
	"github.com/cyberlab/labd/internal/store"
)

var (
	ErrNotFound = errors.New("not_found")
	ErrConflict = errors.New("conflict")
	// ErrForbidden rejects writes to a completed lab instance.
	ErrForbidden = errors.New("forbidden")
	// ErrAlreadyExists rejects a second lab instance of the same template
	// for one user.
	ErrAlreadyExists = errors.New("already_exists")
)

type Service struct {
	store *store.Store
	prov  provider.Provider
	log   *slog.Logger
	met   *metrics.Metrics
	now   func() time.Time
}

func New(st *store.Store, prov provider.Provider, logger *slog.Logger, met *metrics.Metrics) *Service {
	return &Service{
		store: st,
		prov:  prov,
		log:   logger,
		met:   met,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// DiskUsage reports the image volume's used percentage and mirrors it into
// the gauge.
func (s *Service) DiskUsage(ctx context.Context) (int, error) {
	pct, err := s.prov.DiskUsagePercent(ctx)
	if err != nil {
		return 0, err
	}
	s.met.DiskUsedPercent.Set(float64(pct))
	return pct, nil
}

// CascadeFailure records one item a cascade could not delete.
type CascadeFailure struct {
	ID  string
	Err error
}

// CascadeResult is the outcome of a best-effort cascade. Failed items stay
// in the store so a later pass can retry them.
type CascadeResult struct {
	Deleted  []string
	Failures []CascadeFailure
}

func (r *CascadeResult) fail(id string, err error) {
	r.Failures = append(r.Failures, CascadeFailure{ID: id, Err: err})
}

// Complete reports whether every item was deleted.
func (r *CascadeResult) Complete() bool { return len(r.Failures) == 0 }

// notFound maps the store's miss sentinel onto the service taxonomy.
func notFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
