// Package settings coalesces bursts of vehicle-settings edits into a single
// write after a quiet period.
package settings

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/awaistahir/smart-charge/internal/engine"
	"github.com/awaistahir/smart-charge/internal/store"
)

// DefaultQuietPeriod is how long the saver waits after the last edit
const DefaultQuietPeriod = 2 * time.Second

// Repository persists vehicle settings
type Repository interface {
	SaveVehicleParams(profile string, p engine.VehicleParams) error
	GetVehicleParams(profile string) (engine.VehicleParams, error)
}

// Saver debounces writes of VehicleParams to a Repository. Only the last
// value submitted within a quiet period is written.
type Saver struct {
	repo     Repository
	profile  string
	quiet    time.Duration
	defaults engine.VehicleParams
	log      logrus.FieldLogger

	mu      sync.Mutex
	pending *engine.VehicleParams
	timer   *time.Timer
	lastErr error
}

// NewSaver creates a saver for profile. defaults are returned by Current
// until something has been persisted.
func NewSaver(repo Repository, profile string, quiet time.Duration, defaults engine.VehicleParams) *Saver {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Saver{
		repo:     repo,
		profile:  profile,
		quiet:    quiet,
		defaults: defaults,
		log:      logrus.WithFields(logrus.Fields{"component": "settings", "profile": profile}),
	}
}

// Submit records p as the latest value and restarts the quiet period
func (s *Saver) Submit(p engine.VehicleParams) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = &p
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.quiet, s.fire)
}

// IsSaving reports whether an edit is waiting to be written
func (s *Saver) IsSaving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Pending returns the unsaved value, if any
func (s *Saver) Pending() (engine.VehicleParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return engine.VehicleParams{}, false
	}
	return *s.pending, true
}

// Current returns the pending value, else the persisted one, else the defaults
func (s *Saver) Current() (engine.VehicleParams, error) {
	if p, ok := s.Pending(); ok {
		return p, nil
	}

	p, err := s.repo.GetVehicleParams(s.profile)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return s.defaults, nil
	}
	return engine.VehicleParams{}, errors.Wrap(err, "loading settings")
}

// Flush writes any pending value immediately
func (s *Saver) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	return s.write()
}

// LastError returns the error from the most recent background write
func (s *Saver) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Saver) fire() {
	if err := s.write(); err != nil {
		s.log.WithError(err).Error("saving settings")
	}
}

func (s *Saver) write() error {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	err := s.repo.SaveVehicleParams(s.profile, *p)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err != nil {
		return errors.Wrap(err, "saving settings")
	}
	// a newer submit may have arrived while writing; keep it pending
	if s.pending == p {
		s.pending = nil
	}
	s.log.Debug("settings saved")
	return nil
}
