package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a Store.
type Options struct {
	// ReloadInterval is the period of the background change check.
	// Zero disables the background job.
	ReloadInterval time.Duration

	// Watch additionally triggers a change check when the backing file is
	// written. Only storages implementing Watchable are watched.
	Watch bool

	Logger *zap.Logger

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Store owns the authoritative routing table.
//
// Readers call Get, which is a single atomic load and never blocks. Writers
// (mutations and reloads) serialize on mu, persist first, and only then swap
// the live snapshot reference.
type Store struct {
	storage Storage
	current atomic.Pointer[Snapshot]

	mu     sync.Mutex
	marker string

	now    func() time.Time
	newID  func() string
	logger *zap.Logger

	cancel   context.CancelFunc
	reloader *reloader

	closeOnce sync.Once
	closeErr  error
}

// Open loads the initial snapshot from storage and starts the background
// reload job. A snapshot that cannot be read or fails validation is an error.
func Open(ctx context.Context, storage Storage, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	s := &Store{
		storage: storage,
		now:     opts.Now,
		newID:   opts.NewID,
		logger:  opts.Logger,
	}

	snap, err := storage.Load(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	if err := Validate(snap); err != nil {
		return nil, fmt.Errorf("initial snapshot: %w", err)
	}
	marker, err := storage.Marker(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "stat", Err: err}
	}
	s.marker = marker
	s.current.Store(snap)

	s.logger.Info("rule snapshot loaded",
		zap.String("version", snap.Version),
		zap.Int("routes", len(snap.Routes)),
	)

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if opts.ReloadInterval > 0 {
		r, err := startReloader(bgCtx, s, opts)
		if err != nil {
			cancel()
			return nil, err
		}
		s.reloader = r
	}

	return s, nil
}

// Get returns the live snapshot. The result must be treated as read-only.
func (s *Store) Get() *Snapshot {
	return s.current.Load()
}

// Add appends a rule. A missing id is generated and a missing enabled flag
// defaults to true.
func (s *Store) Add(ctx context.Context, r Rule) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := stamp(s.now())
	created := r.Clone()
	if strings.TrimSpace(created.ID) == "" {
		created.ID = s.newID()
	}
	if created.Enabled == nil {
		enabled := true
		created.Enabled = &enabled
	}
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := ValidateRule(&created); err != nil {
		return Rule{}, err
	}

	cur := s.current.Load()
	if _, exists := cur.Find(created.ID); exists {
		return Rule{}, fmt.Errorf("%w: %s", ErrDuplicateID, created.ID)
	}

	routes := make([]Rule, 0, len(cur.Routes)+1)
	routes = append(routes, cur.Routes...)
	routes = append(routes, created)

	if err := s.commit(ctx, &Snapshot{Version: now, Routes: routes}, "add"); err != nil {
		return Rule{}, err
	}
	return created.Clone(), nil
}

// Update merges patch into the rule with the given id.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	idx := -1
	for i := range cur.Routes {
		if cur.Routes[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := stamp(s.now())
	merged := cur.Routes[idx].apply(patch)
	merged.ID = id
	merged.CreatedAt = cur.Routes[idx].CreatedAt
	merged.UpdatedAt = now

	if err := ValidateRule(&merged); err != nil {
		return Rule{}, err
	}

	routes := make([]Rule, len(cur.Routes))
	copy(routes, cur.Routes)
	routes[idx] = merged

	if err := s.commit(ctx, &Snapshot{Version: now, Routes: routes}, "update"); err != nil {
		return Rule{}, err
	}
	return merged.Clone(), nil
}

// Delete removes the rule with the given id and reports whether one was
// removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	routes := make([]Rule, 0, len(cur.Routes))
	for _, r := range cur.Routes {
		if r.ID != id {
			routes = append(routes, r)
		}
	}
	if len(routes) == len(cur.Routes) {
		return false, nil
	}

	if err := s.commit(ctx, &Snapshot{Version: stamp(s.now()), Routes: routes}, "delete"); err != nil {
		return false, err
	}
	return true, nil
}

// Replace overwrites the whole table. Missing ids, enabled flags, creation
// times and a blank version are backfilled; updatedAt is always stamped.
func (s *Store) Replace(ctx context.Context, snap *Snapshot) (*Snapshot, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshot is empty", ErrInvalidRule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := stamp(s.now())
	next := snap.Clone()
	if strings.TrimSpace(next.Version) == "" {
		next.Version = now
	}
	for i := range next.Routes {
		r := &next.Routes[i]
		if strings.TrimSpace(r.ID) == "" {
			r.ID = s.newID()
		}
		if r.Enabled == nil {
			enabled := true
			r.Enabled = &enabled
		}
		if strings.TrimSpace(r.CreatedAt) == "" {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
	}

	if err := Validate(next); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, next, "replace"); err != nil {
		return nil, err
	}
	return next, nil
}

// ReloadIfChanged installs the persisted snapshot when the storage marker
// moved since the last observation. Failures are logged and the previous
// snapshot stays live. It reports whether a new snapshot was installed.
func (s *Store) ReloadIfChanged(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	marker, err := s.storage.Marker(ctx)
	if err != nil {
		s.logger.Warn("rule store change check failed", zap.Error(err))
		return false
	}
	if marker == s.marker {
		return false
	}

	snap, err := s.storage.Load(ctx)
	if err == nil {
		err = Validate(snap)
	}
	if err != nil {
		// Remember the marker so a broken edit is reported once, not every
		// tick; the next write moves the marker again.
		s.marker = marker
		s.logger.Warn("rule snapshot reload rejected, keeping previous snapshot",
			zap.String("version", s.current.Load().Version),
			zap.Error(err),
		)
		return false
	}

	s.current.Store(snap)
	s.marker = marker
	s.logger.Info("rule snapshot reloaded",
		zap.String("version", snap.Version),
		zap.Int("routes", len(snap.Routes)),
	)
	return true
}

// Close stops the background reload job and releases the storage. Calls
// after the first return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.reloader != nil {
			s.reloader.stop()
		}
		s.closeErr = s.storage.Close()
	})
	return s.closeErr
}

// commit persists next and, only on success, installs it. Callers hold mu.
func (s *Store) commit(ctx context.Context, next *Snapshot, op string) error {
	if err := s.storage.Save(ctx, next); err != nil {
		s.logger.Error("rule snapshot save failed", zap.String("op", op), zap.Error(err))
		return &PersistenceError{Op: "save", Err: err}
	}

	if marker, err := s.storage.Marker(ctx); err == nil {
		s.marker = marker
	} else {
		// The next change check will re-read our own write; harmless.
		s.logger.Warn("rule store marker refresh failed", zap.Error(err))
		s.marker = ""
	}

	s.current.Store(next)
	s.logger.Info("rule snapshot installed",
		zap.String("op", op),
		zap.String("version", next.Version),
		zap.Int("routes", len(next.Routes)),
	)
	return nil
}
