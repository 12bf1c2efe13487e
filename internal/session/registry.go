package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rohit-iwnl/EchoMind/internal/observability"
)

// ErrNoSession is returned when an operation needs a current session
var ErrNoSession = errors.New("no current session")

// RegistryOptions configures a Registry
type RegistryOptions struct {
	// Tick is how often Duration refreshes while recording
	Tick time.Duration
	// ReleaseDelay is how long a stopped session stays current
	ReleaseDelay time.Duration
}

// Registry owns at most one current session and the observable duration,
// formatted duration and word count the UI binds to
type Registry struct {
	build  func() *Session
	opts   RegistryOptions
	logger zerolog.Logger

	mu       sync.Mutex
	current  *Session
	watching context.CancelFunc
	duration time.Duration
	words    int
	last     Snapshot
	hasLast  bool

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int

	wg sync.WaitGroup
}

// NewRegistry creates a registry that builds sessions with build
func NewRegistry(build func() *Session, opts RegistryOptions) *Registry {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.ReleaseDelay < 0 {
		opts.ReleaseDelay = 0
	}
	return &Registry{
		build:  build,
		opts:   opts,
		logger: observability.Component("registry"),
		subs:   make(map[int]chan Snapshot),
	}
}

var defaultRegistry atomic.Pointer[Registry]

// SetDefault installs the process-wide registry
func SetDefault(r *Registry) { defaultRegistry.Store(r) }

// Default returns the process-wide registry, or nil if none was installed
func Default() *Registry { return defaultRegistry.Load() }

// Start begins recording into target. An active or failed current session
// is reused, so starting twice never builds a second session.
func (r *Registry) Start(ctx context.Context, target Target) (*Session, error) {
	r.mu.Lock()
	s := r.current
	if s == nil || !(s.State().Active() || s.State() == StateFailed) {
		if r.watching != nil {
			r.watching()
		}
		s = r.build()
		r.current = s
		r.duration = 0
		r.words = 0
		r.hasLast = false
		r.watch(s)
	}
	// the session leaves Idle before r.mu is released, so a concurrent
	// Start reuses it instead of building another
	ctx, started := s.begin(ctx, target)
	r.mu.Unlock()

	if !started {
		return s, nil
	}
	return s, s.run(ctx)
}

// watch must be called with r.mu held
func (r *Registry) watch(s *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	r.watching = cancel
	updates, unsubscribe := s.Subscribe()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsubscribe()
		r.run(ctx, s, updates)
	}()
}

func (r *Registry) run(ctx context.Context, s *Session, updates <-chan Snapshot) {
	ticker := time.NewTicker(r.opts.Tick)
	ticker.Stop()
	defer ticker.Stop()

	var release <-chan time.Time
	var releaseTimer *time.Timer
	defer func() {
		if releaseTimer != nil {
			releaseTimer.Stop()
		}
	}()

	ticking := false
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			switch {
			case snap.State == StateRecording && !ticking:
				ticker.Reset(r.opts.Tick)
				ticking = true
			case snap.State != StateRecording && ticking:
				ticker.Stop()
				ticking = false
			}
			// a session that ran and went back to idle is released later
			if snap.State == StateIdle && snap.Target.ID != "" && release == nil {
				releaseTimer = time.NewTimer(r.opts.ReleaseDelay)
				release = releaseTimer.C
			}
			if snap.State.Active() && release != nil {
				releaseTimer.Stop()
				release = nil
			}
			r.apply(s, snap)
		case <-ticker.C:
			r.apply(s, s.Snapshot())
		case <-release:
			r.releaseIfIdle(s)
			return
		}
	}
}

func (r *Registry) apply(s *Session, snap Snapshot) {
	r.mu.Lock()
	if r.current != s {
		r.mu.Unlock()
		return
	}
	r.duration = snap.Duration
	r.words = snap.WordCount
	r.last = snap
	r.hasLast = true
	r.mu.Unlock()

	r.broadcast(snap)
}

func (r *Registry) releaseIfIdle(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != s || s.State() != StateIdle {
		return
	}
	r.current = nil
	r.watching = nil
	r.logger.Debug().Str("session_id", s.ID()).Msg("Released session")
}

func (r *Registry) broadcast(snap Snapshot) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Current returns the current session, or nil
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Snapshot returns the current session's snapshot
func (r *Registry) Snapshot() (Snapshot, bool) {
	s := r.Current()
	if s == nil {
		return Snapshot{State: StateIdle}, false
	}
	return s.Snapshot(), true
}

func (r *Registry) Pause() error {
	s := r.Current()
	if s == nil {
		return ErrNoSession
	}
	return s.Pause()
}

func (r *Registry) Resume() error {
	s := r.Current()
	if s == nil {
		return ErrNoSession
	}
	return s.Resume()
}

// Stop stops the current session; the session stays current for the
// release delay so its final state can still be read
func (r *Registry) Stop(ctx context.Context) error {
	s := r.Current()
	if s == nil {
		return nil
	}
	return s.Stop(ctx)
}

// Retry restarts the current session after a locale download
func (r *Registry) Retry(ctx context.Context) error {
	s := r.Current()
	if s == nil {
		return ErrNoSession
	}
	return s.RetryAfterDownload(ctx)
}

// Duration is the recorded time last observed, refreshed every tick while
// recording
func (r *Registry) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duration
}

// FormattedDuration renders Duration as MM:SS
func (r *Registry) FormattedDuration() string {
	return FormatDuration(r.Duration())
}

// WordCount counts words of committed plus live text
func (r *Registry) WordCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.words
}

// Subscribe streams snapshots of whichever session is current. The latest
// known snapshot is delivered first.
func (r *Registry) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	r.mu.Lock()
	last, hasLast := r.last, r.hasLast
	r.mu.Unlock()
	if hasLast {
		ch <- last
	}

	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			close(ch)
			r.subMu.Unlock()
		})
	}
}

// Close stops the current session and all watchers
func (r *Registry) Close(ctx context.Context) error {
	var err error
	if s := r.Current(); s != nil {
		err = s.Stop(ctx)
	}
	r.mu.Lock()
	if r.watching != nil {
		r.watching()
		r.watching = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
	return err
}
