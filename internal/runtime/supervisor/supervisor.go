// Package supervisor owns the service's long-lived goroutines: tail
// sources, the config watcher and the reload loop. Each runs under one
// shared context with panic recovery, and a restartable routine comes back
// with jittered exponential backoff. Snapshot feeds the status report.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "logshipper/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second

	// A routine that ran this long before failing restarts from the
	// minimum backoff again.
	stableRun = 30 * time.Second
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	firstErr error
	routines map[string]*routine
}

type routine struct {
	running   int
	starts    uint64
	restarts  uint64
	panics    uint64
	lastStart time.Time
	lastErr   string
	lastErrAt time.Time
}

// Routine is the reported state of every goroutine started under one name.
type Routine struct {
	Name      string     `json:"name"`
	Running   int        `json:"running"`
	Starts    uint64     `json:"starts"`
	Restarts  uint64     `json:"restarts"`
	Panics    uint64     `json:"panics"`
	LastStart time.Time  `json:"last_start"`
	LastErr   string     `json:"last_error,omitempty"`
	LastErrAt *time.Time `json:"last_error_at,omitempty"`
}

type Snapshot struct {
	Running    int       `json:"running"`
	FirstError string    `json:"first_error,omitempty"`
	Routines   []Routine `json:"routines"`
}

type Option func(*Supervisor)

// WithLogger sets the logger. Its records are marked internal so a crashing
// pipeline goroutine is never shipped through the same pipeline.
func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) {
		if !log.IsZero() {
			s.log = log.With(logx.Internal())
		}
	}
}

// WithCancelOnError cancels the shared context on the first error returned
// by a Go routine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		log:      logx.Nop(),
		done:     make(chan struct{}),
		routines: map[string]*routine{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error recorded, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Go runs fn once. A returned error or a panic is recorded as the first
// error and, with WithCancelOnError, cancels every other routine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runOnce(name, false, fn); err != nil {
			s.setErr(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartConfig)

type restartConfig struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <= 0 is unlimited
	publish     bool
}

// WithRestartBackoff bounds the wait between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartConfig) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not a restart.
func WithMaxRestarts(n int) RestartOption { return func(c *restartConfig) { c.maxRestarts = n } }

// WithPublishFirstError records a failure as the supervisor error while the
// routine keeps restarting, so health checks report it.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartConfig) { c.publish = enabled }
}

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after every error or panic. It never cancels the shared context.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartConfig{minBackoff: defaultMinBackoff, maxBackoff: defaultMaxBackoff}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			started := time.Now()
			err := s.runOnce(name, restarts > 0, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if cfg.publish {
				s.setErr(err)
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("routine.gave_up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}

			if time.Since(started) >= stableRun {
				backoff = cfg.minBackoff
			}
			wait := jitter(backoff)
			s.log.Warn("routine.restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}()
}

// runOnce calls fn with panic recovery. Cancellation is a clean stop.
func (s *Supervisor) runOnce(name string, restart bool, fn func(context.Context) error) (err error) {
	s.update(name, func(r *routine) {
		r.running++
		r.starts++
		if restart {
			r.restarts++
		}
		r.lastStart = time.Now()
	})
	s.log.Debug("routine.started", logx.String("name", name))

	defer func() {
		p := recover()
		if p != nil {
			s.log.Error("routine.panicked", logx.String("name", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, p)
		}
		s.update(name, func(r *routine) {
			r.running--
			if p != nil {
				r.panics++
			}
			if err != nil {
				r.lastErr = err.Error()
				r.lastErrAt = time.Now()
			}
		})
		s.log.Debug("routine.stopped", logx.String("name", name))
	}()

	err = fn(s.ctx)
	if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Supervisor) update(name string, fn func(*routine)) {
	s.mu.Lock()
	r := s.routines[name]
	if r == nil {
		r = &routine{}
		s.routines[name] = r
	}
	fn(r)
	s.mu.Unlock()
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

// Snapshot reports every routine by name. A nil supervisor reports nothing.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Routines: make([]Routine, 0, len(s.routines))}
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for name, r := range s.routines {
		out := Routine{
			Name:      name,
			Running:   r.running,
			Starts:    r.starts,
			Restarts:  r.restarts,
			Panics:    r.panics,
			LastStart: r.lastStart,
			LastErr:   r.lastErr,
		}
		if !r.lastErrAt.IsZero() {
			at := r.lastErrAt
			out.LastErrAt = &at
		}
		snap.Running += r.running
		snap.Routines = append(snap.Routines, out)
	}
	sort.Slice(snap.Routines, func(i, j int) bool { return snap.Routines[i].Name < snap.Routines[j].Name })
	return snap
}

// Wait blocks until every routine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := d / 5; j > 0 {
		return d + time.Duration(rand.Int63n(int64(j+1)))
	}
	return d
}
