// Package scheduler drives weather refreshes on the sink. It asks the source
// for weather on a wall-clock aligned timer, quickly until the first answer
// arrives and slowly afterwards, and publishes every decoded answer to the
// snapshot cache.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"weathersync/internal/asset"
	"weathersync/internal/channel"
	"weathersync/internal/envelope"
	"weathersync/internal/snapshot"
)

// State is the scheduler's position in the refresh cycle. RequestSent is
// transient: it is held only while a request put is in flight.
type State int32

const (
	StateColdStart State = iota
	StateWaiting
	StateRequestSent
	StateSteady
)

func (s State) String() string {
	switch s {
	case StateColdStart:
		return "cold_start"
	case StateWaiting:
		return "waiting"
	case StateRequestSent:
		return "request_sent"
	case StateSteady:
		return "steady"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sender puts a request envelope on the channel.
type Sender interface {
	Put(ctx context.Context, path string, env envelope.Envelope) error
}

// Config holds the two cadences and the size the sink asks icons for.
type Config struct {
	RetryInterval  time.Duration
	SteadyInterval time.Duration
	// DemoteAfter > 0 falls back to the retry cadence after that many steady
	// fires without an answer.
	DemoteAfter int
	DisplaySize int
}

// Status is a point-in-time view of the scheduler, served on /status.
// Dropped counts answers discarded because the ingest backlog was full.
type Status struct {
	State       State         `json:"state"`
	Interval    time.Duration `json:"interval_ns"`
	Requests    int64         `json:"requests"`
	PutFailures int64         `json:"put_failures"`
	Ingested    int64         `json:"ingested"`
	Rejected    int64         `json:"rejected"`
	Dropped     int64         `json:"dropped"`
	Active      bool          `json:"active"`
}

type ingestResult struct {
	snap snapshot.Snapshot
	err  error
}

// NextDelay returns the time from now to the next wall-clock multiple of
// interval. It is never zero.
func NextDelay(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return interval - time.Duration(now.UnixNano()%int64(interval))
}

// Scheduler owns the sink's timer state. All state changes happen on the Run
// goroutine; HandleEvent and SetActive only hand work to it.
type Scheduler struct {
	cfg    Config
	out    Sender
	cache  *snapshot.Cache
	logger *slog.Logger
	now    func() time.Time

	results chan ingestResult
	wake    chan struct{}
	stop    chan struct{}
	active  atomic.Bool

	// Owned by Run.
	state    State
	interval time.Duration
	missed   int
	armed    bool

	mu     sync.RWMutex
	status Status
}

func New(cfg Config, out Sender, cache *snapshot.Cache, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:      cfg,
		out:      out,
		cache:    cache,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		results:  make(chan ingestResult, 8),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		state:    StateColdStart,
		interval: cfg.RetryInterval,
	}
	s.active.Store(true)
	s.status = Status{State: StateColdStart, Interval: cfg.RetryInterval, Active: true}
	return s
}

// Status returns a copy of the current scheduler status.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetActive gates the timer. While inactive no requests are sent; becoming
// active again sends one immediately.
func (s *Scheduler) SetActive(active bool) {
	if s.active.Swap(active) == active {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// HandleEvent is the channel handler for the response path. Decoding runs on
// its own goroutine and the result is applied by Run. Retained replays are
// answers to an earlier run's requests and never count as an answer.
func (s *Scheduler) HandleEvent(ev channel.Event) {
	if ev.Path != envelope.ResponsePath || ev.Type != channel.ChangeChanged {
		return
	}
	if ev.Retained {
		s.logger.Debug("ignoring replayed weather response")
		return
	}
	go func(env envelope.Envelope) {
		snap, err := Decode(env)
		select {
		case s.results <- ingestResult{snap: snap, err: err}:
		case <-s.stop:
		default:
			s.update(func(st *Status) { st.Dropped++ })
			s.logger.Warn("weather response backlog full, dropping answer")
		}
	}(ev.Envelope)
}

// Decode validates a response envelope and turns it into a snapshot.
func Decode(env envelope.Envelope) (snapshot.Snapshot, error) {
	if err := env.Validate(); err != nil {
		return snapshot.Snapshot{}, err
	}
	high, err := env.String(envelope.KeyHigh)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	low, err := env.String(envelope.KeyLow)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	sent, err := env.Long(envelope.KeySentTime)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	icon, err := asset.Decode(env.Asset)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return snapshot.New(high, low, icon, env.Asset, time.UnixMilli(sent)), nil
}

// Run fires the first request immediately and then follows the timer until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stop)

	timer := time.NewTimer(0)
	defer timer.Stop()
	s.armed = true
	if !s.active.Load() {
		timer.Stop()
		s.armed = false
	}

	s.logger.Info("scheduler started",
		"retry_interval", s.cfg.RetryInterval,
		"steady_interval", s.cfg.SteadyInterval,
		"display_size", s.cfg.DisplaySize,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil

		case <-timer.C:
			s.armed = false
			if !s.active.Load() {
				continue
			}
			s.fire(ctx)
			s.arm(timer)

		case res := <-s.results:
			if s.ingest(res) && s.active.Load() {
				s.arm(timer)
			}

		case <-s.wake:
			active := s.active.Load()
			s.setActive(active)
			if !active {
				timer.Stop()
				s.armed = false
				s.logger.Debug("timer paused")
				continue
			}
			s.logger.Debug("timer resumed")
			s.fire(ctx)
			s.arm(timer)
		}
	}
}

func (s *Scheduler) arm(timer *time.Timer) {
	timer.Stop()
	timer.Reset(NextDelay(s.now(), s.interval))
	s.armed = true
}

func (s *Scheduler) fire(ctx context.Context) {
	prev := s.state
	s.setState(StateRequestSent)

	req := envelope.NewRequest(s.now(), s.cfg.DisplaySize)
	if err := s.out.Put(ctx, envelope.RequestPath, req); err != nil {
		s.setState(prev)
		s.update(func(st *Status) { st.PutFailures++ })
		s.logger.Warn("weather request not sent", "state", prev.String(), "error", err)
		return
	}
	s.update(func(st *Status) { st.Requests++ })

	switch prev {
	case StateColdStart:
		s.interval = s.cfg.RetryInterval
		s.setState(StateWaiting)
	case StateSteady:
		s.missed++
		if s.cfg.DemoteAfter > 0 && s.missed >= s.cfg.DemoteAfter {
			s.logger.Warn("no weather answers, falling back to retry cadence", "missed", s.missed)
			s.missed = 0
			s.interval = s.cfg.RetryInterval
			s.setState(StateWaiting)
		} else {
			s.setState(StateSteady)
		}
	default:
		s.setState(prev)
	}
	s.logger.Debug("weather request sent", "state", s.state.String(), "interval", s.interval)
}

// ingest applies a decode result and reports whether the cadence changed.
func (s *Scheduler) ingest(res ingestResult) bool {
	if res.err != nil {
		s.update(func(st *Status) { st.Rejected++ })
		s.logger.Warn("discarding weather response", "error", res.err)
		return false
	}

	s.cache.Replace(res.snap)
	s.missed = 0
	s.update(func(st *Status) { st.Ingested++ })

	changed := s.interval != s.cfg.SteadyInterval || !s.armed
	s.interval = s.cfg.SteadyInterval
	s.setState(StateSteady)
	s.logger.Info("weather updated", "high", res.snap.High, "low", res.snap.Low, "sent_time", res.snap.SentTime)
	return changed
}

func (s *Scheduler) setState(st State) {
	s.state = st
	interval := s.interval
	s.update(func(status *Status) {
		status.State = st
		status.Interval = interval
	})
}

func (s *Scheduler) setActive(active bool) {
	s.update(func(st *Status) { st.Active = active })
}

func (s *Scheduler) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}
