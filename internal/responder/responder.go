// Package responder answers weather requests on the source side.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"weathersync/internal/asset"
	"weathersync/internal/channel"
	"weathersync/internal/envelope"
	"weathersync/internal/weather"
)

const queueSize = 8

// State reports whether the responder is building a response.
type State int32

const (
	StateIdle State = iota
	StateBuilding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	default:
		return "unknown"
	}
}

// Store is the read side of the weather store.
type Store interface {
	QueryWeather(ctx context.Context, locationKey string, from time.Time) ([]weather.Entry, error)
}

// TemperatureFormatter turns a Celsius value into the display string sent on
// the wire.
type TemperatureFormatter interface {
	FormatTemperature(celsius float64) string
}

// Sender puts a response envelope on the channel.
type Sender interface {
	Put(ctx context.Context, path string, env envelope.Envelope) error
}

// Stats are cumulative counters since New. Dropped counts requests refused
// because the queue was full; Failed counts requests that produced no response.
type Stats struct {
	Requests  int64 `json:"requests"`
	Responses int64 `json:"responses"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

type job struct {
	displaySize int
	requestTime int64
}

// Responder turns each valid request into exactly one response put. Requests
// are queued by HandleEvent and built one at a time by Run.
type Responder struct {
	store    Store
	icons    weather.IconResolver
	format   TemperatureFormatter
	out      Sender
	location string
	logger   *slog.Logger
	now      func() time.Time

	jobs  chan job
	state atomic.Int32

	requests  atomic.Int64
	responses atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func New(store Store, icons weather.IconResolver, format TemperatureFormatter, out Sender, location string, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		store:    store,
		icons:    icons,
		format:   format,
		out:      out,
		location: location,
		logger:   logger.With("component", "responder"),
		now:      time.Now,
		jobs:     make(chan job, queueSize),
	}
}

func (r *Responder) State() State {
	return State(r.state.Load())
}

func (r *Responder) Stats() Stats {
	return Stats{
		Requests:  r.requests.Load(),
		Responses: r.responses.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}

// HandleEvent is the channel handler for the request path. It never blocks:
// when the queue is full the request is dropped and the sink asks again on
// its next timer fire.
func (r *Responder) HandleEvent(ev channel.Event) {
	if ev.Path != envelope.RequestPath || ev.Type != channel.ChangeChanged {
		return
	}
	env := ev.Envelope
	if err := env.Validate(); err != nil || !env.IsRequest() {
		r.logger.Warn("ignoring invalid request", "path", ev.Path, "error", err)
		return
	}
	size, err := env.Int(envelope.KeyDisplaySize)
	if err != nil {
		r.logger.Warn("ignoring request without display size", "error", err)
		return
	}
	requestTime, _ := env.Long(envelope.KeyRequestTime)

	r.requests.Add(1)
	select {
	case r.jobs <- job{displaySize: size, requestTime: requestTime}:
	default:
		r.dropped.Add(1)
		r.logger.Warn("request queue full, dropping request", "request_time", requestTime)
	}
}

// Run builds queued responses until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	r.logger.Info("responder started", "location", r.location)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("responder stopped")
			return nil
		case j := <-r.jobs:
			r.process(ctx, j)
		}
	}
}

func (r *Responder) process(ctx context.Context, j job) {
	r.state.Store(int32(StateBuilding))
	defer r.state.Store(int32(StateIdle))

	err := r.respond(ctx, j)
	switch {
	case err == nil:
		r.responses.Add(1)
	case errors.Is(err, weather.ErrNoData):
		r.logger.Debug("no weather data, not responding", "location", r.location)
	case errors.Is(err, context.Canceled):
	default:
		r.failed.Add(1)
		r.logger.Error("respond to weather request failed", "request_time", j.requestTime, "error", err)
	}
}

func (r *Responder) respond(ctx context.Context, j job) error {
	now := r.now()
	entries, err := r.store.QueryWeather(ctx, r.location, now)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w for location %q", weather.ErrNoData, r.location)
	}
	today := entries[0]

	icon, err := r.icons.Icon(today.ConditionCode)
	if err != nil {
		return err
	}
	png, err := asset.Encode(icon, j.displaySize/4)
	if err != nil {
		return err
	}

	high := r.format.FormatTemperature(today.MaxTemp)
	low := r.format.FormatTemperature(today.MinTemp)
	if err := r.out.Put(ctx, envelope.ResponsePath, envelope.NewResponse(high, low, png, now)); err != nil {
		return err
	}

	r.logger.Debug("weather response sent", "high", high, "low", low, "condition", today.ConditionCode, "asset_bytes", len(png))
	return nil
}
