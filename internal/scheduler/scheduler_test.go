package scheduler

import (
	"context"
	"errors"
	"image"
	"image/color"
	"runtime"
	"sync"
	"testing"
	"time"

	"weathersync/internal/asset"
	"weathersync/internal/channel"
	"weathersync/internal/envelope"
	"weathersync/internal/snapshot"
)

type fakeSender struct {
	mu   sync.Mutex
	puts []envelope.Envelope
	err  error
}

func (s *fakeSender) Put(_ context.Context, path string, env envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if path != envelope.RequestPath {
		return errors.New("unexpected path " + path)
	}
	s.puts = append(s.puts, env)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func testIcon(t *testing.T, edge int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetNRGBA(0, 0, color.NRGBA{R: 1, A: 255})
	b, err := asset.Encode(img, edge)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func responseEvent(env envelope.Envelope) channel.Event {
	return channel.Event{Path: envelope.ResponsePath, Type: channel.ChangeChanged, Envelope: env}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startScheduler(t *testing.T, cfg Config, out Sender) (*Scheduler, *snapshot.Cache) {
	t.Helper()
	cache := &snapshot.Cache{}
	s := New(cfg, out, cache, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return s, cache
}

func slowConfig() Config {
	return Config{RetryInterval: time.Hour, SteadyInterval: 2 * time.Hour, DisplaySize: 280}
}

func TestNextDelay(t *testing.T) {
	base := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		now      time.Time
		interval time.Duration
		want     time.Duration
	}{
		{name: "on boundary", now: base, interval: 30 * time.Second, want: 30 * time.Second},
		{name: "mid retry", now: base.Add(12 * time.Second), interval: 30 * time.Second, want: 18 * time.Second},
		{name: "mid steady", now: base.Add(17 * time.Minute), interval: 30 * time.Minute, want: 13 * time.Minute},
		{name: "just before boundary", now: base.Add(30*time.Minute - time.Millisecond), interval: 30 * time.Minute, want: time.Millisecond},
		{name: "zero interval", now: base, interval: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextDelay(tt.now, tt.interval); got != tt.want {
				t.Errorf("NextDelay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextDelay_landsOnMultiple(t *testing.T) {
	interval := 30 * time.Second
	for _, off := range []time.Duration{0, time.Nanosecond, 7 * time.Second, 29 * time.Second} {
		now := time.Unix(1_700_000_000, 0).Add(off)
		next := now.Add(NextDelay(now, interval))
		if next.UnixNano()%int64(interval) != 0 {
			t.Errorf("now+NextDelay = %v, not a multiple of %v", next, interval)
		}
		if d := NextDelay(now, interval); d <= 0 || d > interval {
			t.Errorf("NextDelay = %v, want in (0, %v]", d, interval)
		}
	}
}

func TestScheduler_coldStartRequestsImmediately(t *testing.T) {
	out := &fakeSender{}
	s, _ := startScheduler(t, slowConfig(), out)

	eventually(t, "first request", func() bool { return out.count() == 1 })
	eventually(t, "waiting state", func() bool { return s.Status().State == StateWaiting })

	st := s.Status()
	if st.Interval != time.Hour {
		t.Errorf("Interval = %v, want retry interval", st.Interval)
	}
	out.mu.Lock()
	req := out.puts[0]
	out.mu.Unlock()
	if err := req.Validate(); err != nil || !req.IsRequest() {
		t.Fatalf("request invalid: %v", err)
	}
	if size, _ := req.Int(envelope.KeyDisplaySize); size != 280 {
		t.Errorf("display_size = %d, want 280", size)
	}
}

func TestScheduler_waitingKeepsRetrying(t *testing.T) {
	out := &fakeSender{}
	s, _ := startScheduler(t, Config{RetryInterval: 20 * time.Millisecond, SteadyInterval: time.Hour, DisplaySize: 100}, out)

	eventually(t, "three requests", func() bool { return out.count() >= 3 })
	eventually(t, "waiting on retry cadence", func() bool {
		st := s.Status()
		return st.State == StateWaiting && st.Interval == 20*time.Millisecond
	})
}

func TestScheduler_putFailureRetriesOnNextFire(t *testing.T) {
	out := &fakeSender{err: channel.ErrTransportUnavailable}
	s, _ := startScheduler(t, Config{RetryInterval: 20 * time.Millisecond, SteadyInterval: time.Hour, DisplaySize: 100}, out)

	eventually(t, "put failures", func() bool { return s.Status().PutFailures >= 2 })
	if st := s.Status(); st.State == StateWaiting || st.State == StateSteady || st.Requests != 0 {
		t.Errorf("Status = %+v, want cold start with no requests", st)
	}

	out.setErr(nil)
	eventually(t, "request after recovery", func() bool { return out.count() >= 1 })
	eventually(t, "waiting state", func() bool { return s.Status().State == StateWaiting })
}

// Two requests, one answer: the scheduler settles in steady and a late
// duplicate of the answer leaves an equal snapshot.
func TestScheduler_answerPromotesToSteady(t *testing.T) {
	out := &fakeSender{}
	s, cache := startScheduler(t, Config{RetryInterval: 20 * time.Millisecond, SteadyInterval: time.Hour, DisplaySize: 280}, out)

	eventually(t, "two requests", func() bool { return out.count() >= 2 })

	resp := envelope.NewResponse("25°", "16°", testIcon(t, 70), time.UnixMilli(1_700_000_000_000))
	s.HandleEvent(responseEvent(resp))
	eventually(t, "steady state", func() bool { return s.Status().State == StateSteady })

	first, ok := cache.Load()
	if !ok {
		t.Fatal("cache empty after ingest")
	}
	if first.High != "25°" || first.Low != "16°" {
		t.Errorf("snapshot = %s/%s, want 25°/16°", first.High, first.Low)
	}
	if b := first.Icon.Bounds(); b.Dx() != 70 || b.Dy() != 70 {
		t.Errorf("icon = %dx%d, want 70x70", b.Dx(), b.Dy())
	}
	if st := s.Status(); st.Interval != time.Hour {
		t.Errorf("Interval = %v, want steady interval", st.Interval)
	}

	requests := out.count()
	s.HandleEvent(responseEvent(resp))
	eventually(t, "duplicate ingested", func() bool { return s.Status().Ingested == 2 })

	again, _ := cache.Load()
	if !again.Equal(first) {
		t.Errorf("duplicate answer changed snapshot: %+v != %+v", again, first)
	}

	time.Sleep(80 * time.Millisecond)
	if got := out.count(); got != requests {
		t.Errorf("requests after promotion = %d, want %d (steady cadence)", got, requests)
	}
	if st := s.Status(); st.State != StateSteady {
		t.Errorf("State = %s, want steady (no reversion)", st.State)
	}
}

func TestScheduler_malformedAnswerIgnored(t *testing.T) {
	out := &fakeSender{}
	s, cache := startScheduler(t, slowConfig(), out)
	eventually(t, "waiting state", func() bool { return s.Status().State == StateWaiting })

	bad := envelope.NewResponse("25°", "16°", []byte("not a png"), time.Now())
	s.HandleEvent(responseEvent(bad))
	eventually(t, "rejection", func() bool { return s.Status().Rejected == 1 })

	if _, ok := cache.Load(); ok {
		t.Error("cache populated by malformed answer")
	}
	if st := s.Status(); st.State != StateWaiting || st.Interval != time.Hour {
		t.Errorf("Status = %+v, want unchanged waiting", st)
	}

	good := envelope.NewResponse("20°", "10°", testIcon(t, 70), time.UnixMilli(1))
	s.HandleEvent(responseEvent(good))
	eventually(t, "steady state", func() bool { return s.Status().State == StateSteady })
	before, _ := cache.Load()

	s.HandleEvent(responseEvent(bad))
	eventually(t, "second rejection", func() bool { return s.Status().Rejected == 2 })
	after, _ := cache.Load()
	if !after.Equal(before) {
		t.Error("malformed answer replaced the cached snapshot")
	}
	if st := s.Status(); st.State != StateSteady {
		t.Errorf("State = %s, want steady", st.State)
	}
}

func TestScheduler_ignoresOtherEvents(t *testing.T) {
	out := &fakeSender{}
	s, cache := startScheduler(t, slowConfig(), out)
	eventually(t, "waiting state", func() bool { return s.Status().State == StateWaiting })

	resp := envelope.NewResponse("1°", "0°", testIcon(t, 4), time.Now())
	s.HandleEvent(channel.Event{Path: envelope.RequestPath, Type: channel.ChangeChanged, Envelope: envelope.NewRequest(time.Now(), 280)})
	s.HandleEvent(channel.Event{Path: envelope.ResponsePath, Type: channel.ChangeDeleted})
	s.HandleEvent(channel.Event{Path: envelope.RequestPath, Type: channel.ChangeChanged, Envelope: resp})

	time.Sleep(50 * time.Millisecond)
	if _, ok := cache.Load(); ok {
		t.Error("cache populated by non-response event")
	}
	if st := s.Status(); st.Ingested != 0 || st.Rejected != 0 {
		t.Errorf("Status = %+v, want no ingest activity", st)
	}
}

func TestScheduler_retainedReplayDoesNotPromote(t *testing.T) {
	out := &fakeSender{}
	cache := &snapshot.Cache{}
	s := New(slowConfig(), out, cache, nil)

	stale := envelope.NewResponse("99°", "98°", testIcon(t, 70), time.UnixMilli(1))
	replay := responseEvent(stale)
	replay.Retained = true
	s.HandleEvent(replay)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	eventually(t, "waiting state", func() bool { return s.Status().State == StateWaiting })
	s.HandleEvent(replay)
	time.Sleep(50 * time.Millisecond)

	st := s.Status()
	if st.State != StateWaiting || st.Interval != time.Hour {
		t.Errorf("Status = %+v, want waiting on the retry interval", st)
	}
	if st.Ingested != 0 || st.Rejected != 0 {
		t.Errorf("Status = %+v, want the replay ignored", st)
	}
	if _, ok := cache.Load(); ok {
		t.Error("cache populated by a replayed answer")
	}
}

func TestScheduler_backlogWithoutRunDoesNotBlock(t *testing.T) {
	before := runtime.NumGoroutine()
	s := New(slowConfig(), &fakeSender{}, &snapshot.Cache{}, nil)

	resp := envelope.NewResponse("1°", "0°", testIcon(t, 4), time.Now())
	const sent = 20
	for range sent {
		s.HandleEvent(responseEvent(resp))
	}

	eventually(t, "overflow dropped", func() bool { return s.Status().Dropped == sent-int64(cap(s.results)) })
	eventually(t, "decoders finished", func() bool { return runtime.NumGoroutine() <= before })
}

func TestScheduler_lastIngestWins(t *testing.T) {
	out := &fakeSender{}
	s, cache := startScheduler(t, slowConfig(), out)

	older := envelope.NewResponse("10°", "5°", testIcon(t, 10), time.UnixMilli(1000))
	newer := envelope.NewResponse("12°", "6°", testIcon(t, 10), time.UnixMilli(2000))

	s.HandleEvent(responseEvent(older))
	eventually(t, "first ingest", func() bool { return s.Status().Ingested == 1 })
	s.HandleEvent(responseEvent(newer))
	eventually(t, "second ingest", func() bool { return s.Status().Ingested == 2 })

	got, _ := cache.Load()
	if got.High != "12°" {
		t.Errorf("High = %q, want the last ingested answer", got.High)
	}
}

func TestScheduler_setActive(t *testing.T) {
	out := &fakeSender{}
	s, _ := startScheduler(t, slowConfig(), out)
	eventually(t, "first request", func() bool { return out.count() == 1 })

	s.SetActive(false)
	eventually(t, "inactive", func() bool { return !s.Status().Active })
	if out.count() != 1 {
		t.Errorf("requests = %d after pause, want 1", out.count())
	}

	s.SetActive(true)
	eventually(t, "resume request", func() bool { return out.count() == 2 })
	if !s.Status().Active {
		t.Error("Status.Active = false after resume")
	}

	// Repeating the current value is a no-op.
	s.SetActive(true)
	time.Sleep(30 * time.Millisecond)
	if out.count() != 2 {
		t.Errorf("requests = %d, want 2", out.count())
	}
}

func TestScheduler_inactiveStopsTimer(t *testing.T) {
	out := &fakeSender{}
	s, _ := startScheduler(t, Config{RetryInterval: 15 * time.Millisecond, SteadyInterval: time.Hour, DisplaySize: 100}, out)
	eventually(t, "first request", func() bool { return out.count() >= 1 })

	s.SetActive(false)
	eventually(t, "inactive", func() bool { return !s.Status().Active })
	paused := out.count()
	time.Sleep(80 * time.Millisecond)
	if got := out.count(); got != paused {
		t.Errorf("requests while inactive = %d, want %d", got, paused)
	}
}

func TestScheduler_demotion(t *testing.T) {
	out := &fakeSender{}
	cfg := Config{RetryInterval: 10 * time.Millisecond, SteadyInterval: 20 * time.Millisecond, DemoteAfter: 2, DisplaySize: 100}
	s, _ := startScheduler(t, cfg, out)

	s.HandleEvent(responseEvent(envelope.NewResponse("1°", "0°", testIcon(t, 25), time.UnixMilli(1))))
	eventually(t, "ingest", func() bool { return s.Status().Ingested == 1 })
	eventually(t, "demotion", func() bool {
		st := s.Status()
		return st.State == StateWaiting && st.Interval == 10*time.Millisecond
	})
}

func TestDecode(t *testing.T) {
	icon := testIcon(t, 12)
	sent := time.UnixMilli(1_700_000_000_000)

	snap, err := Decode(envelope.NewResponse("25°", "16°", icon, sent))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if snap.IconDigest != snapshot.Digest(icon) {
		t.Error("digest does not match asset bytes")
	}
	if !snap.SentTime.Equal(sent) {
		t.Errorf("SentTime = %v, want %v", snap.SentTime, sent)
	}

	if _, err := Decode(envelope.NewResponse("25°", "16°", []byte{1, 2}, sent)); !errors.Is(err, asset.ErrDecode) {
		t.Errorf("bad asset error = %v, want ErrDecode", err)
	}
	if _, err := Decode(envelope.NewRequest(sent, 100)); !errors.Is(err, envelope.ErrMalformed) {
		t.Errorf("request error = %v, want ErrMalformed", err)
	}
}
