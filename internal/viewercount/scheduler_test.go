package viewercount

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/errhandler"
)

type seqSource struct {
	mu     sync.Mutex
	values []float64
	errs   []error
	calls  int
}

func (s *seqSource) GetViewerCount(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return 0, s.errs[i]
	}
	if i >= len(s.values) {
		return s.values[len(s.values)-1], nil
	}
	return s.values[i], nil
}

type recordingObserver struct {
	id      string
	mu      sync.Mutex
	updates []Update
	changes []StatusChange
	updated chan Update
	failure error
	cleaned bool
	block   bool
}

func newObserver(id string) *recordingObserver {
	return &recordingObserver{id: id, updated: make(chan Update, 16)}
}

func (o *recordingObserver) ObserverID() string { return o.id }

func (o *recordingObserver) OnViewerCountUpdate(_ context.Context, u Update) error {
	if o.failure != nil {
		return o.failure
	}
	o.mu.Lock()
	o.updates = append(o.updates, u)
	o.mu.Unlock()
	o.updated <- u
	return nil
}

func (o *recordingObserver) OnStreamStatusChange(_ context.Context, c StatusChange) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, c)
	return nil
}

func (o *recordingObserver) Cleanup(ctx context.Context) error {
	if o.block {
		<-ctx.Done()
		return ctx.Err()
	}
	o.mu.Lock()
	o.cleaned = true
	o.mu.Unlock()
	return nil
}

func (o *recordingObserver) wait(t *testing.T) Update {
	t.Helper()
	select {
	case u := <-o.updated:
		return u
	case <-time.After(3 * time.Second):
		t.Fatalf("observer %s timed out waiting for update", o.id)
	}
	return Update{}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScheduler(interval time.Duration) (*Scheduler, *errhandler.Handler) {
	errs := errhandler.New(errhandler.Options{Logger: quietLogger()})
	return New(Options{Interval: interval, Errors: errs, Logger: quietLogger()}), errs
}

func TestPollingLifecycle(t *testing.T) {
	s, _ := newScheduler(time.Hour)
	defer s.Cleanup(context.Background())
	src := &seqSource{values: []float64{100, 150}}
	s.RegisterSource(core.PlatformTwitch, src)
	obs := newObserver("O")
	if err := s.AddObserver(context.Background(), obs); err != nil {
		t.Fatalf("add observer: %v", err)
	}

	s.UpdateStreamStatus(context.Background(), core.PlatformTwitch, true)
	s.StartPolling(context.Background())

	first := obs.wait(t)
	if first != (Update{Platform: core.PlatformTwitch, Count: 100, PreviousCount: 0, IsStreamLive: true, Timestamp: first.Timestamp}) {
		t.Fatalf("unexpected first update %+v", first)
	}
	s.PollOnce(context.Background(), core.PlatformTwitch)
	second := obs.wait(t)
	if second.Count != 150 || second.PreviousCount != 100 || !second.IsStreamLive {
		t.Fatalf("unexpected second update %+v", second)
	}

	s.UpdateStreamStatus(context.Background(), core.PlatformTwitch, false)
	reset := obs.wait(t)
	if reset.Count != 0 || reset.PreviousCount != 150 || reset.IsStreamLive {
		t.Fatalf("unexpected reset update %+v", reset)
	}
	if s.Count(core.PlatformTwitch) != 0 {
		t.Fatalf("expected count reset")
	}
	if s.IsPlatformPolling(core.PlatformTwitch) {
		t.Fatalf("expected twitch polling stopped")
	}
	obs.mu.Lock()
	changes := append([]StatusChange(nil), obs.changes...)
	obs.mu.Unlock()
	if len(changes) != 1 || changes[0].IsLive || !changes[0].WasLive || changes[0].Platform != core.PlatformTwitch {
		t.Fatalf("unexpected status changes %+v", changes)
	}

	st := s.Stats()
	if st.SuccessfulPolls != 2 || st.SuccessfulPolls > st.TotalPolls {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestObserverFaultIsolation(t *testing.T) {
	s, errs := newScheduler(time.Hour)
	s.RegisterSource(core.PlatformTwitch, &seqSource{values: []float64{10}})
	a := newObserver("A")
	a.failure = errors.New("observer A broke")
	b := newObserver("B")
	s.AddObserver(context.Background(), a)
	s.AddObserver(context.Background(), b)

	s.PollOnce(context.Background(), core.PlatformTwitch)

	b.mu.Lock()
	got := len(b.updates)
	b.mu.Unlock()
	if got != 1 {
		t.Fatalf("expected B to receive one update, got %d", got)
	}
	if n := errs.KindCount(errhandler.KindObserverFault); n != 1 {
		t.Fatalf("expected one observer fault, got %d", n)
	}
}

type panickyObserver struct{}

func (panickyObserver) ObserverID() string { return "panicky" }
func (panickyObserver) OnViewerCountUpdate(context.Context, Update) error {
	panic("observer exploded")
}

func TestObserverPanicCaptured(t *testing.T) {
	s, errs := newScheduler(time.Hour)
	s.RegisterSource(core.PlatformTwitch, &seqSource{values: []float64{1}})
	b := newObserver("B")
	s.AddObserver(context.Background(), panickyObserver{})
	s.AddObserver(context.Background(), b)
	s.PollOnce(context.Background(), core.PlatformTwitch)
	if len(b.updates) != 1 {
		t.Fatalf("expected B notified")
	}
	if errs.KindCount(errhandler.KindObserverFault) != 1 {
		t.Fatalf("expected panic recorded as observer fault")
	}
}

func TestPollRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		src  *seqSource
	}{
		{"nan", &seqSource{values: []float64{math.NaN()}}},
		{"inf", &seqSource{values: []float64{math.Inf(1)}}},
		{"negative", &seqSource{values: []float64{-5}}},
		{"no count", &seqSource{values: []float64{0}, errs: []error{adapter.ErrNoViewerCount}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, errs := newScheduler(time.Hour)
			s.RegisterSource(core.PlatformTwitch, &seqSource{values: []float64{42}})
			s.PollOnce(context.Background(), core.PlatformTwitch)
			s.RegisterSource(core.PlatformTwitch, tc.src)
			s.PollOnce(context.Background(), core.PlatformTwitch)
			if got := s.Count(core.PlatformTwitch); got != 42 {
				t.Fatalf("expected previous count retained, got %d", got)
			}
			st := s.Stats()
			if st.TotalPolls != 2 || st.SuccessfulPolls != 1 {
				t.Fatalf("unexpected stats %+v", st)
			}
			if errs.KindCount(errhandler.KindPollingFault) != 0 {
				t.Fatalf("invalid values should not count as polling faults")
			}
		})
	}
}

func TestPollErrorCountsFault(t *testing.T) {
	s, errs := newScheduler(time.Hour)
	s.RegisterSource(core.PlatformTwitch, &seqSource{values: []float64{0}, errs: []error{errors.New("helix 503")}})
	s.PollOnce(context.Background(), core.PlatformTwitch)
	if errs.KindCount(errhandler.KindPollingFault) != 1 {
		t.Fatalf("expected polling fault")
	}
	if errs.Stats("viewercount").ConsecutiveErrors != 1 {
		t.Fatalf("expected consecutive errors to increment")
	}
}

func TestPollSkipsOfflineAndUnregistered(t *testing.T) {
	s, _ := newScheduler(time.Hour)
	src := &seqSource{values: []float64{5}}
	s.RegisterSource(core.PlatformYouTube, src)
	s.PollOnce(context.Background(), core.PlatformYouTube)
	s.PollOnce(context.Background(), core.PlatformTikTok)
	if src.calls != 0 {
		t.Fatalf("expected offline platform not polled")
	}
	if st := s.Stats(); st.TotalPolls != 2 || st.SuccessfulPolls != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestStartPollingDisabled(t *testing.T) {
	s, _ := newScheduler(0)
	s.StartPolling(context.Background())
	if s.IsPolling() {
		t.Fatalf("expected polling disabled for zero interval")
	}
}

func TestGoingLiveStartsPlatformPolling(t *testing.T) {
	s, _ := newScheduler(time.Hour)
	defer s.Cleanup(context.Background())
	s.RegisterSource(core.PlatformYouTube, &seqSource{values: []float64{7}})
	obs := newObserver("O")
	s.AddObserver(context.Background(), obs)
	s.StartPolling(context.Background())
	if s.IsPlatformPolling(core.PlatformYouTube) {
		t.Fatalf("expected youtube idle while offline")
	}
	s.UpdateStreamStatus(context.Background(), core.PlatformYouTube, true)
	if !s.IsPlatformPolling(core.PlatformYouTube) {
		t.Fatalf("expected youtube polling after going live")
	}
	u := obs.wait(t)
	if u.Platform != core.PlatformYouTube || u.Count != 7 {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestStatusHistoryCapped(t *testing.T) {
	s, _ := newScheduler(0)
	for i := 0; i < 10; i++ {
		s.UpdateStreamStatus(context.Background(), core.PlatformTikTok, i%2 == 0)
		if n := len(s.History(core.PlatformTikTok)); n > 3 {
			t.Fatalf("history exceeded cap: %d", n)
		}
	}
	h := s.History(core.PlatformTikTok)
	if len(h) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(h))
	}
	if last := h[2]; last.Reason != reasonStreamEnded || last.From != true || last.To != false {
		t.Fatalf("unexpected last entry %+v", last)
	}

	s.UpdateStreamStatus(context.Background(), core.PlatformTikTok, false)
	if last := s.History(core.PlatformTikTok)[2]; last.Reason != reasonStreamRemainedOffline {
		t.Fatalf("expected remained offline, got %q", last.Reason)
	}
	s.UpdateStreamStatus(context.Background(), core.PlatformTwitch, true)
	if last := s.History(core.PlatformTwitch)[0]; last.Reason != reasonStreamContinued {
		t.Fatalf("expected continued, got %q", last.Reason)
	}
}

func TestUnknownPlatformIgnored(t *testing.T) {
	s, _ := newScheduler(0)
	obs := newObserver("O")
	s.AddObserver(context.Background(), obs)
	s.UpdateStreamStatus(context.Background(), core.Platform("kick"), true)
	if len(s.History("kick")) != 0 || len(obs.changes) != 0 {
		t.Fatalf("expected unknown platform ignored")
	}
}

func TestObserverRegistration(t *testing.T) {
	s, _ := newScheduler(0)
	if err := s.AddObserver(context.Background(), newObserver("")); !errors.Is(err, ErrInvalidObserver) {
		t.Fatalf("expected ErrInvalidObserver, got %v", err)
	}
	first := newObserver("dup")
	second := newObserver("dup")
	s.AddObserver(context.Background(), newObserver("a"))
	s.AddObserver(context.Background(), first)
	s.AddObserver(context.Background(), second)
	if ids := s.ObserverIDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "dup" {
		t.Fatalf("unexpected ids %v", ids)
	}

	s.RegisterSource(core.PlatformTwitch, &seqSource{values: []float64{3}})
	s.PollOnce(context.Background(), core.PlatformTwitch)
	if len(first.updates) != 0 || len(second.updates) != 1 {
		t.Fatalf("expected replacement observer to receive update")
	}

	s.RemoveObserver("dup")
	s.RemoveObserver("dup")
	if ids := s.ObserverIDs(); len(ids) != 1 {
		t.Fatalf("unexpected ids after remove %v", ids)
	}
}

func TestCleanupTimesOutAndClears(t *testing.T) {
	errs := errhandler.New(errhandler.Options{Logger: quietLogger()})
	s := New(Options{Interval: time.Hour, CleanupTimeout: 50 * time.Millisecond, Errors: errs, Logger: quietLogger()})
	s.Initialize(context.Background())
	s.RegisterSource(core.PlatformTwitch, &seqSource{values: []float64{9}})
	polite := newObserver("polite")
	stuck := newObserver("stuck")
	stuck.block = true
	s.AddObserver(context.Background(), polite)
	s.AddObserver(context.Background(), stuck)
	s.StartPolling(context.Background())
	polite.wait(t)

	start := time.Now()
	s.Cleanup(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cleanup took too long: %v", elapsed)
	}
	if !polite.cleaned {
		t.Fatalf("expected polite observer cleaned")
	}
	snap := s.Snapshot()
	if snap.Polling || len(snap.Observers) != 0 || snap.Counts["twitch"] != 0 || len(snap.Active) != 0 {
		t.Fatalf("unexpected snapshot after cleanup %+v", snap)
	}
	if !snap.Live["twitch"] || snap.Live["youtube"] {
		t.Fatalf("expected default statuses restored %+v", snap.Live)
	}

	s.Cleanup(context.Background())
	if again := s.Snapshot(); again.Polling || len(again.Observers) != 0 {
		t.Fatalf("expected second cleanup to be a no-op")
	}
}

func TestOptimizeMemory(t *testing.T) {
	errs := errhandler.New(errhandler.Options{Logger: quietLogger()})
	s := New(Options{MaxStatusUpdates: 1, StatsCeiling: 10, Errors: errs, Logger: quietLogger()})
	s.UpdateStreamStatus(context.Background(), core.PlatformYouTube, true)
	time.Sleep(time.Millisecond)
	s.UpdateStreamStatus(context.Background(), core.PlatformTikTok, true)
	s.mu.Lock()
	s.stats.TotalPolls = 21
	s.stats.SuccessfulPolls = 21
	s.mu.Unlock()

	s.OptimizeMemory()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lastStatusUpdate) != 1 {
		t.Fatalf("expected status updates pruned to 1, got %d", len(s.lastStatusUpdate))
	}
	if _, ok := s.lastStatusUpdate[core.PlatformTikTok]; !ok {
		t.Fatalf("expected most recent platform kept")
	}
	if s.stats.TotalPolls != 10 || s.stats.SuccessfulPolls > s.stats.TotalPolls {
		t.Fatalf("unexpected clamped stats %+v", s.stats)
	}
}

func TestRebuiltSchedulerReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	build := func() *Scheduler {
		errs := errhandler.New(errhandler.Options{Logger: quietLogger()})
		return New(Options{Interval: time.Hour, Errors: errs, Logger: quietLogger(), Registerer: reg})
	}
	first := build()
	first.PollOnce(context.Background(), core.PlatformTwitch)
	second := build()
	second.PollOnce(context.Background(), core.PlatformTwitch)

	if second.polls != first.polls || second.gauge != first.gauge {
		t.Fatalf("expected registered collectors to be reused")
	}
	if got := testutil.ToFloat64(second.polls.WithLabelValues("twitch", "skipped")); got != 2 {
		t.Fatalf("expected both skipped polls counted, got %v", got)
	}
}
