package errhandler

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCategorize(t *testing.T) {
	cases := map[string]Category{
		"dial tcp: connection refused":       CategoryNetwork,
		"read: i/o TIMEOUT":                  CategoryNetwork,
		"HTTP 401 Unauthorized":              CategoryAuthentication,
		"invalid OAuth token":                CategoryAuthentication,
		"429 Too Many Requests":              CategoryRateLimit,
		"rate limit exceeded":                CategoryRateLimit,
		"channel not found":                  CategoryResourceNotFound,
		"something odd happened":             CategoryUnknown,
		"":                                   CategoryUnknown,
	}
	for msg, want := range cases {
		if got := Categorize(msg); got != want {
			t.Fatalf("Categorize(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestRecordCountersAndSuccessReset(t *testing.T) {
	h := New(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	h.Record("scheduler", KindPollingFault, errors.New("connection reset"))
	h.Record("scheduler", KindPollingFault, errors.New("weird"))

	st := h.Stats("scheduler")
	if st.TotalErrors != 2 || st.ConsecutiveErrors != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.ErrorTypes[CategoryNetwork] != 1 || st.ErrorTypes[CategoryUnknown] != 1 {
		t.Fatalf("unexpected error types %+v", st.ErrorTypes)
	}
	if h.KindCount(KindPollingFault) != 2 {
		t.Fatalf("expected kind count 2, got %d", h.KindCount(KindPollingFault))
	}

	h.RecordSuccess("scheduler")
	st = h.Stats("scheduler")
	if st.ConsecutiveErrors != 0 || st.TotalErrors != 2 {
		t.Fatalf("expected consecutive reset only, got %+v", st)
	}
}

func TestStatsUnknownComponent(t *testing.T) {
	h := New(Options{})
	st := h.Stats("nobody")
	if st.TotalErrors != 0 || st.ErrorTypes == nil {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(Options{Registerer: reg})
	h.For("router").Record(KindDownstreamHandlerFault, errors.New("boom"))

	if got := testutil.ToFloat64(h.errorsTotal.WithLabelValues("router", string(KindDownstreamHandlerFault))); got != 1 {
		t.Fatalf("expected metric 1, got %v", got)
	}

	// A second handler on the same registry shares the collector.
	h2 := New(Options{Registerer: reg})
	h2.Record("router", KindDownstreamHandlerFault, errors.New("boom"))
	if got := testutil.ToFloat64(h.errorsTotal.WithLabelValues("router", string(KindDownstreamHandlerFault))); got != 2 {
		t.Fatalf("expected shared metric 2, got %v", got)
	}
}

func TestHandleEventProcessingErrorLogs(t *testing.T) {
	var buf bytes.Buffer
	h := New(Options{Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	h.For("twitch").HandleEventProcessingError(errors.New("missing username"), KindParseMissingField, "gift", map[string]any{"id": "x"}, "gift parse failed")

	out := buf.String()
	if !strings.Contains(out, "gift parse failed") || !strings.Contains(out, "component=twitch") {
		t.Fatalf("unexpected log output %q", out)
	}
	if h.KindCount(KindParseMissingField) != 1 {
		t.Fatalf("expected parse kind counted")
	}
}

func TestLogOperationalErrorNoCounters(t *testing.T) {
	var buf bytes.Buffer
	h := New(Options{Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	h.LogOperationalError("token file unreadable", "twitchauth", map[string]any{"path": "/tmp/x"})
	if !strings.Contains(buf.String(), "path=/tmp/x") {
		t.Fatalf("expected details logged, got %q", buf.String())
	}
	if h.Stats("twitchauth").TotalErrors != 0 {
		t.Fatalf("expected no counters touched")
	}
}

func TestNilHandlerSafe(t *testing.T) {
	var h *Handler
	h.Record("x", KindCleanupFault, errors.New("x"))
	h.RecordSuccess("x")
	if h.KindCount(KindCleanupFault) != 0 {
		t.Fatalf("expected zero from nil handler")
	}
}
