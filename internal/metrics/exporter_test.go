package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExporterRecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	e, err := NewExporter("skybot", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}

	e.ItemHandled("bot-comments", 250*time.Millisecond)
	e.ItemFailed("bot-comments")
	e.ItemDropped("bot-comments", "stopped")
	e.ItemDropped("bot-comments", "stopped")
	e.WorkerExited("bot-comments")
	e.QueueDepth("bot-comments", 7)
	e.StreamRestarted("bot-comments")
	e.ItemReceived("bot-comments")
	e.RetryOutcome("create_reply", "ok", 2)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"failed", testutil.ToFloat64(e.failedTotal.WithLabelValues("bot-comments")), 1},
		{"dropped", testutil.ToFloat64(e.droppedTotal.WithLabelValues("bot-comments", "stopped")), 2},
		{"worker exits", testutil.ToFloat64(e.workerExits.WithLabelValues("bot-comments")), 1},
		{"queue depth", testutil.ToFloat64(e.queueDepth.WithLabelValues("bot-comments")), 7},
		{"restarts", testutil.ToFloat64(e.restartsTotal.WithLabelValues("bot-comments")), 1},
		{"received", testutil.ToFloat64(e.receivedTotal.WithLabelValues("bot-comments")), 1},
		{"retry calls", testutil.ToFloat64(e.retryCallsTotal.WithLabelValues("create_reply", "ok")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if n := testutil.CollectAndCount(e.handleSeconds); n != 1 {
		t.Errorf("expected one handle histogram series, got %d", n)
	}
}

func TestExporterAlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewExporter("skybot", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("first NewExporter failed: %v", err)
	}
	second, err := NewExporter("skybot", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("second NewExporter failed: %v", err)
	}

	first.StreamRestarted("l")
	second.StreamRestarted("l")

	if got := testutil.ToFloat64(first.restartsTotal.WithLabelValues("l")); got != 2 {
		t.Fatalf("shared restart counter = %v, want 2", got)
	}
}

func TestNilExporterIsSafe(t *testing.T) {
	var e *Exporter
	e.ItemHandled("p", time.Second)
	e.ItemDropped("p", "")
	e.RetryOutcome("c", "ok", 1)
}

func TestEmptyLabelsNormalized(t *testing.T) {
	e, err := NewExporter("", prom.NewRegistry(), ExporterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	e.ItemDropped("", "")
	if got := testutil.ToFloat64(e.droppedTotal.WithLabelValues("unknown", "unknown")); got != 1 {
		t.Errorf("dropped unknown = %v, want 1", got)
	}
}
