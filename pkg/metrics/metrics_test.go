package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Observe("create", "ok", time.Now())
	m.SearchServed(3, true)
	m.LinksCreated(2)
	m.SetPending(1)
	m.HTTPRequest("GET", "/", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestObserve(t *testing.T) {
	m := New()
	m.Observe("create", "ok", time.Now())
	m.Observe("create", "ok", time.Now())
	m.Observe("create", "VALIDATION_ERROR", time.Now())

	if got := testutil.ToFloat64(m.OperationCounter.WithLabelValues("create", "ok")); got != 2 {
		t.Errorf("ok count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OperationCounter.WithLabelValues("create", "VALIDATION_ERROR")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestSearchAndLinks(t *testing.T) {
	m := New()
	m.SearchServed(5, false)
	m.SearchServed(0, true)
	m.LinksCreated(3)
	m.LinksCreated(0)
	m.SetPending(7)

	if got := testutil.ToFloat64(m.SearchDegraded); got != 1 {
		t.Errorf("degraded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AutoLinks); got != 3 {
		t.Errorf("auto links = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.EmbeddingPending); got != 7 {
		t.Errorf("pending = %v, want 7", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a, b := New(), New()
	a.LinksCreated(1)
	if got := testutil.ToFloat64(b.AutoLinks); got != 0 {
		t.Errorf("registries leaked: %v", got)
	}
}
