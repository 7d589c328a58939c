package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	// UpdatePoolStats is the sole authority for connection gauges.
	c.UpdatePoolStats("server1", 3, 5, 8)

	val := getGaugeValue(c.connectionsActive.WithLabelValues("server1"))
	if val != 3 {
		t.Errorf("expected active=3, got %v", val)
	}

	// A second call replaces (not increments) the value
	c.UpdatePoolStats("server1", 2, 4, 6)
	val = getGaugeValue(c.connectionsActive.WithLabelValues("server1"))
	if val != 2 {
		t.Errorf("expected active=2 after update, got %v", val)
	}
}

func TestStatementDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.StatementCompleted("slave", 100*time.Millisecond)
	c.StatementCompleted("slave", 200*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "sqlrelay_statement_duration_seconds" {
			found = true
			if f.Metric[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", f.Metric[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Fatal("sqlrelay_statement_duration_seconds not found")
	}
}

func TestSetServerStatus(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetServerStatus("db1", "master", true)
	if val := getGaugeValue(c.serverStatus.WithLabelValues("db1", "master")); val != 1 {
		t.Errorf("expected up=1, got %v", val)
	}

	c.SetServerStatus("db1", "master", false)
	if val := getGaugeValue(c.serverStatus.WithLabelValues("db1", "master")); val != 0 {
		t.Errorf("expected up=0, got %v", val)
	}
}

func TestReplicationLag(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetReplicationLag("db2", 250*time.Millisecond)
	if val := getGaugeValue(c.replicationLag.WithLabelValues("db2")); val != 0.25 {
		t.Errorf("expected 0.25s, got %v", val)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("db1")
	c.PoolExhausted("db1")
	if val := getCounterValue(c.poolExhausted.WithLabelValues("db1")); val != 2 {
		t.Errorf("expected 2, got %v", val)
	}
}

func TestProbeErrorAndCompleted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ProbeError("db1", "timeout")
	if val := getCounterValue(c.probeErrors.WithLabelValues("db1", "timeout")); val != 1 {
		t.Errorf("expected 1, got %v", val)
	}

	c.ProbeCompleted("db1", 5*time.Millisecond, true)
	c.ProbeCompleted("db1", 5*time.Millisecond, false)
	// both outcomes recorded under distinct "status" label values
	families, _ := c.Registry.Gather()
	for _, f := range families {
		if f.GetName() == "sqlrelay_probe_duration_seconds" {
			if len(f.Metric) != 2 {
				t.Errorf("expected 2 label combinations, got %d", len(f.Metric))
			}
		}
	}
}

func TestSessionOpenedAndClosed(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SessionOpened()
	c.SessionOpened()
	if val := getGaugeValue(c.sessionsActive); val != 2 {
		t.Errorf("expected 2 active sessions, got %v", val)
	}

	c.SessionClosed("killed")
	if val := getGaugeValue(c.sessionsActive); val != 1 {
		t.Errorf("expected 1 active session after close, got %v", val)
	}
	if val := getCounterValue(c.sessionsClosed.WithLabelValues("killed")); val != 1 {
		t.Errorf("expected 1 closed-by-killed, got %v", val)
	}
}

func TestCacheLookupAndSize(t *testing.T) {
	c, _ := newTestCollector(t)

	c.CacheLookup(true)
	c.CacheLookup(true)
	c.CacheLookup(false)
	if val := getCounterValue(c.cacheHits); val != 2 {
		t.Errorf("expected 2 hits, got %v", val)
	}
	if val := getCounterValue(c.cacheMisses); val != 1 {
		t.Errorf("expected 1 miss, got %v", val)
	}

	c.SetCacheSize(4096)
	if val := getGaugeValue(c.cacheSize); val != 4096 {
		t.Errorf("expected 4096, got %v", val)
	}
}

func TestSetWorkerLoad(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetWorkerLoad("worker-0", 0.42)
	if val := getGaugeValue(c.workerLoad.WithLabelValues("worker-0")); val != 0.42 {
		t.Errorf("expected 0.42, got %v", val)
	}
}

func TestRemoveServer(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("gone", 1, 1, 2)
	c.PoolExhausted("gone")
	c.RemoveServer("gone")

	if val := getGaugeValue(c.connectionsActive.WithLabelValues("gone")); val != 0 {
		t.Errorf("expected gauge reset to 0 after removal, got %v", val)
	}
}
