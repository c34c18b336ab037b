package metrics

import (
	"strings"
	"testing"
)

func TestRegistry_CountersAndGauges(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("wal_appends_total", nil, 1)
	r.IncCounter("wal_appends_total", nil, 2)
	r.SetGauge("wal_replica_offset", map[string]string{"replica": "1"}, 4)
	r.SetGauge("wal_replica_offset", map[string]string{"replica": "1"}, 5)

	if got := r.Counter("wal_appends_total", nil); got != 3 {
		t.Fatalf("expected counter 3, got %v", got)
	}
	if got := r.Gauge("wal_replica_offset", map[string]string{"replica": "1"}); got != 5 {
		t.Fatalf("expected gauge 5, got %v", got)
	}
	if got := r.Gauge("wal_replica_offset", map[string]string{"replica": "2"}); got != 0 {
		t.Fatalf("expected unknown series to read 0, got %v", got)
	}
}

func TestRegistry_WriteText(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("b_total", nil, 1)
	r.SetGauge("a", map[string]string{"z": "1", "y": "2"}, 7)
	r.ObserveHistogram("lat", nil, 0.5)
	r.ObserveHistogram("lat", nil, 1.5)

	var sb strings.Builder
	if err := r.WriteText(&sb); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	out := sb.String()
	for _, want := range []string{
		"# TYPE a gauge\n",
		`a{y="2",z="1"} 7`,
		"# TYPE b_total counter\n",
		"b_total 1\n",
		"# TYPE lat histogram\n",
		`lat_bucket{le="0.5"} 1`,
		"lat_count 2\n",
		"lat_sum 2\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "# TYPE a gauge") > strings.Index(out, "# TYPE b_total counter") {
		t.Fatalf("families not sorted by name:\n%s", out)
	}
}

func TestRegistry_MismatchedLabelsDropped(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("c_total", map[string]string{"replica": "1"}, 1)
	r.IncCounter("c_total", map[string]string{"client": "9"}, 1)
	r.IncCounter("c_total", nil, 1)
	r.SetGauge("c_total", nil, 3)

	if got := r.Counter("c_total", map[string]string{"replica": "1"}); got != 1 {
		t.Fatalf("expected counter 1, got %v", got)
	}
	if got := r.Counter("c_total", map[string]string{"client": "9"}); got != 0 {
		t.Fatalf("series with other label names recorded: %v", got)
	}
	if got := r.Gauge("c_total", nil); got != 0 {
		t.Fatalf("gauge registered over a counter: %v", got)
	}
}
