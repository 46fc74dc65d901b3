package metrics

import (
	"strings"
	"testing"
)

func TestCounters(t *testing.T) {
	c := NewCounters()
	labels := map[string]string{"direction": "pull", "peer": "b"}

	c.IncCounter("sync_rounds_total", labels, 1)
	c.IncCounter("sync_rounds_total", map[string]string{"peer": "b", "direction": "pull"}, 2)
	c.SetGauge("sync_scheduled", nil, 1)
	c.ObserveHistogram("sync_fetched_bytes", nil, 10)
	c.ObserveHistogram("sync_fetched_bytes", nil, 5)

	if got := c.Value("sync_rounds_total", labels); got != 3 {
		t.Fatalf("expected 3, got %v", got)
	}

	var sb strings.Builder
	if _, err := c.WriteTo(&sb); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	want := strings.Join([]string{
		`sync_fetched_bytes_count 2`,
		`sync_fetched_bytes_sum 15`,
		`sync_rounds_total{direction="pull",peer="b"} 3`,
		`sync_scheduled 1`,
	}, "\n") + "\n"
	if sb.String() != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", sb.String(), want)
	}
}
