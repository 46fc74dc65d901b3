package metrics

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop drops everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

type summary struct {
	count float64
	sum   float64
}

// Counters keeps every series in memory and renders them in the text
// exposition format. Histograms are reduced to _count and _sum.
type Counters struct {
	mu      sync.Mutex
	values  map[string]float64
	summary map[string]*summary
}

func NewCounters() *Counters {
	return &Counters{
		values:  make(map[string]float64),
		summary: make(map[string]*summary),
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

func (c *Counters) IncCounter(name string, labels map[string]string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[seriesKey(name, labels)] += delta
}

func (c *Counters) SetGauge(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[seriesKey(name, labels)] = value
}

func (c *Counters) ObserveHistogram(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := seriesKey(name, labels)
	s, ok := c.summary[key]
	if !ok {
		s = &summary{}
		c.summary[key] = s
	}
	s.count++
	s.sum += value
}

// Value returns the current value of a counter or gauge.
func (c *Counters) Value(name string, labels map[string]string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[seriesKey(name, labels)]
}

// WriteTo renders every series sorted by name.
func (c *Counters) WriteTo(w io.Writer) (int64, error) {
	c.mu.Lock()
	lines := make([]string, 0, len(c.values)+2*len(c.summary))
	for key, v := range c.values {
		lines = append(lines, fmt.Sprintf("%s %g", key, v))
	}
	for key, s := range c.summary {
		name, labels, _ := strings.Cut(key, "{")
		if labels != "" {
			labels = "{" + labels
		}
		lines = append(lines,
			fmt.Sprintf("%s_count%s %g", name, labels, s.count),
			fmt.Sprintf("%s_sum%s %g", name, labels, s.sum))
	}
	c.mu.Unlock()

	slices.Sort(lines)
	var n int64
	for _, l := range lines {
		m, err := io.WriteString(w, l+"\n")
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
