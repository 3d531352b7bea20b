// Package stats collects per layer request statistics.
package stats

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/deploymenttheory/go-lcfs/internal/interfaces"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

var _ interfaces.StatsSink = (*Stats)(nil)

// Entry is the accumulated samples of one request kind.
type Entry struct {
	Count  uint64        `json:"count" yaml:"count"`
	Errors uint64        `json:"errors" yaml:"errors"`
	Min    time.Duration `json:"min" yaml:"min"`
	Max    time.Duration `json:"max" yaml:"max"`
	Total  time.Duration `json:"total" yaml:"total"`
}

// Average returns the mean sample duration.
func (e Entry) Average() time.Duration {
	if e.Count == 0 {
		return 0
	}
	return e.Total / time.Duration(e.Count)
}

// Stats is the stats sink of one layer. A nil *Stats discards samples, which
// is how disabled stats are represented.
type Stats struct {
	entries [types.RequestMax]Entry
	started time.Time
	mu      sync.Mutex
}

// New returns an empty stats sink.
func New() *Stats {
	return &Stats{started: time.Now()}
}

// Begin returns the start time of a sample.
func (s *Stats) Begin() time.Time {
	if s == nil {
		return time.Time{}
	}
	return time.Now()
}

// Add records a sample of kind started at start.
func (s *Stats) Add(kind types.RequestType, err error, start time.Time) {
	if s == nil || kind < 0 || kind >= types.RequestMax {
		return
	}
	d := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &s.entries[kind]
	e.Count++
	if err != nil {
		e.Errors++
	}
	if e.Count == 1 || d < e.Min {
		e.Min = d
	}
	if d > e.Max {
		e.Max = d
	}
	e.Total += d
}

// Get returns the entry of kind.
func (s *Stats) Get(kind types.RequestType) Entry {
	if s == nil || kind < 0 || kind >= types.RequestMax {
		return Entry{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[kind]
}

// Snapshot returns every non-empty entry keyed by request name.
func (s *Stats) Snapshot() map[string]Entry {
	out := make(map[string]Entry)
	if s == nil {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind := types.RequestType(0); kind < types.RequestMax; kind++ {
		if s.entries[kind].Count > 0 {
			out[kind.String()] = s.entries[kind]
		}
	}
	return out
}

// Reset clears every entry.
func (s *Stats) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.entries = [types.RequestMax]Entry{}
	s.started = time.Now()
	s.mu.Unlock()
}

// Display writes a table of the non-empty entries to w.
func (s *Stats) Display(w io.Writer, name string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(w, "Stats for %s (since %s)\n", name, s.started.Format(time.RFC3339))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST\tCOUNT\tERRORS\tMIN\tMAX\tAVG")
	for kind := types.RequestType(0); kind < types.RequestMax; kind++ {
		e := s.entries[kind]
		if e.Count == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n", kind, e.Count, e.Errors, e.Min, e.Max, e.Average())
	}
	tw.Flush()
}
