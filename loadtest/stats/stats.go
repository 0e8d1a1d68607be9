// Package stats collects what a load run observes on the client side and,
// through Scraper, what the chat server reports about itself over the same
// period.
package stats

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"text/tabwriter"
	"time"
)

// Series names a client-side latency measurement.
type Series string

const (
	Connect Series = "connect" // dial to "connected" frame
	Send    Series = "send"    // POST /messages round trip
	Push    Series = "push"    // POST start to the receiver's "message" frame
)

var reportOrder = []Series{Connect, Send, Push}

// Collector is safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	samples   map[Series][]time.Duration
	connected int
	failures  int
	started   time.Time
	server    *Scraper
}

func NewCollector() *Collector {
	return &Collector{samples: make(map[Series][]time.Duration), started: time.Now()}
}

// AttachServer makes Report include the server-side readings of s.
func (c *Collector) AttachServer(s *Scraper) {
	c.mu.Lock()
	c.server = s
	c.mu.Unlock()
}

// Observe records one latency. A Connect observation also counts a live
// socket.
func (c *Collector) Observe(s Series, d time.Duration) {
	c.mu.Lock()
	c.samples[s] = append(c.samples[s], d)
	if s == Connect {
		c.connected++
	}
	c.mu.Unlock()
}

// Fail counts a failed dial, handshake or request.
func (c *Collector) Fail() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

func (c *Collector) Connected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Collector) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Summary condenses one series.
type Summary struct {
	N                       int
	Mean, P50, P95, P99, Max time.Duration
}

// Summarize computes nearest-rank percentiles over ds without reordering it.
func Summarize(ds []time.Duration) Summary {
	if len(ds) == 0 {
		return Summary{}
	}
	sorted := slices.Clone(ds)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	rank := func(p int) time.Duration {
		// ceil(p/100 * n) as a 1-based rank
		i := (p*len(sorted) + 99) / 100
		return sorted[max(i, 1)-1]
	}
	return Summary{
		N:    len(sorted),
		Mean: total / time.Duration(len(sorted)),
		P50:  rank(50),
		P95:  rank(95),
		P99:  rank(99),
		Max:  sorted[len(sorted)-1],
	}
}

// Report writes the run summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(w, "\n=== %s run ===\n", time.Since(c.started).Round(time.Second))
	fmt.Fprintf(w, "sockets connected: %d, failures: %d", c.connected, c.failures)
	if attempts := c.connected + c.failures; attempts > 0 {
		fmt.Fprintf(w, " (%.2f%%)", float64(c.failures)/float64(attempts)*100)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tn\tmean\tp50\tp95\tp99\tmax\t")
	for _, s := range reportOrder {
		ds := c.samples[s]
		if len(ds) == 0 {
			continue
		}
		sum := Summarize(ds)
		fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%v\t%v\t%v\t\n", s, sum.N,
			round(sum.Mean), round(sum.P50), round(sum.P95), round(sum.P99), round(sum.Max))
	}
	tw.Flush()

	if c.server != nil {
		c.server.Report(w)
	}
}

func round(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
