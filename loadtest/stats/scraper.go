package stats

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// reading is the part of one /metrics response a load run cares about.
type reading struct {
	at         time.Time
	sockets    float64            // chat_ws_connections
	sent       float64            // chat_messages_total{op="sent"}
	deliveries map[string]float64 // chat_deliveries_total by result
	limited    float64            // chat_rate_limited_total, all rules
	sendSum    float64            // chat_send_latency_seconds
	sendCount  float64
}

// parseReading decodes a text exposition body.
func parseReading(body io.Reader, at time.Time) (reading, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(body)
	if err != nil {
		return reading{}, fmt.Errorf("parse metrics: %w", err)
	}

	r := reading{at: at, deliveries: make(map[string]float64)}
	for _, m := range families["chat_ws_connections"].GetMetric() {
		r.sockets += m.GetGauge().GetValue()
	}
	for _, m := range families["chat_messages_total"].GetMetric() {
		if label(m, "op") == "sent" {
			r.sent += m.GetCounter().GetValue()
		}
	}
	for _, m := range families["chat_deliveries_total"].GetMetric() {
		r.deliveries[label(m, "result")] += m.GetCounter().GetValue()
	}
	for _, m := range families["chat_rate_limited_total"].GetMetric() {
		r.limited += m.GetCounter().GetValue()
	}
	for _, m := range families["chat_send_latency_seconds"].GetMetric() {
		r.sendSum += m.GetHistogram().GetSampleSum()
		r.sendCount += float64(m.GetHistogram().GetSampleCount())
	}
	return r, nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// Scraper polls the chat server's Prometheus endpoint for the length of a
// run.
type Scraper struct {
	url    string
	every  time.Duration
	client *http.Client

	mu       sync.Mutex
	readings []reading
	misses   int

	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewScraper(metricsURL string, every time.Duration) *Scraper {
	return &Scraper{
		url:     metricsURL,
		every:   every,
		client:  &http.Client{Timeout: 5 * time.Second},
		stopped: make(chan struct{}),
	}
}

// Start takes a baseline reading and keeps polling until Stop or ctx ends.
// A final reading is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.poll(ctx)

	go func() {
		defer close(s.stopped)
		t := time.NewTicker(s.every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.poll(ctx)
			case <-ctx.Done():
				s.poll(context.Background())
				return
			}
		}
	}()
}

func (s *Scraper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.stopped
}

func (s *Scraper) poll(ctx context.Context) {
	r, err := s.get(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// the server may not be listening yet
		s.misses++
		return
	}
	s.readings = append(s.readings, r)
}

func (s *Scraper) get(ctx context.Context) (reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return reading{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return reading{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return reading{}, fmt.Errorf("metrics endpoint: %s", resp.Status)
	}
	return parseReading(resp.Body, time.Now())
}

// Report writes how the server's counters moved between the first and last
// reading.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	readings := append([]reading(nil), s.readings...)
	misses := s.misses
	s.mu.Unlock()

	if len(readings) == 0 {
		fmt.Fprintf(w, "\nserver: no metrics collected (%d failed polls)\n", misses)
		return
	}
	first, last := readings[0], readings[len(readings)-1]
	fmt.Fprintf(w, "\nserver: %d readings over %s\n",
		len(readings), last.at.Sub(first.at).Round(time.Second))

	peak := first.sockets
	for _, r := range readings[1:] {
		peak = max(peak, r.sockets)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tstart\tend\tchange\t")
	fmt.Fprintf(tw, "sockets (peak %.0f)\t%.0f\t%.0f\t%+.0f\t\n", peak, first.sockets, last.sockets, last.sockets-first.sockets)
	fmt.Fprintf(tw, "messages sent\t%.0f\t%.0f\t%+.0f\t\n", first.sent, last.sent, last.sent-first.sent)
	fmt.Fprintf(tw, "rate limited\t%.0f\t%.0f\t%+.0f\t\n", first.limited, last.limited, last.limited-first.limited)

	results := make([]string, 0, len(last.deliveries))
	for res := range last.deliveries {
		results = append(results, res)
	}
	sort.Strings(results)
	for _, res := range results {
		a, b := first.deliveries[res], last.deliveries[res]
		fmt.Fprintf(tw, "push %s\t%.0f\t%.0f\t%+.0f\t\n", res, a, b, b-a)
	}
	tw.Flush()

	if n := last.sendCount - first.sendCount; n > 0 {
		mean := time.Duration((last.sendSum - first.sendSum) / n * float64(time.Second))
		fmt.Fprintf(w, "server send latency: mean %v over %.0f sends\n", mean.Round(time.Microsecond), n)
	} else {
		fmt.Fprintln(w, "server send latency: no sends observed")
	}
}
