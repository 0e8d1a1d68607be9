package stats

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

const exposition = `# HELP chat_ws_connections Current number of registered WebSocket connections
# TYPE chat_ws_connections gauge
chat_ws_connections 42
# TYPE chat_messages_total counter
chat_messages_total{op="deleted"} 3
chat_messages_total{op="sent"} 1500
# TYPE chat_deliveries_total counter
chat_deliveries_total{result="delivered"} 1490
chat_deliveries_total{result="offline"} 10
# TYPE chat_rate_limited_total counter
chat_rate_limited_total{rule="send"} 4
chat_rate_limited_total{rule="typing"} 1
# TYPE chat_send_latency_seconds histogram
chat_send_latency_seconds_bucket{le="0.01"} 1000
chat_send_latency_seconds_bucket{le="+Inf"} 1500
chat_send_latency_seconds_sum 30
chat_send_latency_seconds_count 1500
`

func TestParseReading(t *testing.T) {
	r, err := parseReading(strings.NewReader(exposition), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if r.sockets != 42 || r.sent != 1500 || r.limited != 5 {
		t.Errorf("sockets=%v sent=%v limited=%v", r.sockets, r.sent, r.limited)
	}
	if r.deliveries["delivered"] != 1490 || r.deliveries["offline"] != 10 {
		t.Errorf("deliveries = %v", r.deliveries)
	}
	if r.sendSum != 30 || r.sendCount != 1500 {
		t.Errorf("send histogram sum=%v count=%v", r.sendSum, r.sendCount)
	}
}

func TestParseReadingRejectsGarbage(t *testing.T) {
	if _, err := parseReading(strings.NewReader("chat_ws_connections not_a_number\n"), time.Now()); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := Summarize(ds)
	want := Summary{N: 100, Mean: 50500 * time.Microsecond, P50: 50 * time.Millisecond,
		P95: 95 * time.Millisecond, P99: 99 * time.Millisecond, Max: 100 * time.Millisecond}
	if s != want {
		t.Errorf("Summarize = %+v, want %+v", s, want)
	}
	if ds[0] != 100*time.Millisecond {
		t.Error("Summarize reordered its input")
	}
	if (Summarize(nil) != Summary{}) {
		t.Error("empty input should summarize to zero")
	}
}

func TestReportListsServerMovement(t *testing.T) {
	s := NewScraper("http://unused", time.Second)
	before, _ := parseReading(strings.NewReader(exposition), time.Now())
	after, _ := parseReading(strings.NewReader(strings.Replace(exposition, "op=\"sent\"} 1500", "op=\"sent\"} 1600", 1)), time.Now())
	s.readings = []reading{before, after}

	var buf bytes.Buffer
	s.Report(&buf)
	if !strings.Contains(buf.String(), "+100") {
		t.Errorf("report does not show the sent delta:\n%s", buf.String())
	}
}
