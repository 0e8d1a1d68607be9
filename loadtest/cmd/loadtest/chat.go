package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/parley/chat-core/loadtest/client"
	"github.com/parley/chat-core/loadtest/stats"
)

// stampPrefix marks message texts that carry their send time.
const stampPrefix = "lt:"

// pairResult tracks the outcome of one pair's conversation.
type pairResult struct {
	opened  bool
	msgSent int64
	msgRecv int64
	read    bool
}

// runChat pairs users, opens a conversation per pair and has both sides send
// text messages over the REST API for a while. Each push received over the
// socket yields a send-to-push latency sample; the run ends with a mark_read
// from both sides.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiURL := fs.String("api-url", "http://localhost:8080", "REST API base URL")
	usersPath := fs.String("users", "users.txt", "File with one user id per line")
	secret := fs.String("secret", "", "HMAC secret the server verifies tokens with")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message text in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	users, err := loadUsers(*usersPath, *secret, *pairs*2)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load users: %v\n", err)
		os.Exit(1)
	}
	if len(users) < 2 {
		fmt.Fprintln(os.Stderr, "chat test needs at least two users")
		os.Exit(1)
	}
	users = users[:len(users)/2*2]
	totalClients := len(users)

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		totalClients/2, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.AttachServer(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	// Slots are fixed so users[2i] and users[2i+1] stay a pair.
	clients := make([]*client.Client, totalClients)
	onMessage := func(raw json.RawMessage) {
		if d, ok := pushLatency(raw); ok {
			collector.Observe(stats.Push, d)
		}
	}

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	interrupted := false
	for i := 0; i < totalClients && !interrupted; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			continue
		case <-rampTicker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			clients[i] = connectUser(ctx, *url, *apiURL, users[i],
				map[string]func(json.RawMessage){client.TypeMessage: onMessage}, collector)
		}(i)
	}
	rampTicker.Stop()
	wg.Wait()

	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		collector.Connected(), totalClients,
		time.Since(rampStart).Round(time.Millisecond), collector.Failures())

	if interrupted {
		fmt.Println("Interrupted, skipping chat phase.")
		cleanup(clients)
		scraper.Stop()
		collector.Report(os.Stdout)
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: chat
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Running %d chat pairs for %s ---\n", totalClients/2, *chatDuration)

	var sentTotal atomic.Int64
	results := make([]pairResult, totalClients/2)
	chatCtx, chatCancel := context.WithTimeout(ctx, *chatDuration)

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  errors: %d\n", sentTotal.Load(), collector.Failures())
			case <-progressStop:
				return
			}
		}
	}()

	for p := range results {
		a, b := clients[2*p], clients[2*p+1]
		if a == nil || b == nil {
			continue
		}
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			results[p] = runPair(ctx, chatCtx, a, b, *msgInterval, *msgSize, collector, &sentTotal)
		}(p)
	}
	wg.Wait()
	chatCancel()
	close(progressStop)

	// -----------------------------------------------------------------------
	// Phase 3: cleanup and report
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Cleanup ---")
	// let in-flight pushes land before the sockets close
	time.Sleep(500 * time.Millisecond)
	cleanup(clients)
	scraper.Stop()

	var opened, read int
	var sent, recv int64
	for _, r := range results {
		if r.opened {
			opened++
		}
		if r.read {
			read++
		}
		sent += r.msgSent
		recv += r.msgRecv
	}
	fmt.Printf("\nPairs opened:   %d/%d\n", opened, len(results))
	fmt.Printf("Pairs read:     %d/%d\n", read, len(results))
	fmt.Printf("Messages sent:  %d\n", sent)
	fmt.Printf("Pushes recv:    %d\n", recv)
	if sent > 0 {
		fmt.Printf("Push ratio:     %.2f%%\n", float64(recv)/float64(sent)*100)
	}
	collector.Report(os.Stdout)
}

// runPair opens the pair's conversation and sends until chatCtx ends.
func runPair(ctx, chatCtx context.Context, a, b *client.Client, every time.Duration, size int,
	collector *stats.Collector, sentTotal *atomic.Int64) pairResult {
	var res pairResult

	convID, err := a.OpenConversation(ctx, b.UserID)
	if err != nil {
		collector.Fail()
		return res
	}
	res.opened = true

	var wg sync.WaitGroup
	for _, c := range []*client.Client{a, b} {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-ticker.C:
				}
				start := time.Now()
				if err := c.SendText(ctx, convID, stampedText(start, size)); err != nil {
					collector.Fail()
					continue
				}
				collector.Observe(stats.Send, time.Since(start))
				sentTotal.Add(1)
			}
		}(c)
	}
	wg.Wait()

	ok := true
	for _, c := range []*client.Client{a, b} {
		if err := c.Send(map[string]string{"type": client.TypeMarkRead, "conversation_id": convID}); err != nil {
			collector.Fail()
			ok = false
		}
	}
	res.read = ok

	am, bm := a.Metrics(), b.Metrics()
	res.msgSent = am.MessagesSent + bm.MessagesSent
	res.msgRecv = am.MessagesReceived + bm.MessagesReceived
	return res
}

func stampedText(at time.Time, size int) string {
	s := stampPrefix + strconv.FormatInt(at.UnixNano(), 10) + ":"
	if pad := size - len(s); pad > 0 {
		s += strings.Repeat("x", pad)
	}
	return s
}

// pushLatency reads the send time back out of a pushed message frame.
func pushLatency(raw json.RawMessage) (time.Duration, bool) {
	var ev struct {
		Data struct {
			Text *string `json:"text"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Data.Text == nil {
		return 0, false
	}
	rest, ok := strings.CutPrefix(*ev.Data.Text, stampPrefix)
	if !ok {
		return 0, false
	}
	stamp, _, _ := strings.Cut(rest, ":")
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(0, ns)), true
}

func cleanup(clients []*client.Client) {
	n := 0
	for _, c := range clients {
		if c != nil {
			c.Close()
			n++
		}
	}
	fmt.Printf("Closed %d connections.\n", n)
}
