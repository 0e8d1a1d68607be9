package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/parley/chat-core/loadtest/client"
	"github.com/parley/chat-core/loadtest/stats"
)

// runSaturate opens one idle socket per user at a steady pace, then holds
// them and watches for sockets the server closes. The server keeps a single
// socket per user, so the user list caps the socket count.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket endpoint")
	usersPath := fs.String("users", "users.txt", "File with one user id per line")
	secret := fs.String("secret", "", "HMAC secret the server verifies tokens with")
	limit := fs.Int("connections", 1000, "Upper bound on sockets to open")
	pace := fs.Duration("ramp", 10*time.Second, "Time over which sockets are opened")
	hold := fs.Duration("hold", 30*time.Second, "How long to keep the sockets open")
	inflight := fs.Int("concurrency", 50, "Upgrades in flight at once")
	fs.Parse(args)

	users, err := loadUsers(*usersPath, *secret, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load users: %v\n", err)
		os.Exit(1)
	}
	if len(users) == 0 {
		fmt.Fprintln(os.Stderr, "no users to connect")
		os.Exit(1)
	}
	fmt.Printf("saturate: %d sockets against %s, ramp %s, hold %s, %d in flight\n",
		len(users), *url, *pace, *hold, *inflight)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	pool := &socketPool{}

	start := time.Now()
	stopProgress := every(time.Second, func() {
		fmt.Printf("  ramp: %d/%d up, %d failed\n", collector.Connected(), len(users), collector.Failures())
	})
	complete := pool.open(ctx, users, *pace, *inflight, func(ctx context.Context, u user) *client.Client {
		return connectUser(ctx, *url, "", u, nil, collector)
	})
	stopProgress()
	fmt.Printf("ramp finished in %s: %d up, %d failed\n",
		time.Since(start).Round(time.Millisecond), collector.Connected(), collector.Failures())

	var closed int
	if complete {
		closed = pool.hold(ctx, *hold, 5*time.Second)
	} else {
		fmt.Println("interrupted while opening sockets, skipping hold")
	}

	fmt.Printf("closing %d sockets\n", pool.close())
	if closed > 0 {
		fmt.Printf("sockets closed by the server during hold: %d\n", closed)
	}
	collector.Report(os.Stdout)
}

// socketPool tracks the sockets a saturate run opened.
type socketPool struct {
	mu      sync.Mutex
	clients []*client.Client
}

// open dials users evenly spread over pace, at most inflight at a time. It
// reports false if ctx ended before every dial was started.
func (p *socketPool) open(ctx context.Context, users []user, pace time.Duration, inflight int,
	dial func(context.Context, user) *client.Client) bool {
	gap := max(pace/time.Duration(len(users)), time.Millisecond)
	tick := time.NewTicker(gap)
	defer tick.Stop()

	slots := make(chan struct{}, max(inflight, 1))
	var wg sync.WaitGroup
	defer wg.Wait()
	for _, u := range users {
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
		slots <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			if c := dial(ctx, u); c != nil {
				p.mu.Lock()
				p.clients = append(p.clients, c)
				p.mu.Unlock()
			}
		}()
	}
	return true
}

// hold waits for d, printing how many sockets are still alive every report
// interval, and returns how many the server closed.
func (p *socketPool) hold(ctx context.Context, d, report time.Duration) int {
	p.mu.Lock()
	opened := len(p.clients)
	p.mu.Unlock()
	fmt.Printf("holding %d sockets for %s\n", opened, d)

	done := time.NewTimer(d)
	defer done.Stop()
	status := time.NewTicker(report)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("interrupted during hold")
			return opened - p.alive()
		case <-done.C:
			return opened - p.alive()
		case <-status.C:
			alive := p.alive()
			fmt.Printf("  hold: %d/%d alive\n", alive, opened)
		}
	}
}

func (p *socketPool) alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clients {
		if c.Alive() {
			n++
		}
	}
	return n
}

func (p *socketPool) close() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	n := len(p.clients)
	p.clients = nil
	return n
}

// every runs fn on a ticker until the returned stop func is called.
func every(d time.Duration, fn func()) (stop func()) {
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn()
			case <-quit:
				return
			}
		}
	}()
	return func() {
		close(quit)
		wg.Wait()
	}
}
