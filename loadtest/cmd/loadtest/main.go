// Command loadtest drives a chat server with simulated users.
//
//   - saturate: opens one idle socket per user and holds them
//   - chat:     pairs users, opens conversations and measures push latency
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/parley/chat-core/loadtest/client"
	"github.com/parley/chat-core/loadtest/stats"
)

// dialTimeout bounds the upgrade plus the wait for the "connected" frame.
const dialTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: one idle socket per user")
	fmt.Println("  chat        Conversation test: pairs exchange messages over the REST API")
	fmt.Println()
	fmt.Println("Both commands read user ids, one per line, from -users. The users must")
	fmt.Println("exist in the server's record store. Tokens are signed with -secret.")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

type user struct {
	id    string
	token string
}

// loadUsers reads ids from path, skipping blank lines and # comments, and
// signs a token for each.
func loadUsers(path, secret string, limit int) ([]user, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var users []user
	sc := bufio.NewScanner(f)
	for sc.Scan() && (limit <= 0 || len(users) < limit) {
		id := strings.TrimSpace(sc.Text())
		if id == "" || strings.HasPrefix(id, "#") {
			continue
		}
		tok, err := client.Token(secret, id, 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("sign token for %s: %w", id, err)
		}
		users = append(users, user{id: id, token: tok})
	}
	return users, sc.Err()
}

// connectUser dials u and waits for the server to register the socket. It
// returns nil and counts a failure when either step fails.
func connectUser(ctx context.Context, wsURL, apiURL string, u user,
	handlers map[string]func(json.RawMessage), collector *stats.Collector) *client.Client {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c, err := client.New(ctx, wsURL, apiURL, u.token, u.id, handlers)
	if err != nil {
		collector.Fail()
		return nil
	}
	if err := c.WaitConnected(ctx); err != nil {
		collector.Fail()
		c.Close()
		return nil
	}
	collector.Observe(stats.Connect, c.Metrics().ConnectLatency)
	return c
}
