package presence

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/messaging"
)

// Takeover announces that a user connected on some instance.
type Takeover struct {
	UserID      string `json:"user_id"`
	HandleID    string `json:"handle_id"`
	Server      string `json:"server"`
	ConnectedAt int64  `json:"connected_at"` // unix nanoseconds
}

// NATSTakeovers extends latest-connect-wins across instances. Each local
// connect is published; a connect announced by another instance evicts the
// user's older handle here.
type NATSTakeovers struct {
	client   *messaging.NATSClient
	registry *Registry
	server   string
	logger   *zap.Logger
}

// NewNATSTakeovers returns takeovers for the instance named server.
func NewNATSTakeovers(client *messaging.NATSClient, registry *Registry, server string, logger *zap.Logger) *NATSTakeovers {
	return &NATSTakeovers{client: client, registry: registry, server: server, logger: logger}
}

// Start subscribes to takeovers from the other instances.
func (t *NATSTakeovers) Start() error {
	return t.client.Subscribe(messaging.SubjectTakeover, t.handle)
}

// Announce publishes h as its user's newest connection.
func (t *NATSTakeovers) Announce(h *Handle) error {
	data, err := json.Marshal(Takeover{
		UserID:      h.UserID,
		HandleID:    h.ID,
		Server:      t.server,
		ConnectedAt: h.ConnectedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("presence: marshal takeover: %w", err)
	}
	if err := t.client.Publish(messaging.SubjectTakeover, data); err != nil {
		return fmt.Errorf("presence: publish takeover: %w", err)
	}
	return nil
}

func (t *NATSTakeovers) handle(data []byte) {
	var tk Takeover
	if err := json.Unmarshal(data, &tk); err != nil {
		t.logger.Warn("malformed takeover", zap.Error(err))
		return
	}
	// local connects already replaced the previous handle in Connect
	if tk.Server == t.server {
		return
	}
	if t.registry.Evict(tk.UserID, time.Unix(0, tk.ConnectedAt)) {
		t.logger.Debug("session taken over",
			zap.String("user_id", tk.UserID),
			zap.String("server", tk.Server),
			zap.String("handle", tk.HandleID))
	}
}
