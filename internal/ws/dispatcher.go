package ws

import (
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage, e.g. protocol.TypingMsg.
type MessageHandler func(conn *Connection, msg any)

// Sender writes a frame to a connection. *Connection is the production
// implementation.
type Sender interface {
	WriteMessage(data []byte) error
}

// MessageDispatcher routes client frames to registered handlers by type. It
// answers ping itself and replies with an error frame to malformed or
// unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

// NewMessageDispatcher returns a dispatcher with no handlers.
func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// Register associates a handler with a message type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the Server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("dispatch parse error", zap.String("connection_id", conn.ID), zap.Error(err))
		Reply(conn, d.logger, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeBadRequest,
			Message: "invalid message format",
		})
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		Reply(conn, d.logger, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported message type", zap.String("type", msgType), zap.String("connection_id", conn.ID))
		Reply(conn, d.logger, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeBadRequest,
			Message: "unsupported message type",
		})
		return
	}
	handler(conn, msg)
}

// Reply encodes payload as a server frame of msgType and writes it to conn.
// Failures are logged, never returned.
func Reply(conn Sender, logger *zap.Logger, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		logger.Error("failed to build server message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		logger.Debug("failed to write server message", zap.String("type", msgType), zap.Error(err))
	}
}
