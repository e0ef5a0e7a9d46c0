package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-rangefuse/internal/pipeline"
	"github.com/teslashibe/go-rangefuse/internal/protocol"
)

// WSHub manages WebSocket connections and broadcasts fusion results
type WSHub struct {
	runner *pipeline.Runner
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(runner *pipeline.Runner, logger *slog.Logger) *WSHub {
	return &WSHub{
		runner:  runner,
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
		done:    make(chan struct{}),
	}
}

// Run forwards every processed frame to connected clients
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)

	h.lifeMu.Lock()
	if h.stopped {
		h.lifeMu.Unlock()
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.lifeMu.Unlock()

	outputs := h.runner.Subscribe()
	defer h.runner.Unsubscribe(outputs)

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case out, ok := <-outputs:
			if !ok {
				return
			}
			if h.ClientCount() == 0 {
				continue
			}

			msg, err := protocol.NewFusionMessage(out.Detections, out.Result)
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)
		}
	}
}

// Broadcast sends msg to every client
func (h *WSHub) Broadcast(msg *protocol.Message) {
	h.broadcast(msg)
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, writeMu := range h.clients {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		writeMu.Unlock()
		if err != nil {
			// Cleaned up when the read loop ends
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the fusion stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	writeMu := &sync.Mutex{}

	h.mu.Lock()
	h.clients[c] = writeMu
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			break
		}

		if reply := h.handleCommand(raw); reply != nil {
			data, err := reply.Bytes()
			if err != nil {
				continue
			}
			writeMu.Lock()
			err = c.WriteMessage(websocket.TextMessage, data)
			writeMu.Unlock()
			if err != nil {
				break
			}
		}
	}
}

// handleCommand answers client requests; unknown types are ignored
func (h *WSHub) handleCommand(raw []byte) *protocol.Message {
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		return nil
	}

	var reply *protocol.Message
	switch msg.Type {
	case protocol.TypePing:
		reply, err = protocol.NewMessage(protocol.TypePong, time.Now().Unix())
	case "get_stats":
		reply, err = protocol.NewMessage("stats", h.runner.Stats())
	}
	if err != nil {
		h.logger.Debug("websocket reply error", "error", err)
		return nil
	}
	return reply
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.lifeMu.Lock()
	cancel := h.cancel
	h.stopped = true
	h.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
}
