package offcache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// ClientHub tracks the pages connected to the host and which worker version
// controls each of them.
type ClientHub struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[string]*hubEntry
	onEmpty func()
}

type hubEntry struct {
	client     Client
	controller int
}

func NewClientHub(logger *zap.Logger) *ClientHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientHub{log: logger, clients: map[string]*hubEntry{}}
}

// OnEmpty sets the callback run after the last client leaves.
func (h *ClientHub) OnEmpty(fn func()) {
	h.mu.Lock()
	h.onEmpty = fn
	h.mu.Unlock()
}

// Add registers c under controller (0 means uncontrolled) and returns the
// function that removes it again.
func (h *ClientHub) Add(c Client, controller int) (remove func()) {
	h.mu.Lock()
	h.clients[c.ID()] = &hubEntry{client: c, controller: controller}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, c.ID())
			empty := len(h.clients) == 0
			fn := h.onEmpty
			h.mu.Unlock()
			if empty && fn != nil {
				fn()
			}
		})
	}
}

func (h *ClientHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Clients returns the connected clients ordered by id.
func (h *ClientHub) Clients() []Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Client, 0, len(h.clients))
	for _, e := range h.clients {
		out = append(out, e.client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Claim hands every connected client to controller.
func (h *ClientHub) Claim(controller int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.clients {
		e.controller = controller
	}
}

// Controllers maps client id to controlling version.
func (h *ClientHub) Controllers() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.clients))
	for id, e := range h.clients {
		out[id] = e.controller
	}
	return out
}

// wsClient is a page connected over a websocket.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu  sync.Mutex
	enc *json.Encoder
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{id: uuid.NewString(), conn: conn, enc: json.NewEncoder(conn)}
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) PostMessage(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.enc.Encode(msg)
}

// WebsocketHandler serves controlled pages. Every frame a page sends is a
// Message routed to the registration.
func (h *ClientHub) WebsocketHandler(reg *Registration) websocket.Handler {
	return func(conn *websocket.Conn) {
		defer func() { _ = conn.Close() }()

		c := newWSClient(conn)
		remove := h.Add(c, reg.activeID())
		defer remove()
		h.log.Debug("client connected", zap.String("client", c.id))

		dec := json.NewDecoder(conn)
		for {
			var msg Message
			if err := dec.Decode(&msg); err != nil {
				if !errors.Is(err, io.EOF) {
					h.log.Debug("client frame rejected", zap.String("client", c.id), zap.Error(err))
				}
				return
			}
			if err := reg.Message(conn.Request().Context(), msg); err != nil {
				h.log.Warn("client message failed", zap.String("client", c.id), zap.Error(err))
			}
		}
	}
}
