package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-tahoma/internal/coordinator"
	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/logging"
)

// Stream frame types.
const (
	FrameSnapshot = "snapshot"
	FrameCycle    = "cycle"
)

const (
	// streamBufferSize is the per-client outbound frame buffer.
	streamBufferSize = 64

	// maxStreamDevices bounds the device filter of one stream.
	maxStreamDevices = 64

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// CycleEvent summarises a committed cycle for stream clients.
type CycleEvent struct {
	CycleID             string    `json:"cycle_id"`
	At                  time.Time `json:"at"`
	Resync              bool      `json:"resync"`
	Events              int       `json:"events"`
	Changed             []string  `json:"changed"`
	Removed             []string  `json:"removed"`
	Executions          int       `json:"executions"`
	Refreshing          bool      `json:"refreshing"`
	PollIntervalSeconds float64   `json:"poll_interval_seconds"`
}

func newCycleEvent(change coordinator.Change) CycleEvent {
	changed := make([]string, 0, len(change.Changed))
	for _, d := range change.Changed {
		changed = append(changed, d.ID)
	}
	removed := change.Removed
	if removed == nil {
		removed = []string{}
	}
	return CycleEvent{
		CycleID:             change.CycleID,
		At:                  change.At,
		Resync:              change.Resync,
		Events:              change.Events,
		Changed:             changed,
		Removed:             removed,
		Executions:          change.Executions,
		Refreshing:          change.Refreshing,
		PollIntervalSeconds: change.Interval.Seconds(),
	}
}

// StreamFrame is one message on the cycle stream. A snapshot carries every
// watched device; a cycle frame carries the cycle summary and the full
// records of the watched devices it changed.
type StreamFrame struct {
	Type    string           `json:"type"`
	Cycle   *CycleEvent      `json:"cycle,omitempty"`
	Devices []*device.Device `json:"devices"`
}

// Hub fans committed cycles out to stream clients.
//
// Frames are never skipped. A client whose buffer is full is disconnected
// and resynchronises from the snapshot it receives on reconnect.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
	evicted uint64
}

type streamClient struct {
	conn    *websocket.Conn
	send    chan []byte
	devices map[string]struct{} // nil watches every device
}

func (c *streamClient) watches(id string) bool {
	if c.devices == nil {
		return true
	}
	_, ok := c.devices[id]
	return ok
}

func (c *streamClient) filterDevices(devices []*device.Device) []*device.Device {
	out := make([]*device.Device, 0, len(devices))
	for _, d := range devices {
		if c.watches(d.ID) {
			out = append(out, d)
		}
	}
	return out
}

func (c *streamClient) filterIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if c.watches(id) {
			out = append(out, id)
		}
	}
	return out
}

// cycleFrame returns c's view of a cycle, or nil when the cycle touched
// nothing c watches.
func (c *streamClient) cycleFrame(ev CycleEvent, changed []*device.Device) *StreamFrame {
	if c.devices != nil {
		ev.Changed = c.filterIDs(ev.Changed)
		ev.Removed = c.filterIDs(ev.Removed)
		if len(ev.Changed) == 0 && len(ev.Removed) == 0 {
			return nil
		}
	}
	return &StreamFrame{Type: FrameCycle, Cycle: &ev, Devices: c.filterDevices(changed)}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewHub creates a stream hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client and
// refuses new ones.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.drop(c)
	}
}

// attach registers c and queues its snapshot. The snapshot is read under
// the hub lock so every cycle committed after it reaches c.
func (h *Hub) attach(c *streamClient, devices func() []*device.Device) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	data, err := json.Marshal(StreamFrame{Type: FrameSnapshot, Devices: c.filterDevices(devices())})
	if err != nil {
		h.logger.Error("failed to marshal stream snapshot", "error", err)
		return false
	}
	c.send <- data
	h.clients[c] = struct{}{}

	h.logger.Debug("stream client attached", "clients", len(h.clients), "watching", len(c.devices))
	return true
}

// detach removes c. Calling it more than once is safe.
func (h *Hub) detach(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.drop(c)
	}
}

// drop closes c's send channel; its write loop then closes the connection.
// h.mu must be held.
func (h *Hub) drop(c *streamClient) {
	delete(h.clients, c)
	close(c.send)
}

// Publish queues a cycle frame for every client watching a device the
// cycle changed or removed. Unfiltered clients share one encoded frame.
func (h *Hub) Publish(change coordinator.Change) {
	ev := newCycleEvent(change)

	h.mu.Lock()
	defer h.mu.Unlock()

	var shared []byte
	for c := range h.clients {
		data := shared
		if data == nil || c.devices != nil {
			frame := c.cycleFrame(ev, change.Changed)
			if frame == nil {
				continue
			}
			var err error
			if data, err = json.Marshal(frame); err != nil {
				h.logger.Error("failed to marshal cycle frame", "cycle_id", change.CycleID, "error", err)
				return
			}
			if c.devices == nil {
				shared = data
			}
		}

		select {
		case c.send <- data:
		default:
			h.evicted++
			h.drop(c)
			h.logger.Warn("stream client fell behind, disconnecting", "cycle_id", change.CycleID)
		}
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Evicted returns how many clients were disconnected for falling behind.
func (h *Hub) Evicted() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evicted
}

func (h *Hub) pingInterval() time.Duration {
	if h.cfg.PingInterval <= 0 {
		return defaultPingInterval
	}
	return time.Duration(h.cfg.PingInterval) * time.Second
}

func (h *Hub) pongTimeout() time.Duration {
	if h.cfg.PongTimeout <= 0 {
		return defaultPongTimeout
	}
	return time.Duration(h.cfg.PongTimeout) * time.Second
}

// handleWebSocket opens a cycle stream. Repeated ?device= parameters limit
// the stream to those devices.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["device"]
	if len(ids) > maxStreamDevices {
		writeBadRequest(w, "too many devices in stream filter")
		return
	}
	var watch map[string]struct{}
	if len(ids) > 0 {
		watch = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id == "" || len(id) > maxDeviceIDLen {
				writeBadRequest(w, "invalid device in stream filter")
				return
			}
			watch[id] = struct{}{}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		conn:    conn,
		send:    make(chan []byte, streamBufferSize),
		devices: watch,
	}
	if !s.hub.attach(c, s.coordinator.Devices) {
		conn.Close()
		return
	}

	go s.hub.writeLoop(c)
	go s.hub.readLoop(c)
}

// readLoop discards client frames and extends the read deadline on every
// frame or pong. It detaches c when the connection fails.
func (h *Hub) readLoop(c *streamClient) {
	defer func() {
		h.detach(c)
		c.conn.Close()
	}()

	wait := h.pingInterval() + h.pongTimeout()
	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	}

	c.conn.SetReadLimit(int64(h.cfg.MaxMessageSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	extend("")
	c.conn.SetPongHandler(extend)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("stream read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		extend("")
	}
}

// writeLoop drains c's frames and pings the client. A closed send channel
// ends the stream with a close frame.
func (h *Hub) writeLoop(c *streamClient) {
	ping := time.NewTicker(h.pingInterval())
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	timeout := h.pongTimeout()
	for {
		select {
		case data, ok := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if !ok {
				//nolint:errcheck // Best-effort close frame
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
