// Package stream pushes engine events to connected WebSocket clients.
//
// Each client has its own buffered channel of encoded events. Publishing
// never blocks: when a client's buffer is full the event is dropped for that
// client and counted, so a slow reader cannot stall a scan or a containment
// operation.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/store"
)

// Event types.
const (
	TypeScan        = "scan"
	TypeChange      = "change"
	TypeContainment = "containment"
)

// Event is the envelope written to clients as one text message.
type Event struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// ScanEvent is the Data of a TypeScan event.
type ScanEvent struct {
	Snapshot store.SnapshotSummary `json:"snapshot"`
	Changes  int                   `json:"changes"`
}

// Client is one connected subscriber, valid until Unregister.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// Send delivers encoded events. It is closed on Unregister or Close.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans events out to every registered client. It is safe for
// concurrent use.
type Broadcaster struct {
	// mu is held for reading while sending so a channel is never closed
	// under a concurrent Publish.
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	bufSize int
	logger  *slog.Logger
	now     func() time.Time
}

// NewBroadcaster creates a Broadcaster with a per-client buffer of bufSize
// events; bufSize <= 0 uses 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		clients: make(map[string]*Client),
		bufSize: bufSize,
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds a client. After Close it returns a client whose Send
// channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		return c
	}
	if old, ok := b.clients[id]; ok {
		close(old.send)
	}
	b.clients[id] = c
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.send)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish encodes data as an event of type typ and delivers it to every
// client without blocking.
func (b *Broadcaster) Publish(typ string, data any) {
	if b.ClientCount() == 0 {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		b.logger.Error("stream: marshal event data", slog.String("type", typ), slog.Any("error", err))
		return
	}
	raw, err := json.Marshal(Event{Type: typ, Time: b.now().UTC(), Data: payload})
	if err != nil {
		b.logger.Error("stream: marshal event", slog.String("type", typ), slog.Any("error", err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("stream: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("type", typ),
			)
		}
	}
}

// PublishScan announces a recorded scan followed by one event per change.
func (b *Broadcaster) PublishScan(snap store.SnapshotSummary, changes []baseline.ChangeHistoryEntry) {
	b.Publish(TypeScan, ScanEvent{Snapshot: snap, Changes: len(changes)})
	for _, c := range changes {
		b.Publish(TypeChange, c)
	}
}

// PublishAction announces an appended containment action.
func (b *Broadcaster) PublishAction(a containment.Action) {
	b.Publish(TypeContainment, a)
}

// Close unregisters every client. Afterwards Register returns closed
// clients and Publish reaches no one.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
	}
}
