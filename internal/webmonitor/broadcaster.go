package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/cloud-monitor/internal/logger"
	"github.com/dj-oyu/cloud-monitor/internal/metrics"
)

// hub fans values out to subscribers. Slow subscribers miss values rather
// than block the publisher.
type hub[T any] struct {
	name  string
	gauge *atomic.Uint64

	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	closed  bool
}

func newHub[T any](name string, gauge *atomic.Uint64) *hub[T] {
	return &hub[T]{name: name, gauge: gauge, clients: make(map[int]chan T)}
}

// Subscribe adds a client and returns its id and receive channel.
func (h *hub[T]) Subscribe() (int, <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan T, 2)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch
	if h.gauge != nil {
		metrics.ClientConnected(h.gauge)
	}

	logger.Debug(h.name, "Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (h *hub[T]) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		if h.gauge != nil {
			metrics.ClientDisconnected(h.gauge)
		}
		logger.Debug(h.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

// ClientCount reports connected subscribers.
func (h *hub[T]) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub[T]) broadcast(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.clients {
		select {
		case ch <- v:
		default:
			// client too slow, it misses this one
		}
	}
}

// closeAll disconnects every subscriber. Later subscribers get a closed channel.
func (h *hub[T]) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
		if h.gauge != nil {
			metrics.ClientDisconnected(h.gauge)
		}
	}
}

// FrameBroadcaster fans composed JPEG frames out to MJPEG clients.
type FrameBroadcaster struct {
	*hub[[]byte]
}

// NewFrameBroadcaster creates a frame broadcaster counting clients on gauge.
func NewFrameBroadcaster(gauge *atomic.Uint64) *FrameBroadcaster {
	return &FrameBroadcaster{hub: newHub[[]byte]("FrameBroadcaster", gauge)}
}

// Publish sends a frame to every client.
func (fb *FrameBroadcaster) Publish(jpegData []byte) {
	if len(jpegData) == 0 {
		return
	}
	fb.broadcast(jpegData)
}

// Stop disconnects all clients.
func (fb *FrameBroadcaster) Stop() {
	fb.closeAll()
}

// SerializedEvent holds one event encoded once in both wire formats.
type SerializedEvent struct {
	JSONData     []byte // JSON object
	ProtobufData []byte // base64 of a google.protobuf.Struct
}

// Data returns the payload for the negotiated format.
func (e *SerializedEvent) Data(useProtobuf bool) []byte {
	if useProtobuf {
		return e.ProtobufData
	}
	return e.JSONData
}

// serializeEvent encodes payload as JSON and as a base64 protobuf Struct.
// Nested values must be map[string]any or []any.
func serializeEvent(payload map[string]any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "json marshal")
	}
	st, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, errors.Wrap(err, "build protobuf struct")
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Wrap(err, "protobuf marshal")
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// EventBroadcaster fans pre-serialized events out to SSE and websocket clients.
type EventBroadcaster struct {
	*hub[*SerializedEvent]
}

// NewEventBroadcaster creates an event broadcaster named for its log lines.
func NewEventBroadcaster(name string, gauge *atomic.Uint64) *EventBroadcaster {
	return &EventBroadcaster{hub: newHub[*SerializedEvent](name, gauge)}
}

// Publish serializes payload once and sends it to every client.
func (eb *EventBroadcaster) Publish(payload map[string]any) {
	event, err := serializeEvent(payload)
	if err != nil {
		logger.Error(eb.name, "Serialize event: %v", err)
		return
	}
	eb.broadcast(event)
}

// Stop disconnects all clients.
func (eb *EventBroadcaster) Stop() {
	eb.closeAll()
}

// StatusBroadcaster publishes a status payload on a fixed interval while
// anyone is listening.
type StatusBroadcaster struct {
	*EventBroadcaster
	interval time.Duration
	generate func() map[string]any

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// NewStatusBroadcaster creates a broadcaster calling generate every interval.
func NewStatusBroadcaster(interval time.Duration, gauge *atomic.Uint64, generate func() map[string]any) *StatusBroadcaster {
	return &StatusBroadcaster{
		EventBroadcaster: NewEventBroadcaster("StatusBroadcaster", gauge),
		interval:         interval,
		generate:         generate,
		stop:             make(chan struct{}),
	}
}

// Start begins the status loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the loop and disconnects all clients.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	if !sb.stopped {
		close(sb.stop)
		sb.stopped = true
	}
	sb.mu.Unlock()
	sb.closeAll()
}

// Push publishes the current status immediately.
func (sb *StatusBroadcaster) Push() {
	if sb.ClientCount() == 0 {
		return
	}
	sb.Publish(sb.generate())
}

func (sb *StatusBroadcaster) run() {
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)...", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			sb.Push()
		}
	}
}
