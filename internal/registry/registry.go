package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrDetached is returned when delivering to a Connection that is no longer
// attached.
var ErrDetached = errors.New("connection detached")

// Connection is one live client. Frames queued for it are read from Send by
// the transport's writer.
type Connection struct {
	ID   string
	send chan []byte
	done chan struct{}
}

// Send returns the outbound frame queue. It is closed on detach.
func (c *Connection) Send() <-chan []byte { return c.send }

// Done is closed once the Connection is detached.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Detached reports whether the Connection has left the registry.
func (c *Connection) Detached() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Registry tracks attached Connections and fans frames out to them.
// Delivery never blocks: each Connection has a bounded queue and a full
// queue detaches that Connection only.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Connection
	buffer  int
	log     zerolog.Logger
}

// New creates a Registry whose Connections buffer up to buffer frames.
func New(buffer int, log zerolog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 1
	}
	return &Registry{
		clients: make(map[string]*Connection),
		buffer:  buffer,
		log:     log.With().Str("component", "registry").Logger(),
	}
}

// Attach registers a new Connection. It is a broadcast target as soon as
// Attach returns.
func (r *Registry) Attach() *Connection {
	c := &Connection{
		ID:   uuid.NewString(),
		send: make(chan []byte, r.buffer),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.clients[c.ID] = c
	total := len(r.clients)
	r.mu.Unlock()

	r.log.Info().Str("conn_id", c.ID).Int("clients", total).Msg("connection attached")
	return c
}

// Detach removes c. Detaching twice is a no-op.
func (r *Registry) Detach(c *Connection) {
	r.mu.Lock()
	if _, ok := r.clients[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c.ID)
	close(c.send)
	close(c.done)
	remaining := len(r.clients)
	r.mu.Unlock()

	r.log.Info().Str("conn_id", c.ID).Int("clients", remaining).Msg("connection detached")
}

// BroadcastAll queues frame for every attached Connection. Connections
// whose queue is full are detached; the rest still receive the frame.
func (r *Registry) BroadcastAll(frame []byte) {
	var slow []*Connection

	// RLock 中は Detach による close が起きないので送信しても安全
	r.mu.RLock()
	for _, c := range r.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range slow {
		r.log.Warn().Str("conn_id", c.ID).Msg("send queue full, dropping connection")
		r.Detach(c)
	}
}

// SendTo queues frame for c alone.
func (r *Registry) SendTo(c *Connection, frame []byte) error {
	r.mu.RLock()
	if _, ok := r.clients[c.ID]; !ok {
		r.mu.RUnlock()
		return ErrDetached
	}
	select {
	case c.send <- frame:
		r.mu.RUnlock()
		return nil
	default:
	}
	r.mu.RUnlock()

	r.log.Warn().Str("conn_id", c.ID).Msg("send queue full, dropping connection")
	r.Detach(c)
	return ErrDetached
}

// Len returns the number of attached Connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// DetachAll drops every Connection, used on shutdown.
func (r *Registry) DetachAll() {
	r.mu.RLock()
	all := make([]*Connection, 0, len(r.clients))
	for _, c := range r.clients {
		all = append(all, c)
	}
	r.mu.RUnlock()

	for _, c := range all {
		r.Detach(c)
	}
}
