// Package broadcast fans state changes out to connected clients over
// WebSocket duplex channels — spec.md §5.4. Each client gets a complete
// snapshot when it connects and diffs after that; once enough changes
// have gone out since its last snapshot, the next change is sent as a
// fresh full snapshot instead. A client whose channel is full when a diff
// is sent, or whose write fails, is evicted rather than allowed to block
// the fabric; a full snapshot is skipped for such a client.
package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spacekeeper/pkg/logger"
)

// Message is one fabric event delivered to clients.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	// Full indicates Data is a complete snapshot rather than a diff.
	Full bool `json:"full"`
}

// SnapshotFunc produces the current full state to send to a newly
// registered client, or to any client being forced back to full mode.
type SnapshotFunc func() any

// client tracks per-connection broadcast mode state.
type client struct {
	ch            chan Message
	changesSince  int
	lastFullAt    time.Time
}

// Fabric is the duplex WebSocket hub.
type Fabric struct {
	mu       sync.RWMutex
	conns    map[*websocket.Conn]*client
	upgrader websocket.Upgrader

	incrementalThreshold int
	snapshot              SnapshotFunc

	log *logger.Logger
}

// Options configures a Fabric.
type Options struct {
	// IncrementalThreshold is the change count at which the fabric forces
	// a fresh full snapshot: the IncrementalThreshold-th change since a
	// client's last snapshot goes out as a snapshot, so a client receives
	// at most IncrementalThreshold-1 diffs in a row.
	IncrementalThreshold int
	Snapshot             SnapshotFunc
	AllowedOrigins       []string
	Logger               *logger.Logger
}

// New creates a Fabric.
func New(opts Options) *Fabric {
	if opts.IncrementalThreshold <= 0 {
		opts.IncrementalThreshold = 50
	}
	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://127.0.0.1", "http://localhost", "https://127.0.0.1", "https://localhost"}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Fabric{
		conns:                 make(map[*websocket.Conn]*client),
		incrementalThreshold: opts.IncrementalThreshold,
		snapshot:              opts.Snapshot,
		log:                   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, a := range allowed {
					if strings.HasPrefix(origin, a) {
						return true
					}
				}
				return false
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeWS upgrades the request and runs the connection's read/write
// loops until the client disconnects.
func (f *Fabric) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := f.register(conn)
	defer f.unregister(conn)

	if f.snapshot != nil {
		if err := conn.WriteJSON(Message{Type: "snapshot", Timestamp: time.Now(), Data: f.snapshot(), Full: true}); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range c.ch {
			if err := conn.WriteJSON(msg); err != nil {
				f.unregister(conn)
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	<-done
}

func (f *Fabric) register(conn *websocket.Conn) *client {
	c := &client{ch: make(chan Message, 128), lastFullAt: time.Now()}
	f.mu.Lock()
	f.conns[conn] = c
	f.mu.Unlock()
	return c
}

func (f *Fabric) unregister(conn *websocket.Conn) {
	f.mu.Lock()
	c, ok := f.conns[conn]
	if ok {
		delete(f.conns, conn)
	}
	f.mu.Unlock()
	if ok {
		close(c.ch)
		conn.Close()
	}
}

// BroadcastIncremental sends a diff-shaped event. Clients that have
// received incrementalThreshold-1 diffs since their last full snapshot are
// instead sent a fresh snapshot, trading one extra payload for bounded
// client drift.
func (f *Fabric) BroadcastIncremental(eventType string, diff any) {
	f.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.RUnlock()

	for _, conn := range conns {
		f.mu.Lock()
		c, ok := f.conns[conn]
		if !ok {
			f.mu.Unlock()
			continue
		}
		c.changesSince++
		forceFull := c.changesSince >= f.incrementalThreshold
		if forceFull {
			c.changesSince = 0
			c.lastFullAt = time.Now()
		}
		ch := c.ch
		f.mu.Unlock()

		msg := Message{Type: eventType, Timestamp: time.Now(), Data: diff}
		if forceFull && f.snapshot != nil {
			msg = Message{Type: "snapshot", Timestamp: time.Now(), Data: f.snapshot(), Full: true}
		}
		select {
		case ch <- msg:
		default:
			f.log.Warn("broadcast: client channel full, evicting")
			go f.unregister(conn)
		}
	}
}

// BroadcastFull pushes a full snapshot to every connected client
// immediately, resetting each client's incremental counter.
func (f *Fabric) BroadcastFull(data any) {
	f.mu.Lock()
	for _, c := range f.conns {
		c.changesSince = 0
		c.lastFullAt = time.Now()
	}
	conns := make([]*client, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	msg := Message{Type: "snapshot", Timestamp: time.Now(), Data: data, Full: true}
	for _, c := range conns {
		select {
		case c.ch <- msg:
		default:
		}
	}
}

// ConnectionCount reports how many clients are currently attached.
func (f *Fabric) ConnectionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.conns)
}

// marshalOrNil is a convenience used by callers constructing diff
// payloads that should become `null` rather than fail the broadcast.
func marshalOrNil(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
