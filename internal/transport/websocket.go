// SPDX-License-Identifier: MIT
package transport

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"loopviz/internal/buffer"
	"loopviz/internal/log"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// SpectrumPath is where clients connect.
	SpectrumPath = "/spectrum"

	DefaultMaxFPS = 60

	clientBuffer = 8
	writeTimeout = time.Second
)

// Message is the JSON document sent for each frame.
type Message struct {
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp int64     `json:"timestamp_ns"`
	LatencyMs float64   `json:"latency_ms"`
	Bands     []float64 `json:"bands"`
	Peak      float64   `json:"peak"`
	PeakBand  int       `json:"peak_band"`
	RMS       float64   `json:"rms"`
}

// client owns one connection. Only its writer goroutine writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketTransport implements the Transport interface for WebSocket connections
type WebSocketTransport struct {
	upgrader    websocket.Upgrader
	listener    net.Listener
	server      *http.Server
	minInterval time.Duration
	log         zerolog.Logger

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	seq      uint64
	lastSent time.Time
	msg      Message
}

// NewWebSocketTransport listens on addr and serves clients at SpectrumPath.
// Frames are broadcast at most maxFPS times a second.
func NewWebSocketTransport(addr string, maxFPS int) (*WebSocketTransport, error) {
	if maxFPS <= 0 {
		maxFPS = DefaultMaxFPS
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	wst := &WebSocketTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Visualizers are served from anywhere.
			},
		},
		listener:    ln,
		minInterval: time.Second / time.Duration(maxFPS),
		log:         log.Component("websocket"),
		clients:     make(map[*client]struct{}),
		msg:         Message{Type: "spectrum"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(SpectrumPath, wst.handleWebSocket)
	wst.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		wst.log.Info().Str("addr", ln.Addr().String()).Str("path", SpectrumPath).Msg("websocket server listening")
		if err := wst.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wst.log.Error().Err(err).Msg("websocket server error")
		}
	}()
	return wst, nil
}

func (wst *WebSocketTransport) Name() string { return "websocket" }

// Addr returns the address the server listens on.
func (wst *WebSocketTransport) Addr() string {
	return wst.listener.Addr().String()
}

// Clients returns the number of connected clients.
func (wst *WebSocketTransport) Clients() int {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return len(wst.clients)
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (wst *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wst.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	wst.clientsMu.Lock()
	wst.clients[c] = struct{}{}
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	wst.log.Info().Str("remote", conn.RemoteAddr().String()).Int("clients", total).Msg("client connected")

	go wst.writeLoop(c)

	// Wait for close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				wst.drop(c)
				return
			}
		}
	}()
}

func (wst *WebSocketTransport) writeLoop(c *client) {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			wst.log.Debug().Err(err).Msg("write failed")
			wst.drop(c)
			// Drain so drop can never block on a full channel.
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	_ = c.conn.Close()
}

// drop unregisters c and ends its writer.
func (wst *WebSocketTransport) drop(c *client) {
	wst.clientsMu.Lock()
	_, ok := wst.clients[c]
	delete(wst.clients, c)
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	if ok {
		close(c.send)
		_ = c.conn.Close()
		wst.log.Info().Int("clients", total).Msg("client disconnected")
	}
}

// Send broadcasts the frame as JSON to all connected clients. Frames inside the
// rate limit are skipped, and clients whose buffer is full miss the frame.
func (wst *WebSocketTransport) Send(f *buffer.SpectrumFrame) error {
	now := time.Now()
	if now.Sub(wst.lastSent) < wst.minInterval {
		return nil
	}
	if wst.Clients() == 0 {
		return nil
	}
	wst.lastSent = now
	wst.seq++

	wst.msg.Seq = wst.seq
	wst.msg.Timestamp = int64(f.Timestamp)
	wst.msg.LatencyMs = float64(f.Latency) / float64(time.Millisecond)
	wst.msg.Bands = f.Bands
	wst.msg.Peak = f.Peak
	wst.msg.PeakBand = f.PeakBand
	wst.msg.RMS = f.RMS
	data, err := json.Marshal(&wst.msg)
	wst.msg.Bands = nil
	if err != nil {
		return err
	}

	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	for c := range wst.clients {
		select {
		case c.send <- data:
		default:
			// Slow client, skip this frame for it.
		}
	}
	return nil
}

// Close shuts down the WebSocket server
func (wst *WebSocketTransport) Close() error {
	err := wst.server.Close()

	wst.clientsMu.Lock()
	clients := wst.clients
	wst.clients = make(map[*client]struct{})
	wst.clientsMu.Unlock()
	for c := range clients {
		close(c.send)
	}
	wst.log.Info().Msg("websocket server closed")
	return err
}

// Ensure WebSocketTransport satisfies the interface
var _ Transport = (*WebSocketTransport)(nil)
