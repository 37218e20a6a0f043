// SPDX-License-Identifier: MIT
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"loopviz/internal/buffer"
	"loopviz/internal/log"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetOutput(io.Discard)
}

// gatedTransport blocks every Send until released.
type gatedTransport struct {
	gate   chan struct{}
	mu     sync.Mutex
	got    []float64 // Peak of each sent frame.
	fail   bool
	closed bool
}

func (g *gatedTransport) Name() string { return "gated" }

func (g *gatedTransport) Send(f *buffer.SpectrumFrame) error {
	<-g.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	g.got = append(g.got, f.Peak)
	if g.fail {
		return errors.New("send failed")
	}
	return nil
}

func (g *gatedTransport) Close() error {
	g.closed = true
	return nil
}

func (g *gatedTransport) sent() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]float64(nil), g.got...)
}

func frame(peak float64) *buffer.SpectrumFrame {
	return &buffer.SpectrumFrame{Bands: []float64{peak, peak / 2}, Peak: peak, PeakBand: 0, RMS: peak / 2}
}

func TestRelayNeverBlocksOnSlowTransport(t *testing.T) {
	g := &gatedTransport{gate: make(chan struct{})}
	r := NewRelay(g)

	r.Listen(frame(0.1))
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pending == nil
	}, time.Second, time.Millisecond)
	// The relay is now stuck in Send with frame 0.1. These must not block.
	done := make(chan struct{})
	go func() {
		for i := 2; i <= 10; i++ {
			r.Listen(frame(float64(i) / 10))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Listen blocked on a slow transport")
	}

	close(g.gate)
	require.Eventually(t, func() bool { return len(g.sent()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{0.1, 1.0}, g.sent(), "only the newest pending frame is delivered")

	st := r.Stats()
	assert.Equal(t, int64(2), st.Sent)
	assert.Equal(t, int64(8), st.Superseded)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, g.closed)
}

func TestRelayCopiesFrames(t *testing.T) {
	g := &gatedTransport{gate: make(chan struct{})}
	close(g.gate)
	r := NewRelay(g)
	defer r.Close()

	f := frame(0.5)
	r.Listen(f)
	// The analyzer reuses its frame right after the callback.
	f.Peak = 0.9
	require.Eventually(t, func() bool { return len(g.sent()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{0.5}, g.sent())
}

func TestRelayCountsErrors(t *testing.T) {
	g := &gatedTransport{gate: make(chan struct{}), fail: true}
	close(g.gate)
	r := NewRelay(g)
	defer r.Close()

	r.Listen(frame(0.5))
	require.Eventually(t, func() bool { return r.Stats().Errors == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, r.Stats().Sent)
}

func TestLoggingTransport(t *testing.T) {
	lt := NewLoggingTransport(time.Second)
	assert.Equal(t, "log", lt.Name())
	assert.NoError(t, lt.Send(frame(0.3)))
	assert.NoError(t, lt.Close())
}

func dial(t *testing.T, wst *WebSocketTransport) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: wst.Addr(), Path: SpectrumPath}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return wst.Clients() > 0 }, time.Second, time.Millisecond)
	return conn
}

func TestWebSocketBroadcast(t *testing.T) {
	wst, err := NewWebSocketTransport("127.0.0.1:0", 1000)
	require.NoError(t, err)
	defer wst.Close()

	// No clients: nothing to do.
	require.NoError(t, wst.Send(frame(0.2)))

	conn := dial(t, wst)
	f := frame(0.8)
	f.PeakBand = 1
	f.Latency = 3 * time.Millisecond
	require.NoError(t, wst.Send(f))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "spectrum", msg.Type)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, []float64{0.8, 0.4}, msg.Bands)
	assert.Equal(t, 0.8, msg.Peak)
	assert.Equal(t, 1, msg.PeakBand)
	assert.InDelta(t, 3.0, msg.LatencyMs, 1e-9)
}

func TestWebSocketRateLimit(t *testing.T) {
	wst, err := NewWebSocketTransport("127.0.0.1:0", 1)
	require.NoError(t, err)
	defer wst.Close()
	conn := dial(t, wst)

	require.NoError(t, wst.Send(frame(0.1)))
	require.NoError(t, wst.Send(frame(0.2)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, 0.1, msg.Peak)

	// The second frame fell inside the one second limit.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketClientDisconnect(t *testing.T) {
	wst, err := NewWebSocketTransport("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer wst.Close()

	conn := dial(t, wst)
	require.Equal(t, 1, wst.Clients())
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return wst.Clients() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "websocket", wst.Name())
}
