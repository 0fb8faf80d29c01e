// Package worker talks to the remote automation worker: the persistent
// websocket channel that streams step progress for one action, the
// out-of-band stop notification, and the task launch request.
//
// The [Channel] type owns exactly one websocket at a time. Every
// connection is tagged with the generation the caller passes to
// [Channel.Connect], and every delivered [Message] carries that tag so the
// caller can drop messages that belong to an earlier connection.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"tools.zach/dev/bumpmate/internal/logger"
	"tools.zach/dev/bumpmate/internal/metrics"
)

// ErrNotConnected is returned when an operation requires an open channel.
var ErrNotConnected = errors.New("not connected")

// ///////////////////////////////////////////////
// Messages
// ///////////////////////////////////////////////

// MessageKind distinguishes delivered messages.
type MessageKind int

const (
	// Progress carries a "<completed>/<total>" marker.
	Progress MessageKind = iota
	// Complete is the worker's completion marker. Nothing follows it.
	Complete
	// Dropped reports that the transport closed without being asked to.
	Dropped
)

// Message is one event delivered from the read loop.
type Message struct {
	Gen       uint64
	Kind      MessageKind
	Completed int
	Total     int
	// Err is set for [Dropped].
	Err error
}

// ///////////////////////////////////////////////
// Channel
// ///////////////////////////////////////////////

// Options tunes a [Channel].
type Options struct {
	// Header is sent with the websocket handshake.
	Header http.Header
	// DialTimeout bounds the handshake.
	DialTimeout time.Duration
	// PingInterval is the keepalive period; zero disables pings.
	PingInterval time.Duration
}

// Channel manages the websocket to the worker for the active action.
type Channel struct {
	url  string
	opts Options

	// mu serializes Connect and Disconnect.
	mu sync.Mutex
	// conn is the open websocket, or nil when disconnected.
	conn   *websocket.Conn
	gen    uint64
	cancel context.CancelFunc
	// done is closed when the read and ping goroutines have exited.
	done chan struct{}
}

// NewChannel creates a channel for the worker websocket at url.
func NewChannel(url string, opts Options) *Channel {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	return &Channel{url: url, opts: opts}
}

// Connect opens a fresh websocket, waits for the handshake to finish, and
// sends register(identity). Messages from this connection are passed to
// deliver tagged with gen until [Channel.Disconnect] is called, the worker
// sends the completion marker, or the transport drops. deliver is called
// from a single goroutine in arrival order; the context it receives is
// cancelled when the connection is torn down, and deliver must not block
// past that.
//
// Any previous connection is closed first.
func (c *Channel) Connect(ctx context.Context, gen uint64, identity string, deliver func(context.Context, Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disconnectLocked()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: c.opts.Header})
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(MaxPayloadSize)

	// The handshake has completed, so the transport is ready for register.
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	err = wsjson.Write(writeCtx, conn, Envelope{Event: EventRegister, Data: mustString(identity)})
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "register failed")
		return fmt.Errorf("register %q: %w", identity, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.conn, c.gen, c.cancel, c.done = conn, gen, runCancel, done

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(runCtx, conn, gen, deliver)
	}()
	if c.opts.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pingLoop(runCtx, conn)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	slog.Debug("worker channel connected", "url", c.url, "generation", gen, "identity", identity)
	return nil
}

// Disconnect closes the websocket and waits for the read loop to exit.
// After it returns no further messages are delivered for the closed
// generation. Calling it on a closed channel is a no-op.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
	return nil
}

// Connected reports whether a websocket is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// disconnectLocked tears down the current connection. The caller must hold
// c.mu.
func (c *Channel) disconnectLocked() {
	if c.conn == nil {
		return
	}
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "action stopped")
	<-c.done
	slog.Debug("worker channel disconnected", "generation", c.gen)
	c.conn, c.cancel, c.done = nil, nil, nil
}

// readLoop delivers decoded messages until ctx is cancelled, the worker
// completes, or the transport fails.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64, deliver func(context.Context, Message)) {
	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("worker channel closed unexpectedly", "generation", gen, "error", err)
			deliver(ctx, Message{Gen: gen, Kind: Dropped, Err: err})
			return
		}
		if typ != websocket.MessageText {
			slog.Warn("dropping non-text frame from worker", "generation", gen)
			metrics.MessageDropped("malformed")
			continue
		}

		env, err := DecodeEnvelope(frame)
		if err != nil {
			slog.Warn("dropping malformed frame from worker", "generation", gen, "error", err)
			metrics.MessageDropped("malformed")
			continue
		}
		if env.Event != EventMessage {
			logger.Trace(slog.Default(), "ignoring worker event", "event", env.Event, "generation", gen)
			continue
		}
		p, err := ParsePayload(env.Data)
		if err != nil {
			slog.Warn("dropping malformed payload from worker", "generation", gen, "error", err)
			metrics.MessageDropped("malformed")
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if p.Complete {
			deliver(ctx, Message{Gen: gen, Kind: Complete})
			return
		}
		deliver(ctx, Message{Gen: gen, Kind: Progress, Completed: p.Completed, Total: p.Total})
	}
}

// pingLoop keeps the connection alive. A failed ping ends the loop; the
// read loop notices the broken transport.
func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// mustString encodes s as a JSON string literal.
func mustString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
