// Package client implements the participant side of the relay: the websocket
// connection with reconnect, and reconciliation of the local room mirror
// against the relay's authoritative snapshots.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"roomdrop/internal/codec"
	"roomdrop/internal/history"
	"roomdrop/internal/mirror"
	"roomdrop/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// ErrTransportUnavailable is returned by submit operations while the channel
// to the relay is down. The local mirror stays readable; submissions require
// explicit retry by the caller once reconnected.
var ErrTransportUnavailable = errors.New("transport unavailable")

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	pingInterval = 20 * time.Second

	backoffInitial = 500 * time.Millisecond
	backoffMax     = 15 * time.Second
)

// Options configures a client.
type Options struct {
	// ServerURL is the relay base URL, e.g. "ws://localhost:8080".
	ServerURL string
	// RoomID is the room this client is bound to for its whole session.
	RoomID string
	// ClientID is the per-session identity token. Generated when empty.
	ClientID string
	// Mirror persists the local last-N view per room. Optional.
	Mirror *mirror.Store

	// OnHistory is called whenever the full view is replaced: once from the
	// persisted cache (optimistic render) and on every authoritative snapshot.
	OnHistory func(messages []protocol.Content, authoritative bool)
	// OnMessage is called for each broadcast item appended to the view.
	OnMessage func(protocol.Content)
	// OnError is called once per rejected operation reported by the relay.
	OnError func(errMsg string)
}

// Client maintains one identity's connection to its room.
type Client struct {
	opts Options

	mu   sync.Mutex
	view *history.Ring
	conn *websocket.Conn // nil while disconnected

	writeMu sync.Mutex
}

// New validates opts and returns a disconnected client. A missing ClientID is
// filled with a freshly generated identity token.
func New(opts Options) (*Client, error) {
	opts.ServerURL = strings.TrimSpace(opts.ServerURL)
	opts.RoomID = strings.TrimSpace(opts.RoomID)
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if opts.RoomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if strings.TrimSpace(opts.ClientID) == "" {
		opts.ClientID = uuid.NewString()
	}
	return &Client{
		opts: opts,
		view: history.NewRing(history.DefaultCapacity),
	}, nil
}

// ClientID returns the identity token this client joins with.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// View returns the current local view, oldest first.
func (c *Client) View() []protocol.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Snapshot()
}

// LoadCache seeds the view from the persisted mirror for an immediate
// optimistic render. The next authoritative snapshot overwrites it.
func (c *Client) LoadCache(ctx context.Context) ([]protocol.Content, error) {
	if c.opts.Mirror == nil {
		return nil, nil
	}
	cached, err := c.opts.Mirror.Load(ctx, c.opts.RoomID)
	if err != nil {
		return nil, fmt.Errorf("load mirror: %w", err)
	}
	if cached == nil {
		return nil, nil
	}

	c.replaceView(cached)
	if c.opts.OnHistory != nil {
		c.opts.OnHistory(cached, false)
	}
	slog.Debug("optimistic render from cache", "room_id", c.opts.RoomID, "messages", len(cached))
	return cached, nil
}

// Run connects and serves the session until ctx is canceled, redialing with
// exponential backoff after each drop. A reconnect is a fresh join: the relay
// answers with the authoritative snapshot, which replaces the local view.
func (c *Client) Run(ctx context.Context) error {
	backoff := backoffInitial
	for {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("connection lost, retrying", "room_id", c.opts.RoomID, "backoff", backoff, "err", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (c *Client) runSession(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.ServerURL+"/ws", nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	if err := c.writeFrame(conn, protocol.Message{
		Type:     protocol.TypeJoin,
		RoomID:   c.opts.RoomID,
		ClientID: c.opts.ClientID,
	}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.pingLoop(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	return g.Wait()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.handleFrame(ctx, in)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeFrame(conn, protocol.Message{Type: protocol.TypePing, TS: time.Now().UnixMilli()}); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, in protocol.Message) {
	switch in.Type {
	case protocol.TypeSnapshot:
		// The authoritative snapshot always wins: full replace, no merging.
		hist := in.History
		if hist == nil {
			hist = []protocol.Content{}
		}
		c.replaceView(hist)
		c.persist(ctx)
		if c.opts.OnHistory != nil {
			c.opts.OnHistory(hist, true)
		}
		slog.Debug("snapshot applied", "room_id", c.opts.RoomID, "messages", len(hist))

	case protocol.TypeMessage:
		if in.Content == nil {
			return
		}
		c.mu.Lock()
		c.view.Append(*in.Content)
		c.mu.Unlock()
		c.persist(ctx)
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(*in.Content)
		}

	case protocol.TypeError:
		slog.Warn("relay rejected operation", "room_id", c.opts.RoomID, "err", in.Error)
		if c.opts.OnError != nil {
			c.opts.OnError(in.Error)
		}

	case protocol.TypePong, protocol.TypeMemberJoined, protocol.TypeMemberLeft:
		// Presence and keepalive frames carry no view changes.
	}
}

func (c *Client) replaceView(messages []protocol.Content) {
	ring := history.NewRing(history.DefaultCapacity)
	for _, m := range messages {
		ring.Append(m)
	}
	c.mu.Lock()
	c.view = ring
	c.mu.Unlock()
}

func (c *Client) persist(ctx context.Context) {
	if c.opts.Mirror == nil {
		return
	}
	snapshot := c.View()
	if err := c.opts.Mirror.Save(ctx, c.opts.RoomID, snapshot); err != nil {
		// A failed cache write is recoverable: the next snapshot rewrites it.
		slog.Warn("persist mirror failed", "room_id", c.opts.RoomID, "err", err)
	}
}

// SubmitText sends one text submission to the bound room.
func (c *Client) SubmitText(body string) error {
	content, err := codec.EncodeText(c.opts.ClientID, body)
	if err != nil {
		return err
	}
	return c.submit(content)
}

// SubmitFile sends one file submission to the bound room.
func (c *Client) SubmitFile(fileName, mediaType string, payload []byte) error {
	content, err := codec.EncodeFile(c.opts.ClientID, fileName, mediaType, payload)
	if err != nil {
		return err
	}
	return c.submit(content)
}

func (c *Client) submit(content protocol.Content) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrTransportUnavailable
	}

	err := c.writeFrame(conn, protocol.Message{
		Type:    protocol.TypeSubmit,
		RoomID:  c.opts.RoomID,
		Content: &content,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func (c *Client) writeFrame(conn *websocket.Conn, msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
