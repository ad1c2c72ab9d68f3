package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brensch/deepsearch/executor/mcts"
	"github.com/gorilla/websocket"
)

// Registrar records the contexts an inference server now holds cache for.
// kvcache.Strategy satisfies it.
type Registrar interface {
	Register(session string, contextID []int32)
}

type WSClientConfig struct {
	URL            string
	ConnectTimeout time.Duration
	// RequestTimeout bounds a single infer or release round trip. Zero waits
	// for the caller's context only.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func DefaultWSClientConfig(url string) WSClientConfig {
	return WSClientConfig{
		URL:            url,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 5 * time.Minute,
	}
}

// wsEvent is the frame envelope in both directions. Requests carry
// type infer or release; the server answers with type result, released or
// error, echoing the id.
type wsEvent struct {
	Type          string          `json:"type"`
	ID            uint64          `json:"id"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	Unrecoverable bool            `json:"unrecoverable,omitempty"`
}

type releasePayload struct {
	Session   string  `json:"session"`
	ContextID []int32 `json:"context_id"`
}

// WSClient talks to a remote inference server over one websocket. Calls from
// many goroutines are multiplexed by request id.
type WSClient struct {
	conn   *websocket.Conn
	cfg    WSClientConfig
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan wsEvent
	readErr error

	nextID    atomic.Uint64
	registrar atomic.Pointer[Registrar]
	done      chan struct{}
}

// DialWS connects and starts the reader goroutine.
func DialWS(ctx context.Context, cfg WSClientConfig) (*WSClient, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.URL, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &WSClient{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[uint64]chan wsEvent),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SetRegistrar installs the collaborator told about every context the server
// ran inference against.
func (c *WSClient) SetRegistrar(r Registrar) {
	c.registrar.Store(&r)
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("inference server read failed", "url", c.cfg.URL, "error", err)
			}
			c.failPending(fmt.Errorf("%w: connection to %s lost: %v", mcts.ErrUnrecoverable, c.cfg.URL, err))
			return
		}

		var event wsEvent
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Warn("failed to parse inference reply", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[event.ID]
		delete(c.pending, event.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("inference reply for unknown request", "id", event.ID, "type", event.Type)
			continue
		}
		ch <- event
	}
}

func (c *WSClient) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
	for id, ch := range c.pending {
		ch <- wsEvent{Type: "error", ID: id, Error: err.Error(), Unrecoverable: true}
		delete(c.pending, id)
	}
}

func (c *WSClient) call(ctx context.Context, typ string, payload any) (wsEvent, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return wsEvent{}, fmt.Errorf("encode %s request: %w", typ, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan wsEvent, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return wsEvent{}, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(wsEvent{Type: typ, ID: id, Data: data})
	if err != nil {
		c.forget(id)
		return wsEvent{}, err
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return wsEvent{}, fmt.Errorf("%w: write %s request: %v", mcts.ErrUnrecoverable, typ, err)
	}

	select {
	case event := <-ch:
		if event.Type == "error" {
			if event.Unrecoverable {
				return wsEvent{}, fmt.Errorf("%w: %s", mcts.ErrUnrecoverable, event.Error)
			}
			return wsEvent{}, fmt.Errorf("inference server %s: %s", typ, event.Error)
		}
		return event, nil
	case <-ctx.Done():
		c.forget(id)
		return wsEvent{}, ctx.Err()
	}
}

func (c *WSClient) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) InferBatch(ctx context.Context, req mcts.InferRequest) (mcts.InferResponse, error) {
	event, err := c.call(ctx, "infer", req)
	if err != nil {
		return mcts.InferResponse{}, err
	}
	if event.Type != "result" {
		return mcts.InferResponse{}, fmt.Errorf("unexpected reply %q to infer", event.Type)
	}
	var resp mcts.InferResponse
	if err := json.Unmarshal(event.Data, &resp); err != nil {
		return mcts.InferResponse{}, fmt.Errorf("decode infer reply: %w", err)
	}
	if r := c.registrar.Load(); r != nil {
		for _, cid := range req.ContextIDs {
			(*r).Register(req.Session, cid)
		}
	}
	return resp, nil
}

// Release asks the server to drop its cache for one context.
func (c *WSClient) Release(ctx context.Context, session string, contextID []int32) error {
	event, err := c.call(ctx, "release", releasePayload{Session: session, ContextID: contextID})
	if err != nil {
		return err
	}
	if event.Type != "released" {
		return fmt.Errorf("unexpected reply %q to release", event.Type)
	}
	return nil
}

// Close sends a close frame and waits briefly for the reader to exit.
func (c *WSClient) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return errors.Join(err, c.conn.Close())
}
