package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ErrConnClosed is returned by calls on a closed or broken connection.
var ErrConnClosed = errors.New("cdp: connection closed")

// Conn is a DevTools websocket with request/reply matching and per-session
// event routing.
type Conn struct {
	ws     *websocket.Conn
	log    *slog.Logger
	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan *message
	sessions map[string]*queue
	err      error

	writeMu sync.Mutex
	done    chan struct{}
}

// Dial connects to a browser websocket endpoint.
func Dial(ctx context.Context, wsURL string, log *slog.Logger) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}
	return newConn(ws, log), nil
}

func newConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	// Replies such as Target.getTargets can be large.
	ws.SetReadLimit(64 << 20)
	c := &Conn{
		ws:       ws,
		log:      log,
		pending:  make(map[int64]chan *message),
		sessions: make(map[string]*queue),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.fail(err)
			return
		}
		var m message
		if err := codec.Unmarshal(data, &m); err != nil {
			c.log.Warn("cdp: undecodable message", "error", err)
			continue
		}
		if m.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[m.ID]
			delete(c.pending, m.ID)
			c.mu.Unlock()
			if ok {
				ch <- &m
			}
			continue
		}
		c.mu.Lock()
		q := c.sessions[m.SessionID]
		c.mu.Unlock()
		if q != nil {
			q.push(&m)
		}
	}
}

// fail wakes every waiter after the read loop stopped.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, q := range c.sessions {
		q.close()
		delete(c.sessions, id)
	}
}

// Call sends method with params on sessionID ("" for the browser target) and
// decodes the reply into result when it is non-nil.
func (c *Conn) Call(ctx context.Context, sessionID, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan *message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := codec.Marshal(request{ID: id, SessionID: sessionID, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("cdp: encode %s: %w", method, err)
	}
	c.writeMu.Lock()
	err = c.ws.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("cdp: send %s: %w", method, err)
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return c.closedErr()
		}
		if m.Error != nil {
			return fmt.Errorf("%s: %w", method, m.Error)
		}
		if result != nil && len(m.Result) > 0 {
			if err := codec.Unmarshal(m.Result, result); err != nil {
				return fmt.Errorf("cdp: decode %s: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrConnClosed
}

// subscribe routes the events of sessionID to a new queue.
func (c *Conn) subscribe(sessionID string) (*queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	q := newQueue()
	c.sessions[sessionID] = q
	return q, nil
}

func (c *Conn) unsubscribe(sessionID string) {
	c.mu.Lock()
	q := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if q != nil {
		q.close()
	}
}

// Close closes the websocket and waits for the read loop to exit.
func (c *Conn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "client closed")
	<-c.done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
