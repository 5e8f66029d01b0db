// Package sandbox is a persistent, reconnecting WebSocket client to the
// container-engine socket that actually creates, starts, and tears down
// application sandboxes. Requests are correlated to responses with a
// monotonic id and a sync.Map of pending channels, the same request/response
// correlation shape used elsewhere in this codebase for the signal broker
// client.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tri2510/vehicle-edge-runtime-sub001/apperr"
)

// State is the engine-reported condition of one sandbox, distinct from the
// Lifecycle Core's own state machine — this is what the engine itself says
// right now, not what was last recorded.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateExited  State = "exited"
	StateUnknown State = "unknown"
)

// Limits are the resource constraints applied at create time.
type Limits struct {
	CPUShare    float64
	MemoryBytes int64
}

// Result is the engine's answer to inspect (and the terminal state of
// create/start/stop/pause/resume).
type Result struct {
	Handle   string
	State    State
	ExitCode *int
}

// LogLine is one line delivered over an attached log stream.
type LogLine struct {
	Stream string // "out" | "err"
	Data   string
	TS     time.Time
}

// Handler receives events the engine pushes without being asked — an exited
// sandbox the driver never told it to stop is the input the Lifecycle Core
// reconciler needs to notice a crash.
type Handler struct {
	// OnExited fires when a sandbox terminates without a matching Stop call
	// in flight, i.e. it crashed or was killed out of band.
	OnExited func(handle string, exitCode int, ts time.Time)
	// OnConnected fires on every successful (re)connect so the reconciler
	// can re-sync live handles against engine reality.
	OnConnected func()
}

type wireHandle struct {
	Handle   string `json:"handle"`
	State    string `json:"state"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

type wireResult struct {
	Type     string       `json:"type"`
	ID       string       `json:"id,omitempty"`
	Handle   string       `json:"handle,omitempty"`
	State    string       `json:"state,omitempty"`
	ExitCode *int         `json:"exit_code,omitempty"`
	Stream   string       `json:"stream,omitempty"`
	Data     string       `json:"data,omitempty"`
	Message  string       `json:"message,omitempty"`
	Handles  []wireHandle `json:"handles,omitempty"`
	TS       time.Time    `json:"ts"`
}

type pendingResult struct {
	res *Result
	err error
}

// engineNoSuchSandbox is the error message the engine sends for a handle it
// does not know; it is surfaced as not_found rather than driver_error.
const engineNoSuchSandbox = "no such sandbox"

// Client maintains one persistent connection to the sandbox engine socket.
type Client struct {
	url     string
	handler Handler

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pending     sync.Map // request id -> chan pendingResult
	logPending  sync.Map // request id -> chan LogLine (kept until Detach)
	listPending sync.Map // request id -> chan []Result

	idSeq          atomic.Int64
	reconnectDelay time.Duration
	requestTimeout time.Duration
}

// NewClient builds a Client targeting the container engine's WebSocket URL.
func NewClient(url string, h Handler) *Client {
	return &Client{
		url:            url,
		handler:        h,
		reconnectDelay: 5 * time.Second,
		requestTimeout: 20 * time.Second,
	}
}

// Run connects and reconnects until ctx is cancelled. Call in a dedicated
// goroutine, same as the overseer client's Run.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err != nil && ctx.Err() == nil {
			log.Printf("sandbox: %v — retrying in %s", err, c.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// IsConnected reports whether a connection is currently active.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	log.Printf("sandbox: connected to %s", c.url)

	if c.handler.OnConnected != nil {
		go c.handler.OnConnected()
	}

	defer func() {
		conn.Close()
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		c.pending.Range(func(k, v any) bool {
			v.(chan pendingResult) <- pendingResult{err: fmt.Errorf("sandbox: connection lost")}
			c.pending.Delete(k)
			return true
		})
		c.listPending.Range(func(k, v any) bool {
			v.(chan []Result) <- nil
			c.listPending.Delete(k)
			return true
		})
		// Log-attach channels are closed, not sent an error: a detached
		// subscriber just stops seeing lines, same as a dropped tail.
		c.logPending.Range(func(k, v any) bool {
			close(v.(chan LogLine))
			c.logPending.Delete(k)
			return true
		})

		log.Printf("sandbox: disconnected from %s", c.url)
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var msg wireResult
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("sandbox: bad message: %v", err)
		return
	}

	switch msg.Type {
	case "result":
		if ch, ok := c.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan pendingResult) <- pendingResult{res: &Result{
				Handle: msg.Handle, State: State(msg.State), ExitCode: msg.ExitCode,
			}}
		}

	case "list_result":
		if ch, ok := c.listPending.LoadAndDelete(msg.ID); ok {
			out := make([]Result, len(msg.Handles))
			for i, h := range msg.Handles {
				out[i] = Result{Handle: h.Handle, State: State(h.State), ExitCode: h.ExitCode}
			}
			ch.(chan []Result) <- out
		}

	case "error":
		if ch, ok := c.pending.LoadAndDelete(msg.ID); ok {
			kind := apperr.DriverError
			if msg.Message == engineNoSuchSandbox {
				kind = apperr.NotFound
			}
			ch.(chan pendingResult) <- pendingResult{err: apperr.Newf(kind, "%s", msg.Message)}
		}
		if ch, ok := c.listPending.LoadAndDelete(msg.ID); ok {
			ch.(chan []Result) <- nil
		}

	case "log":
		if ch, ok := c.logPending.Load(msg.ID); ok {
			select {
			case ch.(chan LogLine) <- LogLine{Stream: msg.Stream, Data: msg.Data, TS: msg.TS}:
			default:
				// slow reader: drop the line rather than block the read loop
			}
		}

	case "exited":
		if c.handler.OnExited != nil {
			ec := 0
			if msg.ExitCode != nil {
				ec = *msg.ExitCode
			}
			c.handler.OnExited(msg.Handle, ec, msg.TS)
		}
	}
}

func (c *Client) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return apperr.New(apperr.DriverError, "not connected to sandbox engine")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) nextID() string {
	return fmt.Sprintf("r%d", c.idSeq.Add(1))
}

// call sends a request carrying v and blocks for the matching result or
// error, same select-on-channel-or-timeout shape throughout every RPC here.
func (c *Client) call(ctx context.Context, v map[string]any) (*Result, error) {
	id := c.nextID()
	v["id"] = id
	ch := make(chan pendingResult, 1)
	c.pending.Store(id, ch)

	if err := c.send(v); err != nil {
		c.pending.Delete(id)
		return nil, err
	}

	select {
	case pr := <-ch:
		return pr.res, pr.err
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, ctx.Err()
	case <-time.After(c.requestTimeout):
		c.pending.Delete(id)
		return nil, apperr.New(apperr.DeadlineExceeded, "timeout waiting for sandbox engine")
	}
}

// Create asks the engine to prepare a sandbox for the given artifact and
// resource limits, returning an opaque container_handle. The sandbox is not
// started.
func (c *Client) Create(ctx context.Context, appID, artifactRef string, limits Limits) (string, error) {
	res, err := c.call(ctx, map[string]any{
		"type":         "create",
		"app_id":       appID,
		"artifact_ref": artifactRef,
		"cpu_share":    limits.CPUShare,
		"memory_bytes": limits.MemoryBytes,
	})
	if err != nil {
		return "", err
	}
	return res.Handle, nil
}

// Start transitions a created (or stopped) sandbox to running.
func (c *Client) Start(ctx context.Context, handle string) error {
	_, err := c.call(ctx, map[string]any{"type": "start", "handle": handle})
	return err
}

// Stop requests graceful termination, giving the process graceMs before the
// engine force-kills it. The returned exit code is nil if the engine did not
// report one.
func (c *Client) Stop(ctx context.Context, handle string, graceMs int) (*int, error) {
	res, err := c.call(ctx, map[string]any{"type": "stop", "handle": handle, "grace_ms": graceMs})
	if err != nil {
		return nil, err
	}
	return res.ExitCode, nil
}

// Pause suspends the sandbox in place without releasing its resources.
func (c *Client) Pause(ctx context.Context, handle string) error {
	_, err := c.call(ctx, map[string]any{"type": "pause", "handle": handle})
	return err
}

// Resume un-suspends a paused sandbox.
func (c *Client) Resume(ctx context.Context, handle string) error {
	_, err := c.call(ctx, map[string]any{"type": "resume", "handle": handle})
	return err
}

// Remove deletes a stopped sandbox's resources. It is idempotent: removing
// an already-absent handle returns no error, so the Lifecycle Core's
// best-effort stop-then-remove never has to special-case "already gone".
func (c *Client) Remove(ctx context.Context, handle string) error {
	_, err := c.call(ctx, map[string]any{"type": "remove", "handle": handle})
	if apperr.Is(err, apperr.NotFound) {
		return nil
	}
	return err
}

// Inspect returns the engine's current view of a sandbox.
func (c *Client) Inspect(ctx context.Context, handle string) (*Result, error) {
	return c.call(ctx, map[string]any{"type": "inspect", "handle": handle})
}

// List returns every sandbox the engine currently knows about. The
// reconciler does not call it; it inspects each recorded handle instead.
func (c *Client) List(ctx context.Context) ([]Result, error) {
	id := c.nextID()
	ch := make(chan []Result, 1)
	c.listPending.Store(id, ch)

	if err := c.send(map[string]any{"type": "list", "id": id}); err != nil {
		c.listPending.Delete(id)
		return nil, err
	}

	select {
	case res := <-ch:
		if res == nil {
			return nil, apperr.New(apperr.DriverError, "list request failed or connection lost")
		}
		return res, nil
	case <-ctx.Done():
		c.listPending.Delete(id)
		return nil, ctx.Err()
	case <-time.After(c.requestTimeout):
		c.listPending.Delete(id)
		return nil, apperr.New(apperr.DeadlineExceeded, "timeout waiting for sandbox list")
	}
}

// AttachLogs subscribes to a sandbox's combined stdout/stderr stream. The
// returned channel is closed when the caller invokes detach or the
// connection drops; callers must always call detach to avoid leaking the
// registration on the engine side.
func (c *Client) AttachLogs(ctx context.Context, handle string) (<-chan LogLine, func(), error) {
	id := c.nextID()
	ch := make(chan LogLine, 64)
	c.logPending.Store(id, ch)

	if err := c.send(map[string]any{"type": "attach_logs", "id": id, "handle": handle}); err != nil {
		c.logPending.Delete(id)
		return nil, nil, err
	}

	detach := func() {
		if v, ok := c.logPending.LoadAndDelete(id); ok {
			close(v.(chan LogLine))
			c.send(map[string]any{"type": "detach_logs", "id": id, "handle": handle})
		}
	}
	return ch, detach, nil
}
