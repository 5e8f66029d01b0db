// Package signalgw mediates every application's access to the vehicle
// signal broker: catalog validation, per-app_id sessions, and the
// read/write/subscribe calls those sessions are allowed to make. Transport
// is a persistent reconnecting WebSocket client, the same request/response
// correlation shape as the sandbox driver.
package signalgw

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tri2510/vehicle-edge-runtime-sub001/apperr"
	"github.com/tri2510/vehicle-edge-runtime-sub001/store"
)

// Update is one value change delivered to a subscriber.
type Update struct {
	Path  string
	Value any
	TS    time.Time
}

type wireMsg struct {
	Type    string    `json:"type"`
	ID      string    `json:"id,omitempty"`
	Session string    `json:"session_id,omitempty"`
	Path    string    `json:"path,omitempty"`
	Value   any       `json:"value,omitempty"`
	Valid   *bool     `json:"valid,omitempty"`
	Message string    `json:"message,omitempty"`
	TS      time.Time `json:"ts"`
}

type pendingResult struct {
	sessionID string
	value     any
	valid     bool
	err       error
}

// Gateway is the broker client plus the per-app_id session table and
// catalog cache.
type Gateway struct {
	url string

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pending sync.Map // request id -> chan pendingResult

	subMu sync.Mutex
	subs  map[string]chan Update // subscription id -> delivery channel

	sessMu   sync.Mutex
	sessions map[string]string // app_id -> session_id

	catalog *lru.Cache[string, bool]

	idSeq          atomic.Int64
	reconnectDelay time.Duration
	requestTimeout time.Duration
}

// New builds a Gateway targeting the broker's WebSocket endpoint. catalogSize
// bounds the validation cache; 0 selects a sensible default.
func New(url string, catalogSize int) (*Gateway, error) {
	if catalogSize <= 0 {
		catalogSize = 4096
	}
	cache, err := lru.New[string, bool](catalogSize)
	if err != nil {
		return nil, fmt.Errorf("build catalog cache: %w", err)
	}
	return &Gateway{
		url:            url,
		subs:           make(map[string]chan Update),
		sessions:       make(map[string]string),
		catalog:        cache,
		reconnectDelay: 5 * time.Second,
		requestTimeout: 15 * time.Second,
	}, nil
}

// Run connects and reconnects until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := g.connect(ctx); err != nil && ctx.Err() == nil {
			log.Printf("signalgw: %v — retrying in %s", err, g.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(g.reconnectDelay):
		}
	}
}

// IsConnected reports whether a broker connection is currently active.
func (g *Gateway) IsConnected() bool {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.conn != nil
}

func (g *Gateway) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", g.url, err)
	}

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()

	log.Printf("signalgw: connected to %s", g.url)

	defer func() {
		conn.Close()
		g.connMu.Lock()
		if g.conn == conn {
			g.conn = nil
		}
		g.connMu.Unlock()

		g.pending.Range(func(k, v any) bool {
			v.(chan pendingResult) <- pendingResult{err: apperr.New(apperr.BrokerError, "connection lost")}
			g.pending.Delete(k)
			return true
		})

		log.Printf("signalgw: disconnected from %s", g.url)
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
		g.dispatch(raw)
	}
}

func (g *Gateway) dispatch(raw []byte) {
	var msg wireMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("signalgw: bad message: %v", err)
		return
	}

	switch msg.Type {
	case "open_session_result":
		if ch, ok := g.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan pendingResult) <- pendingResult{sessionID: msg.Session}
		}
	case "read_result":
		if ch, ok := g.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan pendingResult) <- pendingResult{value: msg.Value}
		}
	case "write_result", "close_session_result", "subscribe_result", "unsubscribe_result":
		if ch, ok := g.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan pendingResult) <- pendingResult{}
		}
	case "validate_result":
		if ch, ok := g.pending.LoadAndDelete(msg.ID); ok {
			valid := msg.Valid != nil && *msg.Valid
			ch.(chan pendingResult) <- pendingResult{valid: valid}
		}
	case "error":
		if ch, ok := g.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan pendingResult) <- pendingResult{err: apperr.Newf(apperr.BrokerError, "%s", msg.Message)}
		}
	case "signal_update":
		g.subMu.Lock()
		ch, ok := g.subs[msg.ID]
		g.subMu.Unlock()
		if ok {
			select {
			case ch <- Update{Path: msg.Path, Value: msg.Value, TS: msg.TS}:
			default:
			}
		}
	}
}

func (g *Gateway) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn == nil {
		return apperr.New(apperr.BrokerError, "not connected to signal broker")
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (g *Gateway) nextID() string {
	return fmt.Sprintf("s%d", g.idSeq.Add(1))
}

func (g *Gateway) call(ctx context.Context, v map[string]any) (pendingResult, error) {
	id := g.nextID()
	v["id"] = id
	ch := make(chan pendingResult, 1)
	g.pending.Store(id, ch)

	if err := g.send(v); err != nil {
		g.pending.Delete(id)
		return pendingResult{}, err
	}

	select {
	case pr := <-ch:
		return pr, pr.err
	case <-ctx.Done():
		g.pending.Delete(id)
		return pendingResult{}, ctx.Err()
	case <-time.After(g.requestTimeout):
		g.pending.Delete(id)
		return pendingResult{}, apperr.New(apperr.DeadlineExceeded, "timeout waiting for signal broker")
	}
}

// Validate reports whether path exists in the broker catalog, consulting a
// bounded in-process cache before round-tripping to the broker.
func (g *Gateway) Validate(ctx context.Context, path string) (bool, error) {
	if v, ok := g.catalog.Get(path); ok {
		return v, nil
	}
	pr, err := g.call(ctx, map[string]any{"type": "validate", "path": path})
	if err != nil {
		return false, err
	}
	g.catalog.Add(path, pr.valid)
	return pr.valid, nil
}

// OpenSession establishes a broker session scoped to one application. The
// returned session_id must be used for every subsequent read/write/subscribe
// call the application makes, and closed when the application stops. Any
// session already open for appID is torn down first, so a restart or a
// re-deploy can never leave two live sessions bound to the same app_id.
func (g *Gateway) OpenSession(ctx context.Context, appID string) (string, error) {
	g.sessMu.Lock()
	prior, had := g.sessions[appID]
	g.sessMu.Unlock()
	if had {
		if err := g.CloseSession(ctx, prior); err != nil {
			log.Printf("signalgw: close prior session for %s: %v", appID, err)
		}
	}

	pr, err := g.call(ctx, map[string]any{"type": "open_session", "app_id": appID})
	if err != nil {
		return "", err
	}

	g.sessMu.Lock()
	g.sessions[appID] = pr.sessionID
	g.sessMu.Unlock()
	return pr.sessionID, nil
}

// CloseSession releases a session. It is safe to call on an already-closed
// session id.
func (g *Gateway) CloseSession(ctx context.Context, sessionID string) error {
	_, err := g.call(ctx, map[string]any{"type": "close_session", "session_id": sessionID})
	g.forgetSession(sessionID)
	if apperr.Is(err, apperr.NotFound) {
		return nil
	}
	return err
}

// forgetSession drops sessionID from the app_id index regardless of whether
// the broker round trip that closed it succeeded.
func (g *Gateway) forgetSession(sessionID string) {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()
	for appID, sid := range g.sessions {
		if sid == sessionID {
			delete(g.sessions, appID)
			return
		}
	}
}

// CheckAccess enforces the declared access policy before any broker call is
// made: declarations are a contract evaluated entirely against the
// Application Record, with no broker round trip.
func CheckAccess(declared []store.SignalDeclaration, path string, want store.SignalAccess) error {
	for _, d := range declared {
		if d.Path == path && d.Access == want {
			return nil
		}
	}
	return apperr.Newf(apperr.ResourceDenied, "signal %s not declared for %s access", path, want).
		WithSuggestions(fmt.Sprintf("declare %s with access=%s in the application manifest", path, want))
}

// Read fetches the current value of path within sessionID.
func (g *Gateway) Read(ctx context.Context, sessionID, path string) (any, error) {
	pr, err := g.call(ctx, map[string]any{"type": "read", "session_id": sessionID, "path": path})
	if err != nil {
		return nil, err
	}
	return pr.value, nil
}

// Write sets the value of path within sessionID.
func (g *Gateway) Write(ctx context.Context, sessionID, path string, value any) error {
	_, err := g.call(ctx, map[string]any{"type": "write", "session_id": sessionID, "path": path, "value": value})
	return err
}

// Subscribe registers interest in path within sessionID and returns a
// channel of updates. Call the returned cancel func to unsubscribe; the
// channel is not closed automatically on cancel, so callers must stop
// reading from it once cancel is called.
func (g *Gateway) Subscribe(ctx context.Context, sessionID, path string) (<-chan Update, func(), error) {
	id := g.nextID()
	ch := make(chan Update, 32)

	g.subMu.Lock()
	g.subs[id] = ch
	g.subMu.Unlock()

	if err := g.send(map[string]any{
		"type": "subscribe", "id": id, "session_id": sessionID, "path": path,
	}); err != nil {
		g.subMu.Lock()
		delete(g.subs, id)
		g.subMu.Unlock()
		return nil, nil, err
	}

	cancel := func() {
		g.subMu.Lock()
		delete(g.subs, id)
		g.subMu.Unlock()
		g.send(map[string]any{"type": "unsubscribe", "id": id, "session_id": sessionID})
	}
	return ch, cancel, nil
}
