// Package control is the Control Plane: a WebSocket server exposing every
// supervisor operation as a typed request/response message, plus a plain
// HTTP health endpoint and a Prometheus metrics endpoint. It is the only
// component exposed outside the process; every lifecycle operation is
// dispatched through the Lifecycle Core, while validate_signals and
// get_diagnostics query the signal gateway and sandbox driver directly.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tri2510/vehicle-edge-runtime-sub001/apperr"
	"github.com/tri2510/vehicle-edge-runtime-sub001/authgate"
	"github.com/tri2510/vehicle-edge-runtime-sub001/lifecycle"
	"github.com/tri2510/vehicle-edge-runtime-sub001/sandbox"
	"github.com/tri2510/vehicle-edge-runtime-sub001/signalgw"
	"github.com/tri2510/vehicle-edge-runtime-sub001/store"
)

// core is the subset of *lifecycle.Core the control plane depends on.
type core interface {
	Install(ctx context.Context, app *store.Application, autoStart bool) (*lifecycle.StatusResult, error)
	Start(ctx context.Context, appID string) (*lifecycle.StatusResult, error)
	Pause(ctx context.Context, appID string) (*lifecycle.StatusResult, error)
	Resume(ctx context.Context, appID string) (*lifecycle.StatusResult, error)
	Stop(ctx context.Context, appID string) (*lifecycle.StatusResult, error)
	Remove(ctx context.Context, appID string) (*lifecycle.StatusResult, error)
	GetStatus(ctx context.Context, appID string) (*lifecycle.StatusResult, error)
	List(ctx context.Context, filter store.ListFilter) ([]*lifecycle.StatusResult, error)
	RestartAll(ctx context.Context, includeErrored bool) (restarted, skipped int)
	AttachConsoleByExecution(ctx context.Context, executionID string) ([]string, <-chan sandbox.LogLine, func(), error)
	OnProgress(f func(lifecycle.ProgressEvent))
	LiveCount() int
}

// signalValidator is the subset of *signalgw.Gateway the control plane uses
// for validate_signals and diagnostics.
type signalValidator interface {
	Validate(ctx context.Context, path string) (bool, error)
	IsConnected() bool
}

// sandboxStatus reports driver connectivity for the health endpoint.
type sandboxStatus interface {
	IsConnected() bool
}

// Server is the Control Plane.
type Server struct {
	lc   core
	sg   signalValidator
	gate *authgate.Gate
	sd   sandboxStatus

	upgrader  websocket.Upgrader
	startedAt time.Time

	progressMu  sync.Mutex
	progressSub map[string]*wsConn // app_id -> connection that issued the deploy

	consoleMu    sync.Mutex
	consoleCount int
}

// New builds a Server. sg may be nil if the broker is disabled.
func New(lc core, sg signalValidator, gate *authgate.Gate, sd sandboxStatus) *Server {
	s := &Server{
		lc:          lc,
		sg:          sg,
		gate:        gate,
		sd:          sd,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		startedAt:   time.Now(),
		progressSub: make(map[string]*wsConn),
	}
	lc.OnProgress(s.dispatchProgress)
	return s
}

func (s *Server) sandboxConnected() bool {
	return s.sd != nil && s.sd.IsConnected()
}

func (s *Server) liveAppCount() int {
	n := s.lc.LiveCount()
	liveAppsGauge.Set(float64(n))
	return n
}

// ControlHandler upgrades the control channel connection. The shared secret
// is supplied as the "token" query parameter at upgrade time, consistent
// with a machine-to-machine control link that never sees a browser login
// form.
func (s *Server) ControlHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.gate.CheckToken(r.URL.Query().Get("token")) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("control: upgrade: %v", err)
			return
		}
		wc := &wsConn{conn: conn}
		defer s.forgetProgressSubscriber(wc)
		s.serve(r.Context(), wc)
	}
}

// wsConn serialises writes to one WebSocket connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (s *Server) serve(ctx context.Context, wc *wsConn) {
	defer wc.conn.Close()
	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			wc.writeJSON(errorResponse("", "", apperr.New(apperr.Validation, "malformed message")))
			continue
		}
		s.handle(ctx, wc, env)
	}
}

func (s *Server) forgetProgressSubscriber(wc *wsConn) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	for appID, sub := range s.progressSub {
		if sub == wc {
			delete(s.progressSub, appID)
		}
	}
}

func (s *Server) dispatchProgress(ev lifecycle.ProgressEvent) {
	s.progressMu.Lock()
	wc, ok := s.progressSub[ev.AppID]
	s.progressMu.Unlock()
	if !ok {
		return
	}
	wc.writeJSON(map[string]any{
		"type":      "deployment_progress",
		"app_id":    ev.AppID,
		"stage":     ev.Stage,
		"name":      ev.Name,
		"current":   ev.Current,
		"total":     ev.Total,
		"timestamp": time.Now().UnixMilli(),
	})
}

func now() int64 { return time.Now().UnixMilli() }

func errorResponse(typ, id string, err error) response {
	ae := apperr.KindOf(err)
	var suggestions []string
	if e, ok := err.(*apperr.Error); ok {
		suggestions = e.Suggestions
	}
	respType := typ
	if respType == "" {
		respType = "error"
	} else {
		respType += "-response"
	}
	return response{
		Type: respType, ID: id, Status: "error",
		Error: fmt.Sprintf("%s: %s", ae, err.Error()), Suggestions: suggestions,
		Timestamp: now(),
	}
}

func okResponse(typ, id string, res *lifecycle.StatusResult) response {
	status := string(res.Status)
	if status == "" {
		status = "success"
	}
	return response{
		Type: typ + "-response", ID: id, Status: status,
		Result: res, State: string(res.State), Timestamp: now(),
	}
}
