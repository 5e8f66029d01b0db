package control

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/tri2510/vehicle-edge-runtime-sub001/apperr"
	"github.com/tri2510/vehicle-edge-runtime-sub001/lifecycle"
	"github.com/tri2510/vehicle-edge-runtime-sub001/sandbox"
	"github.com/tri2510/vehicle-edge-runtime-sub001/store"
)

// envelope is the generic request shape every control-channel message
// unmarshals into; individual handlers pick the fields they need.
type envelope struct {
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"`
	AppID          string          `json:"app_id,omitempty"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	Action         string          `json:"action,omitempty"`
	Record         json.RawMessage `json:"record,omitempty"`
	Signals        []string        `json:"signals,omitempty"`
	Dependencies   []string        `json:"dependencies,omitempty"`
	ConsoleToken   string          `json:"console_token,omitempty"`
	IncludeErrored bool            `json:"include_errored,omitempty"`
	Filter         *filterPayload  `json:"filter,omitempty"`
}

type filterPayload struct {
	DesiredState string `json:"desired_state,omitempty"`
	Kind         string `json:"kind,omitempty"`
}

// response is the generic reply envelope, matching every *-response's wire
// contract: type, id, status, result, state, timestamp, and on failure
// error/suggestions.
type response struct {
	Type        string   `json:"type"`
	ID          string   `json:"id,omitempty"`
	Status      string   `json:"status,omitempty"`
	Result      any      `json:"result,omitempty"`
	State       string   `json:"state,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	Error       string   `json:"error,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (s *Server) handle(ctx context.Context, wc *wsConn, env envelope) {
	var resp response
	switch env.Type {
	case "ping":
		resp = response{Type: "pong", ID: env.ID, Timestamp: now()}

	case "deploy_request":
		resp = s.handleDeploy(ctx, wc, env, false)
	case "smart_deploy":
		resp = s.handleDeploy(ctx, wc, env, true)

	case "run_app":
		res, err := s.lc.Start(ctx, env.AppID)
		if err != nil {
			resp = errorResponse(env.Type, env.ID, err)
		} else {
			resp = s.withConsoleToken(okResponse(env.Type, env.ID, res), res)
		}
	case "stop_app":
		resp = s.simpleOp(ctx, env, s.lc.Stop)
	case "pause_app":
		resp = s.namedOp(ctx, env, "app_paused", s.lc.Pause)
	case "resume_app":
		resp = s.namedOp(ctx, env, "app_resumed", s.lc.Resume)
	case "uninstall_app":
		resp = s.namedOp(ctx, env, "app_uninstalled", s.lc.Remove)

	case "manage_app":
		resp = s.handleManage(ctx, env)

	case "list_deployed_apps":
		resp = s.handleList(ctx, env)

	case "get_app_status":
		resp = s.handleStatus(ctx, env, "get_app_status")
	case "get_deployment_status":
		resp = s.handleStatus(ctx, env, "deployment_status")

	case "detect_dependencies":
		resp = s.handleDetectDependencies(env)
	case "validate_signals":
		resp = s.handleValidateSignals(ctx, env)

	case "console_subscribe":
		s.handleConsoleSubscribe(ctx, wc, env)
		return

	case "get_diagnostics":
		resp = s.handleDiagnostics(env)

	case "restart_all_apps":
		restarted, skipped := s.lc.RestartAll(ctx, env.IncludeErrored)
		resp = response{
			Type: "restart_all_apps-response", ID: env.ID, Status: "success",
			Result:    map[string]int{"restarted": restarted, "skipped": skipped},
			Timestamp: now(),
		}

	default:
		resp = errorResponse(env.Type, env.ID, apperr.Newf(apperr.Validation, "unknown message type: %s", env.Type))
	}

	messagesTotal.WithLabelValues(env.Type, resp.Status).Inc()
	if err := wc.writeJSON(resp); err != nil {
		log.Printf("control: write response: %v", err)
	}
}

func (s *Server) handleDeploy(ctx context.Context, wc *wsConn, env envelope, autoStart bool) response {
	var app store.Application
	if err := json.Unmarshal(env.Record, &app); err != nil {
		return errorResponse(env.Type, env.ID, apperr.New(apperr.Validation, "invalid application record"))
	}
	if app.DesiredState == store.DesiredRunning {
		autoStart = true
	}

	s.progressMu.Lock()
	s.progressSub[app.AppID] = wc
	s.progressMu.Unlock()

	res, err := s.lc.Install(ctx, &app, autoStart)
	if err != nil {
		return errorResponse(env.Type, env.ID, err)
	}
	return s.withConsoleToken(okResponse(env.Type, env.ID, res), res)
}

// withConsoleToken mints a console-attach token scoped to the resulting
// execution_id so the caller can open console_subscribe without a separate
// authorization round trip. A mint failure degrades the response rather
// than failing the whole operation: the app is already running.
func (s *Server) withConsoleToken(r response, res *lifecycle.StatusResult) response {
	if res == nil || res.ExecutionID == "" {
		return r
	}
	token, err := s.gate.IssueConsoleToken(res.ExecutionID)
	if err != nil {
		log.Printf("control: issue console token: %v", err)
		return r
	}
	if m, ok := r.Result.(*lifecycle.StatusResult); ok {
		r.Result = struct {
			*lifecycle.StatusResult
			ConsoleToken string `json:"console_token"`
		}{m, token}
	}
	return r
}

func (s *Server) simpleOp(ctx context.Context, env envelope, op func(context.Context, string) (*lifecycle.StatusResult, error)) response {
	res, err := op(ctx, env.AppID)
	if err != nil {
		return errorResponse(env.Type, env.ID, err)
	}
	return okResponse(env.Type, env.ID, res)
}

func (s *Server) namedOp(ctx context.Context, env envelope, successType string, op func(context.Context, string) (*lifecycle.StatusResult, error)) response {
	res, err := op(ctx, env.AppID)
	if err != nil {
		return errorResponse(env.Type, env.ID, err)
	}
	r := okResponse(env.Type, env.ID, res)
	r.Type = successType
	return r
}

func (s *Server) handleManage(ctx context.Context, env envelope) response {
	var res *lifecycle.StatusResult
	var err error
	switch env.Action {
	case "start":
		res, err = s.lc.Start(ctx, env.AppID)
	case "stop":
		res, err = s.lc.Stop(ctx, env.AppID)
	case "pause":
		res, err = s.lc.Pause(ctx, env.AppID)
	case "resume":
		res, err = s.lc.Resume(ctx, env.AppID)
	case "restart":
		if _, stopErr := s.lc.Stop(ctx, env.AppID); stopErr != nil && !apperr.Is(stopErr, apperr.AlreadyStopped) {
			return errorResponse(env.Type, env.ID, stopErr)
		}
		res, err = s.lc.Start(ctx, env.AppID)
	default:
		return errorResponse(env.Type, env.ID, apperr.Newf(apperr.Validation, "unknown manage_app action: %s", env.Action))
	}
	if err != nil {
		return errorResponse(env.Type, env.ID, err)
	}
	return okResponse(env.Type, env.ID, res)
}

func (s *Server) handleList(ctx context.Context, env envelope) response {
	var filter store.ListFilter
	if env.Filter != nil {
		filter.DesiredState = store.DesiredState(env.Filter.DesiredState)
		filter.Kind = store.Kind(env.Filter.Kind)
	}
	results, err := s.lc.List(ctx, filter)
	if err != nil {
		return errorResponse(env.Type, env.ID, err)
	}
	return response{Type: env.Type + "-response", ID: env.ID, Status: "success", Result: results, Timestamp: now()}
}

func (s *Server) handleStatus(ctx context.Context, env envelope, respType string) response {
	res, err := s.lc.GetStatus(ctx, env.AppID)
	if err != nil {
		return errorResponse(env.Type, env.ID, err)
	}
	r := okResponse(env.Type, env.ID, res)
	r.Type = respType
	return r
}

// handleDetectDependencies echoes back the declared dependency list, one
// {name} entry per dependency: the actual dependency graph and artifact
// resolution strategy is left to the client's manifest tooling, same as the
// rest of the install surface — this message validates shape, it does not
// run a package resolver.
func (s *Server) handleDetectDependencies(env envelope) response {
	type depStatus struct {
		Name string `json:"name"`
	}
	out := make([]depStatus, len(env.Dependencies))
	for i, d := range env.Dependencies {
		out[i] = depStatus{Name: d}
	}
	return response{Type: "dependencies_detected", ID: env.ID, Status: "success", Result: out, Timestamp: now()}
}

func (s *Server) handleValidateSignals(ctx context.Context, env envelope) response {
	if s.sg == nil {
		return errorResponse(env.Type, env.ID, apperr.New(apperr.BrokerError, "signal broker disabled"))
	}
	type signalResult struct {
		Path  string `json:"path"`
		Valid bool   `json:"valid"`
	}
	out := make([]signalResult, 0, len(env.Signals))
	for _, p := range env.Signals {
		valid, err := s.sg.Validate(ctx, p)
		if err != nil {
			return errorResponse(env.Type, env.ID, err)
		}
		out = append(out, signalResult{Path: p, Valid: valid})
	}
	return response{Type: "signals_validated", ID: env.ID, Status: "success", Result: out, Timestamp: now()}
}

// svcInfo is the per-collaborator diagnostics payload.
type svcInfo struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LiveApps  int    `json:"live_apps,omitempty"`
}

// handleDiagnostics probes the sandbox driver and signal gateway
// concurrently, one goroutine per collaborator, joined with a WaitGroup.
func (s *Server) handleDiagnostics(env envelope) response {
	var (
		sandboxInfo, brokerInfo svcInfo
		wg                      sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if s.sd == nil || !s.sd.IsConnected() {
			sandboxInfo = svcInfo{Error: "sandbox driver disconnected"}
			return
		}
		sandboxInfo.Connected = true
		sandboxInfo.LiveApps = s.lc.LiveCount()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if s.sg == nil {
			brokerInfo = svcInfo{Error: "broker disabled"}
			return
		}
		if !s.sg.IsConnected() {
			brokerInfo = svcInfo{Error: "broker disconnected"}
			return
		}
		brokerInfo.Connected = true
	}()

	wg.Wait()

	return response{
		Type: "diagnostics", ID: env.ID, Status: "success",
		Result: map[string]svcInfo{"sandbox": sandboxInfo, "signal_broker": brokerInfo},
		Timestamp: now(),
	}
}

func (s *Server) handleConsoleSubscribe(ctx context.Context, wc *wsConn, env envelope) {
	if err := s.gate.CheckConsoleToken(env.ConsoleToken, env.ExecutionID); err != nil {
		wc.writeJSON(errorResponse(env.Type, env.ID, apperr.Wrap(apperr.ResourceDenied, "console token rejected", err)))
		return
	}

	history, lines, detach, err := s.lc.AttachConsoleByExecution(ctx, env.ExecutionID)
	if err != nil {
		wc.writeJSON(errorResponse(env.Type, env.ID, err))
		return
	}

	s.consoleMu.Lock()
	s.consoleCount++
	consoleSubscribersGauge.Set(float64(s.consoleCount))
	s.consoleMu.Unlock()

	go func() {
		defer detach()
		defer func() {
			s.consoleMu.Lock()
			s.consoleCount--
			consoleSubscribersGauge.Set(float64(s.consoleCount))
			s.consoleMu.Unlock()
		}()

		for _, l := range history {
			wc.writeJSON(map[string]any{"type": "console_output", "execution_id": env.ExecutionID, "data": l})
		}
		for line := range lines {
			s.writeConsoleLine(wc, env.ExecutionID, line)
		}
	}()
}

// writeConsoleLine is its own function so a slow subscriber's write error
// (connection already gone) doesn't get silently swallowed by the fan-out
// goroutine's defer chain.
func (s *Server) writeConsoleLine(wc *wsConn, executionID string, line sandbox.LogLine) {
	if err := wc.writeJSON(map[string]any{
		"type": "console_output", "execution_id": executionID,
		"stream": line.Stream, "data": line.Data, "ts": line.TS,
	}); err != nil {
		log.Printf("control: console_subscribe write: %v", err)
	}
}
