// Package lifecycle is the Lifecycle Core: the state machine that drives
// every Application between installed, running, paused, stopped, error, and
// removed, reconciling desired state against what the sandbox driver
// actually observes. It owns the in-memory Live Handle table and is the only
// component that talks to both the sandbox driver and the signal gateway
// directly — everything above it (the control plane) goes through here.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tri2510/vehicle-edge-runtime-sub001/apperr"
	"github.com/tri2510/vehicle-edge-runtime-sub001/identity"
	"github.com/tri2510/vehicle-edge-runtime-sub001/sandbox"
	"github.com/tri2510/vehicle-edge-runtime-sub001/signalgw"
	"github.com/tri2510/vehicle-edge-runtime-sub001/store"
)

// Status is the outcome code carried on every operation's result, matching
// the control plane's wire status field.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusAlreadyRunning Status = "already_running"
	StatusAlreadyStopped Status = "already_stopped"
)

// StatusResult is the composite view returned by every public operation and
// by get_status/list_deployed_apps.
type StatusResult struct {
	AppID        string                      `json:"app_id"`
	ExecutionID  string                      `json:"execution_id,omitempty"`
	Name         string                      `json:"name"`
	Kind         store.Kind                  `json:"kind"`
	State        store.RuntimeLifecycleState `json:"state"`
	DesiredState store.DesiredState          `json:"desired_state"`
	Status       Status                      `json:"status"`
	Warning      string                      `json:"warning,omitempty"`
	ExitCode     *int                        `json:"exit_code,omitempty"`
	ErrorMessage string                      `json:"error_message,omitempty"`
}

// ProgressStage names one step of an unsolicited deployment_progress event.
type ProgressStage string

const (
	StagePreparing              ProgressStage = "preparing"
	StageInstallingDependencies ProgressStage = "installing_dependencies"
	StageInstallingDependency   ProgressStage = "installing_dependency"
	StageStartingApplication    ProgressStage = "starting_application"
)

// ProgressEvent is one deployment_progress notification.
type ProgressEvent struct {
	AppID   string
	Stage   ProgressStage
	Name    string // dependency name, for installing_dependency
	Current int
	Total   int
}

// Config carries every Lifecycle Core tunable, sourced from config.Global.
type Config struct {
	AppIDPrefix        string
	MaxLiveApps        int
	DefaultMemoryBytes int64
	DefaultCPUShare    float64
	ReconcileInterval  time.Duration
	RequestDeadline    time.Duration
	StopGrace          time.Duration
	BrokerEnabled      bool
}

// sandboxDriver is the subset of *sandbox.Client the core depends on, so
// tests can substitute a fake without a real WebSocket server.
type sandboxDriver interface {
	Create(ctx context.Context, appID, artifactRef string, limits sandbox.Limits) (string, error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string, graceMs int) (*int, error)
	Pause(ctx context.Context, handle string) error
	Resume(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (*sandbox.Result, error)
	List(ctx context.Context) ([]sandbox.Result, error)
	AttachLogs(ctx context.Context, handle string) (<-chan sandbox.LogLine, func(), error)
}

// signalGateway is the subset of *signalgw.Gateway the core depends on.
type signalGateway interface {
	OpenSession(ctx context.Context, appID string) (string, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// Core is the Lifecycle Core. Construct with New and call Bootstrap once,
// from main, before accepting any control-plane traffic.
type Core struct {
	mu      sync.RWMutex
	handles map[string]*LiveHandle // execution_id -> handle
	appIdx  map[string]string      // app_id -> execution_id

	locks *lockRegistry

	cfg Config
	st  store.Store
	sd  sandboxDriver
	sg  signalGateway
	ids *identity.Service

	progressMu sync.RWMutex
	onProgress func(ProgressEvent)
}

// New builds a Core. sg may be nil if the broker is disabled, in which case
// every signal-gateway interaction is skipped rather than attempted.
func New(cfg Config, st store.Store, sd sandboxDriver, sg signalGateway, ids *identity.Service) *Core {
	if cfg.MaxLiveApps <= 0 {
		cfg.MaxLiveApps = 5
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Core{
		handles: make(map[string]*LiveHandle),
		appIdx:  make(map[string]string),
		locks:   newLockRegistry(),
		cfg:     cfg,
		st:      st,
		sd:      sd,
		sg:      sg,
		ids:     ids,
	}
}

// OnProgress registers the callback invoked for every unsolicited
// deployment_progress event. Only one callback may be registered; later
// calls replace the earlier one.
func (c *Core) OnProgress(f func(ProgressEvent)) {
	c.progressMu.Lock()
	c.onProgress = f
	c.progressMu.Unlock()
}

func (c *Core) emit(ev ProgressEvent) {
	c.progressMu.RLock()
	f := c.onProgress
	c.progressMu.RUnlock()
	if f != nil {
		f(ev)
	}
}

// Bootstrap runs the startup reconciliation pass and launches the periodic
// reconcile loop in the background. Call once, before the control plane
// starts accepting connections.
func (c *Core) Bootstrap(ctx context.Context) error {
	if err := c.reconcile(ctx); err != nil {
		log.Printf("lifecycle: startup reconcile: %v", err)
	}
	go c.reconcileLoop(ctx)
	return nil
}

func (c *Core) reconcileLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.ReconcileInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.reconcile(ctx); err != nil {
				log.Printf("lifecycle: reconcile: %v", err)
			}
		}
	}
}

// OnSandboxConnected is wired as the sandbox driver's Handler.OnConnected:
// every reconnect may have missed exits while disconnected, so a full
// reconcile pass runs again.
func (c *Core) OnSandboxConnected() {
	go func() {
		if err := c.reconcile(context.Background()); err != nil {
			log.Printf("lifecycle: reconnect reconcile: %v", err)
		}
	}()
}

// OnSandboxExited is wired as the sandbox driver's Handler.OnExited: an
// exit the core never asked for is a crash.
func (c *Core) OnSandboxExited(handle string, exitCode int, ts time.Time) {
	ctx := context.Background()

	c.mu.RLock()
	var lh *LiveHandle
	for _, h := range c.handles {
		if h.ContainerHandle == handle {
			lh = h
			break
		}
	}
	c.mu.RUnlock()
	if lh == nil {
		return
	}

	unlock := c.locks.lock(lh.AppID)
	defer unlock()

	if lh.getState() != store.StateRunning && lh.getState() != store.StatePaused {
		return
	}

	ec := exitCode
	rs := &store.RuntimeState{
		AppID:           lh.AppID,
		ExecutionID:     lh.ExecutionID,
		CurrentState:    store.StateError,
		ContainerHandle: lh.ContainerHandle,
		ExitCode:        &ec,
		LastHeartbeat:   ts.UnixMilli(),
	}
	if err := c.st.UpsertRuntimeState(ctx, rs); err != nil {
		log.Printf("lifecycle: persist crash for %s: %v", lh.AppID, err)
	}
	lh.setState(store.StateError)
	lh.setError(fmt.Sprintf("sandbox exited with code %d", exitCode))

	if c.cfg.BrokerEnabled && c.sg != nil {
		if sess := lh.getSignalSession(); sess != "" {
			if err := c.sg.CloseSession(ctx, sess); err != nil {
				log.Printf("lifecycle: %s: close signal session after crash: %v", lh.AppID, err)
			}
		}
	}

	c.dropLive(lh.AppID)
	log.Printf("lifecycle: %s crashed (exit_code=%d)", lh.AppID, exitCode)
}

func (c *Core) dropLive(appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if execID, ok := c.appIdx[appID]; ok {
		delete(c.handles, execID)
		delete(c.appIdx, appID)
	}
}

func (c *Core) liveFor(appID string) (*LiveHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	execID, ok := c.appIdx[appID]
	if !ok {
		return nil, false
	}
	h, ok := c.handles[execID]
	return h, ok
}

func (c *Core) putLive(lh *LiveHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[lh.ExecutionID] = lh
	c.appIdx[lh.AppID] = lh.ExecutionID
}

func (c *Core) liveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}

// LiveCount reports the number of applications currently holding a Live
// Handle, used by the control plane's health endpoint and metrics.
func (c *Core) LiveCount() int {
	return c.liveCount()
}

// Install canonicalizes the app_id, fills default resource limits, and
// writes the Application Record, optionally starting it immediately. The
// record is not otherwise validated.
func (c *Core) Install(ctx context.Context, app *store.Application, autoStart bool) (*StatusResult, error) {
	app.AppID = c.ids.Canonicalize(app.AppID)
	unlock := c.locks.lock(app.AppID)
	defer unlock()

	if app.CreatedAt == 0 {
		app.CreatedAt = time.Now().UnixMilli()
	}
	if app.ResourceLimits.MemoryBytes == 0 {
		app.ResourceLimits.MemoryBytes = c.cfg.DefaultMemoryBytes
	}
	if app.ResourceLimits.CPUShare == 0 {
		app.ResourceLimits.CPUShare = c.cfg.DefaultCPUShare
	}
	app.DesiredState = store.DesiredStopped

	c.emit(ProgressEvent{AppID: app.AppID, Stage: StagePreparing})

	total := len(app.DeclaredDependencies)
	for i, dep := range app.DeclaredDependencies {
		c.emit(ProgressEvent{AppID: app.AppID, Stage: StageInstallingDependency, Name: dep, Current: i + 1, Total: total})
	}
	if total > 0 {
		c.emit(ProgressEvent{AppID: app.AppID, Stage: StageInstallingDependencies, Current: total, Total: total})
	}

	if err := c.st.UpsertApplication(ctx, app); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist application record", err)
	}

	if !autoStart {
		return &StatusResult{AppID: app.AppID, Name: app.Name, Kind: app.Kind, State: store.StateInstalled, DesiredState: store.DesiredStopped, Status: StatusSuccess}, nil
	}
	return c.startLocked(ctx, app)
}

// Start transitions an installed, stopped, or errored application to
// running. Calling Start on an already-running application is idempotent
// and returns status already_running.
func (c *Core) Start(ctx context.Context, appID string) (*StatusResult, error) {
	canonical, err := c.ids.Resolve(appID)
	if err != nil {
		return nil, err
	}
	unlock := c.locks.lock(canonical)
	defer unlock()

	app, err := c.st.GetApplication(ctx, canonical)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load application record", err)
	}
	if app == nil {
		return nil, apperr.Newf(apperr.NotFound, "application not found: %s", c.ids.Strip(appID))
	}
	return c.startLocked(ctx, app)
}

// startLocked assumes the caller already holds the per-app_id lock.
func (c *Core) startLocked(ctx context.Context, app *store.Application) (*StatusResult, error) {
	rs, err := c.st.GetRuntimeState(ctx, app.AppID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load runtime state", err)
	}
	if rs != nil {
		switch rs.CurrentState {
		case store.StateRunning:
			return &StatusResult{AppID: app.AppID, ExecutionID: rs.ExecutionID, Name: app.Name, Kind: app.Kind, State: store.StateRunning, DesiredState: store.DesiredRunning, Status: StatusAlreadyRunning}, nil
		case store.StatePaused:
			return nil, apperr.Newf(apperr.InvalidTransition, "%s is paused; use resume, not start", c.ids.Strip(app.AppID))
		}
	}

	if c.liveCount() >= c.cfg.MaxLiveApps {
		if _, already := c.liveFor(app.AppID); !already {
			return nil, apperr.Newf(apperr.ResourceDenied, "max_live_apps limit (%d) reached", c.cfg.MaxLiveApps).
				WithSuggestions("stop another running application before starting this one")
		}
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestDeadline)
	defer cancel()

	execID := identity.MintExecutionID()
	limits := sandbox.Limits{CPUShare: app.ResourceLimits.CPUShare, MemoryBytes: app.ResourceLimits.MemoryBytes}
	log.Printf("lifecycle: starting %s (memory=%s cpu_share=%.2f)", app.AppID, humanize.IBytes(uint64(limits.MemoryBytes)), limits.CPUShare)

	handle, err := c.sd.Create(deadlineCtx, app.AppID, string(app.Artifact), limits)
	if err != nil {
		return nil, apperr.Wrap(apperr.DriverError, "create sandbox", err)
	}

	if err := c.sd.Start(deadlineCtx, handle); err != nil {
		c.sd.Remove(context.Background(), handle)
		rs := &store.RuntimeState{AppID: app.AppID, ExecutionID: execID, CurrentState: store.StateError, ContainerHandle: handle, LastHeartbeat: time.Now().UnixMilli()}
		c.st.UpsertRuntimeState(ctx, rs)
		return nil, apperr.Wrap(apperr.DriverError, "start sandbox", err)
	}

	var sessionID, warning string
	if c.cfg.BrokerEnabled && c.sg != nil {
		sid, sgErr := c.sg.OpenSession(deadlineCtx, app.AppID)
		if sgErr != nil {
			warning = fmt.Sprintf("signal session not opened: %v", sgErr)
			log.Printf("lifecycle: %s: %s", app.AppID, warning)
		} else {
			sessionID = sid
		}
	}

	c.emit(ProgressEvent{AppID: app.AppID, Stage: StageStartingApplication})

	newRS := &store.RuntimeState{
		AppID: app.AppID, ExecutionID: execID, CurrentState: store.StateRunning,
		ContainerHandle: handle, LastHeartbeat: time.Now().UnixMilli(),
	}
	if err := c.st.UpsertRuntimeState(ctx, newRS); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist runtime state", err)
	}

	app.DesiredState = store.DesiredRunning
	app.LastStartAt = time.Now().UnixMilli()
	if err := c.st.UpsertApplication(ctx, app); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist application record", err)
	}

	lh := &LiveHandle{
		AppID: app.AppID, ExecutionID: execID, Name: app.Name, Kind: app.Kind,
		ContainerHandle: handle, DataPath: app.DataPath,
	}
	lh.setState(store.StateRunning)
	lh.setSignalSession(sessionID)
	c.putLive(lh)

	return &StatusResult{AppID: app.AppID, ExecutionID: execID, Name: app.Name, Kind: app.Kind, State: store.StateRunning, DesiredState: store.DesiredRunning, Status: StatusSuccess, Warning: warning}, nil
}

// Pause suspends a running application in place.
func (c *Core) Pause(ctx context.Context, appID string) (*StatusResult, error) {
	canonical, err := c.ids.Resolve(appID)
	if err != nil {
		return nil, err
	}
	unlock := c.locks.lock(canonical)
	defer unlock()

	lh, ok := c.liveFor(canonical)
	if !ok || lh.getState() != store.StateRunning {
		return nil, apperr.Newf(apperr.InvalidTransition, "%s is not running", c.ids.Strip(appID))
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestDeadline)
	defer cancel()
	if err := c.sd.Pause(deadlineCtx, lh.ContainerHandle); err != nil {
		return nil, apperr.Wrap(apperr.DriverError, "pause sandbox", err)
	}

	lh.setState(store.StatePaused)
	rs, _ := c.st.GetRuntimeState(ctx, canonical)
	if rs != nil {
		rs.CurrentState = store.StatePaused
		c.st.UpsertRuntimeState(ctx, rs)
	}
	return &StatusResult{AppID: canonical, ExecutionID: lh.ExecutionID, Name: lh.Name, Kind: lh.Kind, State: store.StatePaused, DesiredState: store.DesiredRunning, Status: StatusSuccess}, nil
}

// Resume un-suspends a paused application. The signal gateway session
// opened at start is retained across a pause, so resume does not reopen it.
func (c *Core) Resume(ctx context.Context, appID string) (*StatusResult, error) {
	canonical, err := c.ids.Resolve(appID)
	if err != nil {
		return nil, err
	}
	unlock := c.locks.lock(canonical)
	defer unlock()

	lh, ok := c.liveFor(canonical)
	if !ok || lh.getState() != store.StatePaused {
		return nil, apperr.Newf(apperr.InvalidTransition, "%s is not paused", c.ids.Strip(appID))
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestDeadline)
	defer cancel()
	if err := c.sd.Resume(deadlineCtx, lh.ContainerHandle); err != nil {
		return nil, apperr.Wrap(apperr.DriverError, "resume sandbox", err)
	}

	lh.setState(store.StateRunning)
	rs, _ := c.st.GetRuntimeState(ctx, canonical)
	if rs != nil {
		rs.CurrentState = store.StateRunning
		c.st.UpsertRuntimeState(ctx, rs)
	}
	return &StatusResult{AppID: canonical, ExecutionID: lh.ExecutionID, Name: lh.Name, Kind: lh.Kind, State: store.StateRunning, DesiredState: store.DesiredRunning, Status: StatusSuccess}, nil
}

// Stop tears down a running or paused application's sandbox, making up to
// three attempts with linear backoff (1 s, then 2 s) before giving up and
// marking it error.
func (c *Core) Stop(ctx context.Context, appID string) (*StatusResult, error) {
	canonical, err := c.ids.Resolve(appID)
	if err != nil {
		return nil, err
	}
	unlock := c.locks.lock(canonical)
	defer unlock()
	return c.stopLocked(ctx, canonical)
}

func (c *Core) stopLocked(ctx context.Context, canonical string) (*StatusResult, error) {
	lh, ok := c.liveFor(canonical)
	if !ok {
		return &StatusResult{AppID: canonical, State: store.StateStopped, DesiredState: store.DesiredStopped, Status: StatusAlreadyStopped}, nil
	}
	if s := lh.getState(); s != store.StateRunning && s != store.StatePaused {
		return &StatusResult{AppID: canonical, State: s, DesiredState: store.DesiredStopped, Status: StatusAlreadyStopped}, nil
	}

	var exitCode *int
	var stopErr error
	for attempt := 0; attempt < 3; attempt++ {
		deadlineCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestDeadline)
		exitCode, stopErr = c.sd.Stop(deadlineCtx, lh.ContainerHandle, int(c.cfg.StopGrace.Milliseconds()))
		cancel()
		if stopErr == nil {
			break
		}
		if attempt < 2 {
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}
	}
	if stopErr != nil {
		lh.setState(store.StateError)
		lh.setError(fmt.Sprintf("stop failed after 3 attempts: %v", stopErr))
		rs, _ := c.st.GetRuntimeState(ctx, canonical)
		if rs != nil {
			rs.CurrentState = store.StateError
			c.st.UpsertRuntimeState(ctx, rs)
		}
		return nil, apperr.Wrap(apperr.DriverError, "stop sandbox after 3 attempts", stopErr)
	}

	if c.cfg.BrokerEnabled && c.sg != nil {
		if sess := lh.getSignalSession(); sess != "" {
			if err := c.sg.CloseSession(ctx, sess); err != nil {
				log.Printf("lifecycle: %s: close signal session: %v", canonical, err)
			}
		}
	}

	rs := &store.RuntimeState{AppID: canonical, ExecutionID: lh.ExecutionID, CurrentState: store.StateStopped, ContainerHandle: lh.ContainerHandle, ExitCode: exitCode, LastHeartbeat: time.Now().UnixMilli()}
	c.st.UpsertRuntimeState(ctx, rs)

	if app, _ := c.st.GetApplication(ctx, canonical); app != nil {
		app.DesiredState = store.DesiredStopped
		c.st.UpsertApplication(ctx, app)
	}

	c.dropLive(canonical)
	return &StatusResult{AppID: canonical, ExecutionID: lh.ExecutionID, State: store.StateStopped, DesiredState: store.DesiredStopped, Status: StatusSuccess, ExitCode: exitCode}, nil
}

// Remove stops (if live) and permanently deletes an application's records.
func (c *Core) Remove(ctx context.Context, appID string) (*StatusResult, error) {
	canonical, err := c.ids.Resolve(appID)
	if err != nil {
		return nil, err
	}
	unlock := c.locks.lock(canonical)
	defer unlock()

	if lh, ok := c.liveFor(canonical); ok && (lh.getState() == store.StateRunning || lh.getState() == store.StatePaused) {
		if _, err := c.stopLocked(ctx, canonical); err != nil {
			log.Printf("lifecycle: remove %s: stop failed, continuing: %v", canonical, err)
		}
	}

	rs, _ := c.st.GetRuntimeState(ctx, canonical)
	if rs != nil && rs.ContainerHandle != "" {
		c.sd.Remove(ctx, rs.ContainerHandle)
	}
	c.st.ClearRuntimeState(ctx, canonical)
	c.st.DeleteApplication(ctx, canonical)
	c.dropLive(canonical)

	return &StatusResult{AppID: canonical, State: store.StateRemoved, DesiredState: store.DesiredRemoved, Status: StatusSuccess}, nil
}

// GetStatus returns the composite view of one application.
func (c *Core) GetStatus(ctx context.Context, appID string) (*StatusResult, error) {
	canonical, err := c.ids.Resolve(appID)
	if err != nil {
		return nil, err
	}
	app, err := c.st.GetApplication(ctx, canonical)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load application record", err)
	}
	if app == nil {
		return nil, apperr.Newf(apperr.NotFound, "application not found: %s", c.ids.Strip(appID))
	}
	rs, _ := c.st.GetRuntimeState(ctx, canonical)

	res := &StatusResult{AppID: canonical, Name: app.Name, Kind: app.Kind, DesiredState: app.DesiredState, State: store.StateInstalled, Status: StatusSuccess}
	if rs != nil {
		res.ExecutionID = rs.ExecutionID
		res.State = rs.CurrentState
		res.ExitCode = rs.ExitCode
	}
	if lh, ok := c.liveFor(canonical); ok {
		res.ErrorMessage = lh.errorMessage
	}
	return res, nil
}

// List returns the composite view of every application matching filter.
func (c *Core) List(ctx context.Context, filter store.ListFilter) ([]*StatusResult, error) {
	apps, err := c.st.ListApplications(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list applications", err)
	}
	out := make([]*StatusResult, 0, len(apps))
	for _, app := range apps {
		rs, _ := c.st.GetRuntimeState(ctx, app.AppID)
		res := &StatusResult{AppID: app.AppID, Name: app.Name, Kind: app.Kind, DesiredState: app.DesiredState, State: store.StateInstalled, Status: StatusSuccess}
		if rs != nil {
			res.ExecutionID = rs.ExecutionID
			res.State = rs.CurrentState
			res.ExitCode = rs.ExitCode
		}
		out = append(out, res)
	}
	return out, nil
}

// AttachConsole subscribes to the combined stdout/stderr stream of a live
// application's sandbox. The history it returns is the Live Handle's replay
// buffer; lines read from the stream are not added to that buffer, so the
// history is empty.
func (c *Core) AttachConsole(ctx context.Context, appID string) ([]string, <-chan sandbox.LogLine, func(), error) {
	canonical, err := c.ids.Resolve(appID)
	if err != nil {
		return nil, nil, nil, err
	}
	lh, ok := c.liveFor(canonical)
	if !ok {
		return nil, nil, nil, apperr.Newf(apperr.InvalidTransition, "%s is not running", c.ids.Strip(appID))
	}
	ch, detach, err := c.sd.AttachLogs(ctx, lh.ContainerHandle)
	if err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.DriverError, "attach console", err)
	}
	return lh.getLogs(), ch, detach, nil
}

// AttachConsoleByExecution is AttachConsole keyed directly by execution_id,
// used by console_subscribe which addresses a specific run rather than
// whatever the app_id currently resolves to.
func (c *Core) AttachConsoleByExecution(ctx context.Context, executionID string) ([]string, <-chan sandbox.LogLine, func(), error) {
	c.mu.RLock()
	lh, ok := c.handles[executionID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, nil, apperr.Newf(apperr.NotFound, "no live execution: %s", executionID)
	}
	ch, detach, err := c.sd.AttachLogs(ctx, lh.ContainerHandle)
	if err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.DriverError, "attach console", err)
	}
	return lh.getLogs(), ch, detach, nil
}

// RestartAll stops then starts every application whose desired state is
// running, used after a supervisor upgrade or an operator-requested bulk
// restart. includeErrored also restarts applications currently in error.
func (c *Core) RestartAll(ctx context.Context, includeErrored bool) (restarted, skipped int) {
	apps, err := c.st.ListApplications(ctx, store.ListFilter{})
	if err != nil {
		log.Printf("lifecycle: RestartAll: list applications: %v", err)
		return 0, 0
	}

	const maxConcurrent = 4
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, app := range apps {
		if app.DesiredState != store.DesiredRunning {
			continue
		}
		rs, _ := c.st.GetRuntimeState(ctx, app.AppID)
		if rs != nil && rs.CurrentState == store.StateError && !includeErrored {
			mu.Lock()
			skipped++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(appID string) {
			defer wg.Done()
			defer func() { <-sem }()

			unlock := c.locks.lock(appID)
			c.stopLocked(ctx, appID)
			unlock()

			if _, err := c.Start(ctx, appID); err != nil {
				log.Printf("lifecycle: RestartAll: start %s: %v", appID, err)
				mu.Lock()
				skipped++
				mu.Unlock()
				return
			}
			mu.Lock()
			restarted++
			mu.Unlock()
		}(app.AppID)
	}
	wg.Wait()
	return restarted, skipped
}
