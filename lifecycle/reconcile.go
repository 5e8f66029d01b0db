package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/tri2510/vehicle-edge-runtime-sub001/sandbox"
	"github.com/tri2510/vehicle-edge-runtime-sub001/store"
)

// observed is the sandbox engine's reported condition, collapsed to the
// four buckets the reconciler's decision table distinguishes.
type observed string

const (
	obsRunning observed = "running"
	obsPaused  observed = "paused"
	obsExited  observed = "exited"
	obsMissing observed = "missing"
)

// reconcile runs one full pass: for every Application Record, compare
// desired_state against what the sandbox driver actually reports and bring
// the two back into agreement. It runs at startup, on a timer, and again on
// every sandbox driver reconnect.
func (c *Core) reconcile(ctx context.Context) error {
	apps, err := c.st.ListApplications(ctx, store.ListFilter{})
	if err != nil {
		return err
	}
	for _, app := range apps {
		c.reconcileOne(ctx, app)
	}
	return nil
}

func (c *Core) reconcileOne(ctx context.Context, app *store.Application) {
	unlock := c.locks.lock(app.AppID)
	defer unlock()

	rs, err := c.st.GetRuntimeState(ctx, app.AppID)
	if err != nil {
		log.Printf("lifecycle: reconcile %s: load runtime state: %v", app.AppID, err)
		return
	}

	var obs observed
	var res *sandbox.Result
	if rs != nil && rs.ContainerHandle != "" {
		res, err = c.sd.Inspect(ctx, rs.ContainerHandle)
		if err != nil {
			obs = obsMissing
		} else {
			switch res.State {
			case sandbox.StateRunning:
				obs = obsRunning
			case sandbox.StatePaused:
				obs = obsPaused
			case sandbox.StateExited:
				obs = obsExited
			default:
				obs = obsMissing
			}
		}
	} else {
		obs = obsMissing
	}

	switch {
	case app.DesiredState == store.DesiredRemoved:
		c.reconcileRemoved(ctx, app, rs)

	case app.DesiredState == store.DesiredRunning && obs == obsRunning:
		if _, live := c.liveFor(app.AppID); !live {
			c.rebuildLiveHandle(ctx, app, rs, store.StateRunning)
		}

	case app.DesiredState == store.DesiredRunning && obs == obsPaused:
		// Explicit user state: leave paused, but still make sure a Live
		// Handle exists so pause/resume keep working after a restart.
		if _, live := c.liveFor(app.AppID); !live {
			c.rebuildLiveHandle(ctx, app, rs, store.StatePaused)
		}

	case app.DesiredState == store.DesiredRunning && obs == obsExited:
		rs.CurrentState = store.StateError
		if res != nil {
			rs.ExitCode = res.ExitCode
		}
		c.st.UpsertRuntimeState(ctx, rs)
		c.dropLive(app.AppID)

	case app.DesiredState == store.DesiredRunning && obs == obsMissing:
		if rs != nil {
			rs.CurrentState = store.StateStopped
			rs.ContainerHandle = ""
			c.st.UpsertRuntimeState(ctx, rs)
		}
		c.dropLive(app.AppID)

	case app.DesiredState == store.DesiredStopped && (obs == obsRunning || obs == obsPaused):
		c.sd.Stop(ctx, rs.ContainerHandle, int(c.cfg.StopGrace.Milliseconds()))
		rs.CurrentState = store.StateStopped
		c.st.UpsertRuntimeState(ctx, rs)
		c.dropLive(app.AppID)

	case app.DesiredState == store.DesiredStopped && (obs == obsExited || obs == obsMissing):
		if rs != nil {
			c.st.ClearRuntimeState(ctx, app.AppID)
		}
		c.dropLive(app.AppID)
	}
}

func (c *Core) reconcileRemoved(ctx context.Context, app *store.Application, rs *store.RuntimeState) {
	if rs != nil && rs.ContainerHandle != "" {
		c.sd.Stop(ctx, rs.ContainerHandle, int(c.cfg.StopGrace.Milliseconds()))
		c.sd.Remove(ctx, rs.ContainerHandle)
	}
	c.st.ClearRuntimeState(ctx, app.AppID)
	c.st.DeleteApplication(ctx, app.AppID)
	c.dropLive(app.AppID)
}

// rebuildLiveHandle restores the in-memory Live Handle for an application
// the reconciler found genuinely live on the engine side but missing from
// the map — the case after a supervisor restart. It re-opens the signal
// gateway session using persisted metadata; the sandbox log stream itself
// is opened lazily by AttachConsole, not eagerly here.
func (c *Core) rebuildLiveHandle(ctx context.Context, app *store.Application, rs *store.RuntimeState, state store.RuntimeLifecycleState) {
	var sessionID string
	if c.cfg.BrokerEnabled && c.sg != nil {
		if sid, err := c.sg.OpenSession(ctx, app.AppID); err != nil {
			log.Printf("lifecycle: rebuild %s: reopen signal session: %v", app.AppID, err)
		} else {
			sessionID = sid
		}
	}

	lh := &LiveHandle{
		AppID: app.AppID, ExecutionID: rs.ExecutionID, Name: app.Name, Kind: app.Kind,
		ContainerHandle: rs.ContainerHandle, DataPath: app.DataPath,
	}
	lh.setState(state)
	lh.setSignalSession(sessionID)
	lh.startedAt = time.Now()
	c.putLive(lh)

	log.Printf("lifecycle: rebuilt live handle for %s (execution_id=%s, state=%s)", app.AppID, rs.ExecutionID, state)
}
