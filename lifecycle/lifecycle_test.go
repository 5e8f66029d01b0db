package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tri2510/vehicle-edge-runtime-sub001/apperr"
	"github.com/tri2510/vehicle-edge-runtime-sub001/identity"
	"github.com/tri2510/vehicle-edge-runtime-sub001/store"
)

func newTestCore(t *testing.T, st *fakeStore, sd *fakeSandbox, sg *fakeSignalGW) *Core {
	t.Helper()
	ids := identity.New("VEA-", st)
	cfg := Config{MaxLiveApps: 5, BrokerEnabled: sg != nil, RequestDeadline: 2 * time.Second, StopGrace: time.Second}
	return New(cfg, st, sd, sg, ids)
}

func TestFullLifecycle(t *testing.T) {
	st := newFakeStore()
	sd := newFakeSandbox()
	sg := newFakeSignalGW()
	core := newTestCore(t, st, sd, sg)
	ctx := context.Background()

	app := &store.Application{AppID: "dashcam", Name: "Dashcam", Kind: store.KindContainer}
	res, err := core.Install(ctx, app, true)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if res.State != store.StateRunning {
		t.Fatalf("Install(autoStart): state = %s, want running", res.State)
	}

	if res, err := core.Pause(ctx, "dashcam"); err != nil || res.State != store.StatePaused {
		t.Fatalf("Pause: %v, %+v", err, res)
	}
	if res, err := core.Resume(ctx, "dashcam"); err != nil || res.State != store.StateRunning {
		t.Fatalf("Resume: %v, %+v", err, res)
	}
	if res, err := core.Stop(ctx, "dashcam"); err != nil || res.State != store.StateStopped {
		t.Fatalf("Stop: %v, %+v", err, res)
	}
	if res, err := core.Remove(ctx, "dashcam"); err != nil || res.State != store.StateRemoved {
		t.Fatalf("Remove: %v, %+v", err, res)
	}
	if _, err := core.GetStatus(ctx, "dashcam"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("GetStatus after remove: got %v, want not_found", err)
	}
}

func TestStartNonExistentApp(t *testing.T) {
	core := newTestCore(t, newFakeStore(), newFakeSandbox(), newFakeSignalGW())
	_, err := core.Start(context.Background(), "ghost")
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("Start(ghost): got %v, want not_found", err)
	}
}

func TestRestartRecoveryRebuildsLiveHandle(t *testing.T) {
	st := newFakeStore()
	sd := newFakeSandbox()
	sg := newFakeSignalGW()
	ctx := context.Background()

	core1 := newTestCore(t, st, sd, sg)
	app := &store.Application{AppID: "dashcam", Name: "Dashcam", Kind: store.KindContainer}
	if _, err := core1.Install(ctx, app, true); err != nil {
		t.Fatalf("Install: %v", err)
	}

	// Simulate a supervisor restart: a fresh Core over the same store and
	// the same (still-running) sandbox engine should rebuild its Live
	// Handle during startup reconciliation rather than losing track of it.
	core2 := newTestCore(t, st, sd, sg)
	if err := core2.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	status, err := core2.GetStatus(ctx, "dashcam")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.State != store.StateRunning {
		t.Fatalf("GetStatus after recovery: state = %s, want running", status.State)
	}
	if _, err := core2.Pause(ctx, "dashcam"); err != nil {
		t.Fatalf("Pause after recovery: %v (live handle was not actually rebuilt)", err)
	}
}

func TestRapidParallelPauseResume(t *testing.T) {
	st := newFakeStore()
	sd := newFakeSandbox()
	sg := newFakeSignalGW()
	core := newTestCore(t, st, sd, sg)
	ctx := context.Background()

	app := &store.Application{AppID: "dashcam", Name: "Dashcam", Kind: store.KindContainer}
	if _, err := core.Install(ctx, app, true); err != nil {
		t.Fatalf("Install: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); core.Pause(ctx, "dashcam") }()
		go func() { defer wg.Done(); core.Resume(ctx, "dashcam") }()
	}
	wg.Wait()

	status, err := core.GetStatus(ctx, "dashcam")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.State != store.StateRunning && status.State != store.StatePaused {
		t.Fatalf("GetStatus after parallel pause/resume: state = %s, want running or paused", status.State)
	}
}

func TestCrashObservation(t *testing.T) {
	st := newFakeStore()
	sd := newFakeSandbox()
	sg := newFakeSignalGW()
	core := newTestCore(t, st, sd, sg)
	ctx := context.Background()

	app := &store.Application{AppID: "dashcam", Name: "Dashcam", Kind: store.KindContainer}
	res, err := core.Install(ctx, app, true)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	core.OnSandboxExited(res.ExecutionID, 0, time.Now()) // wrong handle, should no-op
	lh, _ := core.liveFor("VEA-dashcam")
	sd.mu.Lock()
	handle := ""
	for h, a := range sd.createAt {
		if a == "VEA-dashcam" {
			handle = h
		}
	}
	sd.mu.Unlock()

	core.OnSandboxExited(handle, 137, time.Now())

	if lh.getState() != store.StateError {
		t.Fatalf("live handle state after crash = %s, want error", lh.getState())
	}

	status, err := core.GetStatus(ctx, "dashcam")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.State != store.StateError {
		t.Fatalf("GetStatus after crash: state = %s, want error", status.State)
	}
	if status.ExitCode == nil || *status.ExitCode != 137 {
		t.Fatalf("GetStatus after crash: exit code = %v, want 137", status.ExitCode)
	}
}

func TestMaxLiveAppsEnforced(t *testing.T) {
	st := newFakeStore()
	sd := newFakeSandbox()
	sg := newFakeSignalGW()
	ids := identity.New("VEA-", st)
	core := New(Config{MaxLiveApps: 1, BrokerEnabled: true, RequestDeadline: 2 * time.Second, StopGrace: time.Second}, st, sd, sg, ids)
	ctx := context.Background()

	if _, err := core.Install(ctx, &store.Application{AppID: "a", Kind: store.KindContainer}, true); err != nil {
		t.Fatalf("Install a: %v", err)
	}
	_, err := core.Install(ctx, &store.Application{AppID: "b", Kind: store.KindContainer}, true)
	if !apperr.Is(err, apperr.ResourceDenied) {
		t.Fatalf("Install b over max_live_apps: got %v, want resource_denied", err)
	}
}
