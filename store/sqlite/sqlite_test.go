package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tri2510/vehicle-edge-runtime-sub001/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "supervisor.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndGetApplication(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	app := &store.Application{
		AppID:                "VEA-dashcam",
		Name:                 "dashcam",
		Kind:                 store.KindContainer,
		Version:              "1.0.0",
		Artifact:             []byte("image-ref"),
		DeclaredDependencies: []string{"VEA-logging"},
		DeclaredSignals: []store.SignalDeclaration{
			{Path: "Vehicle.Speed", Access: store.AccessRead},
		},
		ResourceLimits: store.ResourceLimits{CPUShare: 0.5, MemoryBytes: 128 << 20},
		DesiredState:   store.DesiredRunning,
		CreatedAt:      1000,
	}
	if err := db.UpsertApplication(ctx, app); err != nil {
		t.Fatalf("UpsertApplication: %v", err)
	}

	got, err := db.GetApplication(ctx, "VEA-dashcam")
	if err != nil {
		t.Fatalf("GetApplication: %v", err)
	}
	if got == nil {
		t.Fatal("GetApplication: want record, got nil")
	}
	if got.Name != "dashcam" || got.DesiredState != store.DesiredRunning {
		t.Errorf("GetApplication: unexpected record %+v", got)
	}
	if len(got.DeclaredSignals) != 1 || got.DeclaredSignals[0].Path != "Vehicle.Speed" {
		t.Errorf("GetApplication: signals not round-tripped: %+v", got.DeclaredSignals)
	}

	if !db.HasApplication("VEA-dashcam") {
		t.Error("HasApplication: want true for existing app")
	}
	if db.HasApplication("VEA-nonexistent") {
		t.Error("HasApplication: want false for missing app")
	}
}

func TestUpsertApplicationOverwrites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	app := &store.Application{AppID: "VEA-a", Name: "a", Kind: store.KindBinary, DesiredState: store.DesiredStopped}
	if err := db.UpsertApplication(ctx, app); err != nil {
		t.Fatalf("UpsertApplication (insert): %v", err)
	}
	app.DesiredState = store.DesiredRunning
	if err := db.UpsertApplication(ctx, app); err != nil {
		t.Fatalf("UpsertApplication (update): %v", err)
	}

	got, err := db.GetApplication(ctx, "VEA-a")
	if err != nil {
		t.Fatalf("GetApplication: %v", err)
	}
	if got.DesiredState != store.DesiredRunning {
		t.Errorf("DesiredState = %s, want running", got.DesiredState)
	}

	apps, err := db.ListApplications(ctx, store.ListFilter{})
	if err != nil {
		t.Fatalf("ListApplications: %v", err)
	}
	if len(apps) != 1 {
		t.Errorf("ListApplications: got %d rows, want 1 (upsert should not duplicate)", len(apps))
	}
}

func TestDeleteApplicationCascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	app := &store.Application{AppID: "VEA-b", Name: "b", Kind: store.KindScript, DesiredState: store.DesiredStopped}
	if err := db.UpsertApplication(ctx, app); err != nil {
		t.Fatalf("UpsertApplication: %v", err)
	}
	if err := db.UpsertRuntimeState(ctx, &store.RuntimeState{AppID: "VEA-b", ExecutionID: "e1", CurrentState: store.StateRunning}); err != nil {
		t.Fatalf("UpsertRuntimeState: %v", err)
	}
	if err := db.AppendLog(ctx, store.LogRecord{AppID: "VEA-b", ExecutionID: "e1", Stream: store.StreamOut, Bytes: []byte("hi")}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	if err := db.DeleteApplication(ctx, "VEA-b"); err != nil {
		t.Fatalf("DeleteApplication: %v", err)
	}

	if got, err := db.GetApplication(ctx, "VEA-b"); err != nil || got != nil {
		t.Errorf("GetApplication after delete: got %+v, err %v", got, err)
	}
	if rs, err := db.GetRuntimeState(ctx, "VEA-b"); err != nil || rs != nil {
		t.Errorf("GetRuntimeState after delete: got %+v, err %v", rs, err)
	}
	logs, err := db.TailLogs(ctx, "VEA-b", 10)
	if err != nil {
		t.Fatalf("TailLogs: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("TailLogs after delete: got %d records, want 0", len(logs))
	}
}

func TestRuntimeStateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertApplication(ctx, &store.Application{AppID: "VEA-c", Name: "c", Kind: store.KindBinary}); err != nil {
		t.Fatalf("UpsertApplication: %v", err)
	}

	rs := &store.RuntimeState{
		AppID:           "VEA-c",
		ExecutionID:     "exec-1",
		CurrentState:    store.StateRunning,
		ContainerHandle: "handle-1",
		LastHeartbeat:   42,
	}
	if err := db.UpsertRuntimeState(ctx, rs); err != nil {
		t.Fatalf("UpsertRuntimeState: %v", err)
	}

	got, err := db.GetRuntimeState(ctx, "VEA-c")
	if err != nil {
		t.Fatalf("GetRuntimeState: %v", err)
	}
	if got.ExecutionID != "exec-1" || got.CurrentState != store.StateRunning {
		t.Errorf("GetRuntimeState: unexpected record %+v", got)
	}

	if err := db.ClearRuntimeState(ctx, "VEA-c"); err != nil {
		t.Fatalf("ClearRuntimeState: %v", err)
	}
	if got, err := db.GetRuntimeState(ctx, "VEA-c"); err != nil || got != nil {
		t.Errorf("GetRuntimeState after clear: got %+v, err %v", got, err)
	}
}

func TestTailLogsOrderAndRetention(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "supervisor.db"), 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	if err := db.UpsertApplication(ctx, &store.Application{AppID: "VEA-d", Name: "d", Kind: store.KindBinary}); err != nil {
		t.Fatalf("UpsertApplication: %v", err)
	}

	for i := 0; i < 5; i++ {
		rec := store.LogRecord{AppID: "VEA-d", ExecutionID: "e1", Stream: store.StreamOut, Offset: int64(i), TS: int64(i), Bytes: []byte{byte('a' + i)}}
		if err := db.AppendLog(ctx, rec); err != nil {
			t.Fatalf("AppendLog %d: %v", i, err)
		}
	}

	recs, err := db.TailLogs(ctx, "VEA-d", 10)
	if err != nil {
		t.Fatalf("TailLogs: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("TailLogs: got %d records, want 3 (retention limit)", len(recs))
	}
	for i, want := range []int64{2, 3, 4} {
		if recs[i].Offset != want {
			t.Errorf("TailLogs[%d].Offset = %d, want %d (chronological order)", i, recs[i].Offset, want)
		}
	}
}

func TestConfigBlobRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if got, err := db.GetConfig(ctx); err != nil || got != nil {
		t.Fatalf("GetConfig before SetConfig: got %+v, err %v", got, err)
	}

	data := map[string]any{"control_port": float64(9000), "log_level": "info"}
	if err := db.SetConfig(ctx, data); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	got, err := db.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got["log_level"] != "info" {
		t.Errorf("GetConfig: log_level = %v, want info", got["log_level"])
	}

	data["log_level"] = "debug"
	if err := db.SetConfig(ctx, data); err != nil {
		t.Fatalf("SetConfig (overwrite): %v", err)
	}
	got, err = db.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got["log_level"] != "debug" {
		t.Errorf("GetConfig after overwrite: log_level = %v, want debug", got["log_level"])
	}
}
