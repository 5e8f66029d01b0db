package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/tri2510/vehicle-edge-runtime-sub001/apperr"
	"github.com/tri2510/vehicle-edge-runtime-sub001/sandbox"
	"github.com/tri2510/vehicle-edge-runtime-sub001/store"
)

// fakeSandbox is an in-memory stand-in for the sandbox engine, implementing
// sandboxDriver without any network transport.
type fakeSandbox struct {
	mu       sync.Mutex
	seq      int
	state    map[string]*sandbox.Result
	createAt map[string]string // handle -> app_id, for List

	createErr error
	startErr  error
	stopErr   error
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{state: make(map[string]*sandbox.Result), createAt: make(map[string]string)}
}

func (f *fakeSandbox) Create(ctx context.Context, appID, artifactRef string, limits sandbox.Limits) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	handle := fmt.Sprintf("sb-%d", f.seq)
	f.state[handle] = &sandbox.Result{Handle: handle, State: sandbox.StateCreated}
	f.createAt[handle] = appID
	return handle, nil
}

func (f *fakeSandbox) Start(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if r, ok := f.state[handle]; ok {
		r.State = sandbox.StateRunning
	}
	return nil
}

func (f *fakeSandbox) Stop(ctx context.Context, handle string, graceMs int) (*int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	zero := 0
	if r, ok := f.state[handle]; ok {
		r.State = sandbox.StateExited
		r.ExitCode = &zero
	}
	return &zero, nil
}

func (f *fakeSandbox) Pause(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.state[handle]; ok {
		r.State = sandbox.StatePaused
	}
	return nil
}

func (f *fakeSandbox) Resume(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.state[handle]; ok {
		r.State = sandbox.StateRunning
	}
	return nil
}

func (f *fakeSandbox) Remove(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state, handle)
	delete(f.createAt, handle)
	return nil
}

func (f *fakeSandbox) Inspect(ctx context.Context, handle string) (*sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.state[handle]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no such sandbox")
	}
	cp := *r
	return &cp, nil
}

func (f *fakeSandbox) List(ctx context.Context) ([]sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.Result, 0, len(f.state))
	for _, r := range f.state {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeSandbox) AttachLogs(ctx context.Context, handle string) (<-chan sandbox.LogLine, func(), error) {
	ch := make(chan sandbox.LogLine)
	return ch, func() { close(ch) }, nil
}

// fakeSignalGW is an in-memory stand-in for the broker client.
type fakeSignalGW struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]bool
	openErr  error
}

func newFakeSignalGW() *fakeSignalGW {
	return &fakeSignalGW{sessions: make(map[string]bool)}
}

func (g *fakeSignalGW) OpenSession(ctx context.Context, appID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return "", g.openErr
	}
	g.seq++
	id := fmt.Sprintf("sess-%d", g.seq)
	g.sessions[id] = true
	return id, nil
}

func (g *fakeSignalGW) CloseSession(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
	return nil
}

// fakeStore is an in-memory stand-in for store.Store.
type fakeStore struct {
	mu   sync.Mutex
	apps map[string]*store.Application
	rs   map[string]*store.RuntimeState
}

func newFakeStore() *fakeStore {
	return &fakeStore{apps: make(map[string]*store.Application), rs: make(map[string]*store.RuntimeState)}
}

func (s *fakeStore) UpsertApplication(ctx context.Context, app *store.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *app
	s.apps[app.AppID] = &cp
	return nil
}

func (s *fakeStore) DeleteApplication(ctx context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apps, appID)
	return nil
}

func (s *fakeStore) GetApplication(ctx context.Context, appID string) (*store.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[appID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ListApplications(ctx context.Context, filter store.ListFilter) ([]*store.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Application
	for _, a := range s.apps {
		if filter.DesiredState != "" && a.DesiredState != filter.DesiredState {
			continue
		}
		if filter.Kind != "" && a.Kind != filter.Kind {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) HasApplication(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.apps[appID]
	return ok
}

func (s *fakeStore) UpsertRuntimeState(ctx context.Context, rs *store.RuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rs
	s.rs[rs.AppID] = &cp
	return nil
}

func (s *fakeStore) ClearRuntimeState(ctx context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rs, appID)
	return nil
}

func (s *fakeStore) GetRuntimeState(ctx context.Context, appID string) (*store.RuntimeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rs[appID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) AppendLog(ctx context.Context, rec store.LogRecord) error { return nil }
func (s *fakeStore) TailLogs(ctx context.Context, appID string, n int) ([]store.LogRecord, error) {
	return nil, nil
}
func (s *fakeStore) GetConfig(ctx context.Context) (map[string]any, error) { return nil, nil }
func (s *fakeStore) SetConfig(ctx context.Context, data map[string]any) error { return nil }
func (s *fakeStore) Close() error                                             { return nil }
