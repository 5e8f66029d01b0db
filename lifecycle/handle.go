package lifecycle

import (
	"sync"
	"time"

	"github.com/tri2510/vehicle-edge-runtime-sub001/store"
)

// maxHotLogs bounds the in-memory replay buffer kept on a Live Handle, which
// console_subscribe returns as history before new lines arrive. Nothing in
// the core calls addLog, so the buffer stays empty. The durable tail lives
// in the store; this is a cache, not a source of truth.
const maxHotLogs = 200

// LiveHandle is the in-memory hot-cache entry for one running or paused
// execution, keyed by execution_id in Core.handles.
type LiveHandle struct {
	AppID           string
	ExecutionID     string
	Name            string
	Kind            store.Kind
	ContainerHandle string
	DataPath        string

	mu              sync.Mutex
	state           store.RuntimeLifecycleState
	signalSessionID string
	errorMessage    string
	startedAt       time.Time
	logs            []string
}

func (h *LiveHandle) setState(s store.RuntimeLifecycleState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *LiveHandle) getState() store.RuntimeLifecycleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *LiveHandle) setSignalSession(id string) {
	h.mu.Lock()
	h.signalSessionID = id
	h.mu.Unlock()
}

func (h *LiveHandle) getSignalSession() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signalSessionID
}

func (h *LiveHandle) setError(msg string) {
	h.mu.Lock()
	h.errorMessage = msg
	h.mu.Unlock()
}

func (h *LiveHandle) addLog(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.logs) >= maxHotLogs {
		h.logs = h.logs[1:]
	}
	h.logs = append(h.logs, line)
}

func (h *LiveHandle) getLogs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.logs))
	copy(out, h.logs)
	return out
}

// lockRegistry hands out one *sync.Mutex per key, creating it on first use.
// Entries are never removed — the key space is bounded by the number of
// distinct app_ids the supervisor has ever seen, which is small enough that
// this never needs pruning.
type lockRegistry struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{m: make(map[string]*sync.Mutex)}
}

// lock acquires the per-key mutex and returns a function that releases it.
func (r *lockRegistry) lock(key string) func() {
	r.mu.Lock()
	l, ok := r.m[key]
	if !ok {
		l = &sync.Mutex{}
		r.m[key] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}
