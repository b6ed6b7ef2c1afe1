// Package sidecar implements the Reddit proxy core: a watchdog-managed
// MCP child process, the smart-aggregation pipeline over its tools, an
// LRU response cache, and the HTTP surface.
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/shao3d/experts-panel/pkg/version"
)

// Watchdog errors.
var (
	// ErrToolTimeout — the call exceeded the hard timeout; the child was
	// killed and is being respawned.
	ErrToolTimeout = errors.New("mcp tool call timed out")
	// ErrMCPUnstable — the restart budget is exhausted; the child keeps
	// dying and the watchdog refuses to thrash.
	ErrMCPUnstable = errors.New("mcp child process unstable")
	// ErrNotReady — no session and respawn failed.
	ErrNotReady = errors.New("mcp child process not ready")
)

// State of the managed child process.
type State int32

const (
	StateDead State = iota
	StateSpawning
	StateReady
	StateKilling
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateKilling:
		return "killing"
	default:
		return "dead"
	}
}

// Teardown of a dead session gets this long before the watchdog stops
// waiting and moves on to the respawn.
const teardownForceTimeout = 2 * time.Second

// connectTimeout bounds the spawn-and-handshake of a fresh child.
const connectTimeout = 30 * time.Second

// WatchdogConfig configures the child process and its supervision.
type WatchdogConfig struct {
	Command       string
	Args          []string
	Env           map[string]string
	ToolTimeout   time.Duration // hard per-call timeout
	RestartBudget int           // max respawns before ErrMCPUnstable
}

// Watchdog owns exactly one MCP child process and exposes ExecuteTool.
//
// Invariants:
//   - at most one tool call is outstanding at any time (single-flight
//     queue; a correctness requirement of the child, not a throttle)
//   - a call that exceeds ToolTimeout gets the child SIGKILLed and
//     respawned; the call itself fails with ErrToolTimeout
//   - previous session handles are disposed before new ones are created,
//     with teardownForceTimeout bounding the disposal itself
type Watchdog struct {
	cfg    WatchdogConfig
	logger *slog.Logger

	// flight is the single-flight queue: acquired for the whole of one
	// ExecuteTool call including any respawn it triggers.
	flight chan struct{}

	// mu guards session/cmd/state transitions (spawn, kill, close).
	mu      sync.Mutex
	session *mcpsdk.ClientSession
	cmd     *exec.Cmd

	state    atomic.Int32
	restarts atomic.Int32
	closed   atomic.Bool
}

// NewWatchdog creates a watchdog. Call Start to spawn the child.
func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 15 * time.Second
	}
	if cfg.RestartBudget <= 0 {
		cfg.RestartBudget = 10
	}
	return &Watchdog{
		cfg:    cfg,
		logger: slog.Default(),
		flight: make(chan struct{}, 1),
	}
}

// State returns the current child state.
func (w *Watchdog) State() State {
	return State(w.state.Load())
}

// Ready reports whether a tool call can be served without a respawn.
func (w *Watchdog) Ready() bool {
	return w.State() == StateReady
}

// Restarts returns how many respawns have happened.
func (w *Watchdog) Restarts() int {
	return int(w.restarts.Load())
}

// Start spawns the initial child process.
func (w *Watchdog) Start(ctx context.Context) error {
	return w.respawn(ctx, false)
}

// Close kills the child and marks the watchdog unusable.
func (w *Watchdog) Close() {
	w.closed.Store(true)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.teardownLocked()
	w.state.Store(int32(StateDead))
}

// ExecuteTool runs one tool call through the single-flight queue.
func (w *Watchdog) ExecuteTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	select {
	case w.flight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-w.flight }()

	if w.closed.Load() {
		return nil, ErrNotReady
	}

	// Entered while not ready: attempt a respawn before queuing the call.
	if !w.Ready() {
		if err := w.respawn(ctx, true); err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	session := w.session
	w.mu.Unlock()
	if session == nil {
		return nil, ErrNotReady
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ToolTimeout)
	defer cancel()

	type callResult struct {
		res *mcpsdk.CallToolResult
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		res, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
		done <- callResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				w.killAndRespawn()
				return nil, fmt.Errorf("%w: %s", ErrToolTimeout, name)
			}
			// The transport may be broken; a respawn on the next call
			// will sort it out.
			w.state.Store(int32(StateDead))
			return nil, fmt.Errorf("tool %s: %w", name, r.err)
		}
		return decodeToolResult(name, r.res)

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Hard timeout: SIGKILL and respawn; this call fails.
		w.killAndRespawn()
		return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, w.cfg.ToolTimeout)
	}
}

// killAndRespawn SIGKILLs the child and immediately starts a replacement.
// Runs under mu via respawn; safe to call from ExecuteTool (which holds
// the flight slot, so no other call is in progress).
func (w *Watchdog) killAndRespawn() {
	w.logger.Warn("Killing MCP child after timeout", "restarts", w.Restarts())
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := w.respawn(ctx, true); err != nil {
		w.logger.Error("MCP respawn after kill failed", "error", err)
	}
}

// respawn tears down any previous child and spawns a fresh one.
// countRestart distinguishes supervised respawns (counted against the
// budget) from the initial Start.
func (w *Watchdog) respawn(ctx context.Context, countRestart bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return ErrNotReady
	}
	if countRestart {
		if int(w.restarts.Add(1)) > w.cfg.RestartBudget {
			w.state.Store(int32(StateDead))
			return fmt.Errorf("%w: restart budget (%d) exceeded", ErrMCPUnstable, w.cfg.RestartBudget)
		}
	}

	w.state.Store(int32(StateKilling))
	w.teardownLocked()

	w.state.Store(int32(StateSpawning))
	w.logger.Info("Spawning MCP child", "command", w.cfg.Command, "state", w.State().String())

	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	env := os.Environ()
	for k, v := range w.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.Version,
	}, nil)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	session, err := client.Connect(connectCtx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		w.state.Store(int32(StateDead))
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return fmt.Errorf("connect to MCP child: %w", err)
	}

	w.session = session
	w.cmd = cmd
	w.state.Store(int32(StateReady))
	w.logger.Info("MCP child ready", "restarts", w.Restarts())
	return nil
}

// teardownLocked disposes the previous session and process. The session
// close gets teardownForceTimeout; the process is SIGKILLed regardless so
// a wedged child can never outlive its session. Caller holds mu.
func (w *Watchdog) teardownLocked() {
	if w.session != nil {
		session := w.session
		w.session = nil
		closed := make(chan struct{})
		go func() {
			_ = session.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(teardownForceTimeout):
			w.logger.Warn("MCP session close timed out, forcing cleanup")
		}
	}
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
		w.cmd = nil
	}
}

// decodeToolResult extracts the JSON payload from a tool result. Servers
// return either structured content or a JSON document in the first text
// block; both are surfaced as raw JSON for the aggregation layer.
func decodeToolResult(name string, res *mcpsdk.CallToolResult) (json.RawMessage, error) {
	if res.IsError {
		return nil, fmt.Errorf("tool %s reported error: %s", name, textContent(res))
	}
	if res.StructuredContent != nil {
		raw, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("tool %s: marshal structured content: %w", name, err)
		}
		return raw, nil
	}
	text := strings.TrimSpace(textContent(res))
	if text == "" {
		return nil, fmt.Errorf("tool %s returned no content", name)
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("tool %s returned malformed output", name)
	}
	return json.RawMessage(text), nil
}

func textContent(res *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
