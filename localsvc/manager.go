package localsvc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pagepress/ocrpilot/config"
	"github.com/pagepress/ocrpilot/hardware"
	"github.com/pagepress/ocrpilot/telemetry/logging"
)

// Lifecycle actions surfaced in Status.Action.
const (
	ActionDisabled    = "disabled"
	ActionReused      = "reused"
	ActionStarted     = "started"
	ActionRestarted   = "restarted"
	ActionStartFailed = "start-failed"
	ActionUnavailable = "unavailable"
)

const terminateBudget = 5 * time.Second

// Status is the lifecycle metadata surfaced to diagnostics and provenance
// manifests after every EnsureService call. Field names are a stable contract.
type Status struct {
	Enabled         bool     `json:"enabled"`
	Endpoint        string   `json:"endpoint"`
	Healthy         bool     `json:"healthy"`
	Action          string   `json:"action"`
	Reason          string   `json:"reason,omitempty"`
	Managed         bool     `json:"managed"`
	PID             int      `json:"pid,omitempty"`
	LaunchAttempts  int      `json:"launch_attempts"`
	RestartCount    int      `json:"restart_count"`
	StartupMS       int64    `json:"startup_ms,omitempty"`
	StatusCode      int      `json:"status_code,omitempty"`
	ProbeURL        string   `json:"probe_url,omitempty"`
	Command         []string `json:"command,omitempty"`
	HardwarePath    string   `json:"hardware_path,omitempty"`
	Model           string   `json:"model,omitempty"`
	ServedModelName string   `json:"served_model_name,omitempty"`
}

// Process is the handle for a managed child, alive-checkable without blocking.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// PID returns the child's process id.
func (p *Process) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// SpawnFunc launches the planned command; injectable for tests.
type SpawnFunc func(plan StartPlan) (*Process, error)

func spawnProcess(plan StartPlan) (*Process, error) {
	cmd := exec.Command(plan.Command[0], plan.Command[1:]...)
	// stdout discarded, stderr folded into stdout
	cmd.Stdout = nil
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	proc := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

// Manager owns at most one local inference server child process. The critical
// section covers reap → plan → spawn → ready-wait; probes and status reads run
// lock-free and tolerate stale handles.
type Manager struct {
	mu             sync.Mutex
	process        *Process
	endpoint       string
	launchAttempts int
	restartCount   int

	lastCommand    []string
	lastModel      string
	lastServedName string
	lastHWPath     string

	probe  ProbeFunc
	spawn  SpawnFunc
	logger logging.Logger
}

// NewManager builds a manager with real probing and spawning.
func NewManager(base *slog.Logger) *Manager {
	return &Manager{
		probe:  ProbeHealth,
		spawn:  spawnProcess,
		logger: logging.Component(base, "localsvc"),
	}
}

// WithProbe overrides the health probe. Reserved for tests.
func (m *Manager) WithProbe(probe ProbeFunc) *Manager {
	if probe != nil {
		m.probe = probe
	}
	return m
}

// WithSpawner overrides process spawning. Reserved for tests.
func (m *Manager) WithSpawner(spawn SpawnFunc) *Manager {
	if spawn != nil {
		m.spawn = spawn
	}
	return m
}

// EnsureService probes, reuses, or (re)starts the local OCR server when local
// mode is configured, returning lifecycle metadata either way.
func (m *Manager) EnsureService(ctx context.Context, settings config.Settings, caps hardware.CapabilitySnapshot, preferredHardwarePath string) Status {
	localURL := strings.TrimSpace(settings.OCR.LocalURL)
	if localURL == "" {
		return Status{
			Endpoint: DefaultLocalEndpoint,
			Action:   ActionDisabled,
			Reason:   "local-url-not-configured",
		}
	}

	endpoint, err := NormalizeEndpoint(localURL)
	if err != nil {
		return Status{
			Enabled:  true,
			Endpoint: localURL,
			Action:   ActionUnavailable,
			Reason:   fmt.Sprintf("invalid-local-url:%v", err),
		}
	}

	healthTimeout := time.Duration(maxInt(1, settings.OCR.LocalHealthcheckTimeout)) * time.Second
	probe := m.probe(ctx, endpoint, healthTimeout)
	if probe.Healthy {
		return m.reusedStatus(endpoint, probe)
	}

	if !settings.OCR.LocalAutostart {
		st := m.statusTail(Status{
			Enabled:    true,
			Endpoint:   endpoint,
			Action:     ActionUnavailable,
			Reason:     "autostart-disabled",
			StatusCode: probe.StatusCode,
			ProbeURL:   probe.ProbeURL,
		})
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-checked probe: another caller may have started the server while
	// we waited for the lock.
	probe = m.probe(ctx, endpoint, healthTimeout)
	if probe.Healthy {
		return m.reusedStatusLocked(endpoint, probe)
	}

	if m.process != nil {
		terminate(m.process)
		m.process = nil
		m.endpoint = ""
	}

	plan, err := BuildStartPlan(settings.OCR, endpoint, caps, preferredHardwarePath)
	if err != nil {
		return Status{
			Enabled:        true,
			Endpoint:       endpoint,
			Action:         ActionUnavailable,
			Reason:         fmt.Sprintf("invalid-launch-plan:%v", err),
			LaunchAttempts: m.launchAttempts,
			RestartCount:   m.restartCount,
			StatusCode:     probe.StatusCode,
			ProbeURL:       probe.ProbeURL,
		}
	}
	m.lastCommand = plan.Command
	m.lastHWPath = plan.HardwarePath
	m.lastModel = plan.Model
	m.lastServedName = plan.ServedModelName

	maxAttempts := maxInt(1, settings.OCR.LocalMaxRestarts+1)
	startupTimeout := time.Duration(maxInt(1, settings.OCR.LocalStartupTimeoutS)) * time.Second
	var lastStartupMS int64
	for attempt := 0; attempt < maxAttempts; attempt++ {
		m.launchAttempts++
		started := time.Now()
		proc, err := m.spawn(plan)
		if err != nil {
			m.logger.ErrorCtx(ctx, "local OCR service spawn failed", slog.String("endpoint", plan.Endpoint), slog.Any("error", err))
			return Status{
				Enabled:         true,
				Endpoint:        plan.Endpoint,
				Action:          ActionStartFailed,
				Reason:          "spawn-failed:" + spawnErrorClass(err),
				LaunchAttempts:  m.launchAttempts,
				RestartCount:    m.restartCount,
				Command:         plan.Command,
				HardwarePath:    plan.HardwarePath,
				Model:           plan.Model,
				ServedModelName: plan.ServedModelName,
			}
		}

		m.process = proc
		m.endpoint = plan.Endpoint

		ready := m.waitUntilReady(ctx, plan.Endpoint, proc, startupTimeout, healthTimeout)
		lastStartupMS = time.Since(started).Milliseconds()
		if ready {
			action := ActionStarted
			if attempt > 0 {
				action = ActionRestarted
			}
			return Status{
				Enabled:         true,
				Endpoint:        plan.Endpoint,
				Healthy:         true,
				Action:          action,
				Reason:          "service-ready",
				Managed:         true,
				PID:             proc.PID(),
				LaunchAttempts:  m.launchAttempts,
				RestartCount:    m.restartCount,
				StartupMS:       lastStartupMS,
				Command:         plan.Command,
				HardwarePath:    plan.HardwarePath,
				Model:           plan.Model,
				ServedModelName: plan.ServedModelName,
			}
		}

		terminate(proc)
		m.process = nil
		m.endpoint = ""
		if attempt < maxAttempts-1 {
			m.restartCount++
			m.logger.WarnCtx(ctx, "local OCR service startup timed out; retrying",
				slog.Int("attempt", attempt+2), slog.Int("max_attempts", maxAttempts), slog.String("endpoint", plan.Endpoint))
		}
	}

	return Status{
		Enabled:         true,
		Endpoint:        plan.Endpoint,
		Action:          ActionStartFailed,
		Reason:          "startup-timeout",
		LaunchAttempts:  m.launchAttempts,
		RestartCount:    m.restartCount,
		StartupMS:       lastStartupMS,
		Command:         plan.Command,
		HardwarePath:    plan.HardwarePath,
		Model:           plan.Model,
		ServedModelName: plan.ServedModelName,
	}
}

// waitUntilReady polls the endpoint until it reports healthy, the child exits
// prematurely, or the startup budget runs out.
func (m *Manager) waitUntilReady(ctx context.Context, endpoint string, proc *Process, startupTimeout, healthTimeout time.Duration) bool {
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if !proc.Alive() {
			return false
		}
		if m.probe(ctx, endpoint, healthTimeout).Healthy {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-proc.done:
			return false
		case <-time.After(time.Second):
		}
	}
	return false
}

func (m *Manager) reusedStatus(endpoint string, probe ProbeResult) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reusedStatusLocked(endpoint, probe)
}

func (m *Manager) reusedStatusLocked(endpoint string, probe ProbeResult) Status {
	var pid int
	managed := false
	if m.process != nil && m.process.Alive() {
		pid = m.process.PID()
		managed = m.endpoint == endpoint
	}
	return Status{
		Enabled:         true,
		Endpoint:        endpoint,
		Healthy:         true,
		Action:          ActionReused,
		Reason:          "service-healthy",
		Managed:         managed,
		PID:             pid,
		LaunchAttempts:  m.launchAttempts,
		RestartCount:    m.restartCount,
		StatusCode:      probe.StatusCode,
		ProbeURL:        probe.ProbeURL,
		Command:         m.lastCommand,
		HardwarePath:    m.lastHWPath,
		Model:           m.lastModel,
		ServedModelName: m.lastServedName,
	}
}

// statusTail fills the launch bookkeeping fields on a lock-free status path.
func (m *Manager) statusTail(st Status) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.LaunchAttempts = m.launchAttempts
	st.RestartCount = m.restartCount
	st.Command = m.lastCommand
	st.HardwarePath = m.lastHWPath
	st.Model = m.lastModel
	st.ServedModelName = m.lastServedName
	return st
}

// Shutdown terminates any managed child. Safe to call repeatedly.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	proc := m.process
	m.process = nil
	m.endpoint = ""
	m.mu.Unlock()
	if proc != nil {
		terminate(proc)
	}
}

// CurrentProcess returns the managed child while it is alive, nil otherwise.
func (m *Manager) CurrentProcess() *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.process == nil || !m.process.Alive() {
		return nil
	}
	return m.process
}

// terminate escalates SIGTERM → SIGKILL with a bounded wait at each step;
// OS errors during shutdown are absorbed.
func terminate(proc *Process) {
	if proc == nil || !proc.Alive() {
		return
	}
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-proc.done:
		return
	case <-time.After(terminateBudget):
	}
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
	select {
	case <-proc.done:
	case <-time.After(terminateBudget):
	}
}

func spawnErrorClass(err error) string {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return "not-found"
	}
	return "os-error"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
