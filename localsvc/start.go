package localsvc

import (
	"context"
	"fmt"

	"github.com/pagepress/ocrpilot/config"
	"github.com/pagepress/ocrpilot/hardware"
)

// StartServerOptions configures the standalone start helper.
type StartServerOptions struct {
	Model        string
	Host         string
	Port         int
	WaitForReady bool
	ReadyTimeout int // seconds
}

// StartServer is a convenience wrapper for ad-hoc startup flows: it points the
// manager at an explicit host/port, autostarts, and returns the process handle.
func (m *Manager) StartServer(ctx context.Context, base config.Settings, caps hardware.CapabilitySnapshot, opts StartServerOptions) (*Process, Status, error) {
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.Port == 0 {
		opts.Port = 8001
	}
	settings := base
	if opts.Model != "" {
		settings.OCR.Model = opts.Model
	}
	settings.OCR.LocalURL = fmt.Sprintf("http://%s:%d/v1", opts.Host, opts.Port)
	settings.OCR.LocalAutostart = true
	if opts.ReadyTimeout > 0 {
		settings.OCR.LocalStartupTimeoutS = opts.ReadyTimeout
	}

	if !opts.WaitForReady {
		endpoint, err := NormalizeEndpoint(settings.OCR.LocalURL)
		if err != nil {
			return nil, Status{}, err
		}
		plan, err := BuildStartPlan(settings.OCR, endpoint, caps, "")
		if err != nil {
			return nil, Status{}, err
		}
		proc, err := m.spawn(plan)
		if err != nil {
			return nil, Status{}, err
		}
		m.mu.Lock()
		m.process = proc
		m.endpoint = endpoint
		m.launchAttempts++
		m.lastCommand = plan.Command
		m.lastHWPath = plan.HardwarePath
		m.lastModel = plan.Model
		m.lastServedName = plan.ServedModelName
		m.mu.Unlock()
		return proc, Status{Enabled: true, Endpoint: endpoint, Action: ActionStarted, Managed: true, PID: proc.PID(), Command: plan.Command, HardwarePath: plan.HardwarePath, Model: plan.Model, ServedModelName: plan.ServedModelName}, nil
	}

	status := m.EnsureService(ctx, settings, caps, "")
	if !status.Healthy {
		reason := status.Reason
		if reason == "" {
			reason = "local-service-unavailable"
		}
		return nil, status, fmt.Errorf("local OCR service not ready: %s", reason)
	}
	proc := m.CurrentProcess()
	if proc == nil {
		return nil, status, fmt.Errorf("local OCR service process handle missing")
	}
	return proc, status, nil
}
