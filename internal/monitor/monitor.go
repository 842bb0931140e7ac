package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/alert"
	"github.com/simgate/simgate/internal/device"
	"github.com/simgate/simgate/internal/message"
	"github.com/simgate/simgate/internal/telemetry"
)

// Registry is the part of the device registry the monitor reads and writes.
type Registry interface {
	ListSIMs(ctx context.Context) ([]*device.SIM, error)
	ListDevices(ctx context.Context) ([]*device.Device, error)
	DeviceForSim(ctx context.Context, simID string) (*device.Device, error)
	UpdateSimStatus(ctx context.Context, simID string, status device.SimStatus, checkedAt time.Time) (*device.SIM, error)
	SetHealth(ctx context.Context, id string, status device.HealthStatus, from ...device.HealthStatus) (bool, error)
}

// Tagger dead-letters a device's outbound traffic.
type Tagger interface {
	TagDevice(ctx context.Context, deviceID string, reason message.Reason) int
}

// Sessions reports whether a device currently holds a session.
type Sessions interface {
	IsConnected(deviceID string) bool
}

// Options wires the monitor's collaborators.
type Options struct {
	Config   Config
	Registry Registry
	Probe    Probe
	Tagger   Tagger
	Sessions Sessions
	Sink     alert.Sink
	Metrics  *telemetry.GatewayMetrics
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Status is a snapshot of the monitor for operators.
type Status struct {
	Ticks          int64     `json:"ticks"`
	LastTickAt     time.Time `json:"last_tick_at"`
	LastTickError  string    `json:"last_tick_error,omitempty"`
	SimsChecked    int       `json:"sims_checked"`
	ProbeFailures  int       `json:"probe_failures"`
	BlockedSims    int       `json:"blocked_sims"`
	OfflineDevices int       `json:"offline_devices"`
	AlertsRaised   int64     `json:"alerts_raised"`
}

// Monitor runs detection on a fixed interval, independent of traffic.
type Monitor struct {
	cfg      Config
	registry Registry
	probe    Probe
	tagger   Tagger
	sessions Sessions
	sink     alert.Sink
	metrics  *telemetry.GatewayMetrics
	logger   zerolog.Logger
	now      func() time.Time

	// tickMu serializes ticks.
	tickMu sync.Mutex

	mu           sync.Mutex
	blockStreak  map[string]int
	activeStreak map[string]int
	onlineStreak map[string]int
	lastOverflow map[message.Priority]time.Time
	status       Status
}

// New creates a monitor.
func New(opts Options) *Monitor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sink := opts.Sink
	if sink == nil {
		sink = alert.NewLogSink(opts.Logger)
	}
	return &Monitor{
		cfg:          opts.Config.withDefaults(),
		registry:     opts.Registry,
		probe:        opts.Probe,
		tagger:       opts.Tagger,
		sessions:     opts.Sessions,
		sink:         sink,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "monitor").Logger(),
		now:          now,
		blockStreak:  make(map[string]int),
		activeStreak: make(map[string]int),
		onlineStreak: make(map[string]int),
		lastOverflow: make(map[message.Priority]time.Time),
	}
}

// Run ticks every Interval until ctx is cancelled. Device IDs received on
// offline are treated as lost sessions.
func (m *Monitor) Run(ctx context.Context, offline <-chan string) {
	m.logger.Info().
		Dur("interval", m.cfg.Interval).
		Dur("offline_threshold", m.cfg.OfflineThreshold).
		Msg("monitor started")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("monitor stopped")
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("monitor tick failed")
			}
		case id, ok := <-offline:
			if !ok {
				offline = nil
				continue
			}
			m.SessionLost(ctx, id)
		}
	}
}

type probeOutcome struct {
	sim    *device.SIM
	result device.ProbeResult
	err    error
}

// Tick runs one detection pass over every SIM and device.
func (m *Monitor) Tick(ctx context.Context) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	start := m.now()
	var errs []error

	sims, probeFailures, blocked, err := m.checkSims(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	offline, err := m.checkDevices(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	tickErr := errors.Join(errs...)

	m.mu.Lock()
	m.status.Ticks++
	m.status.LastTickAt = start.UTC()
	m.status.SimsChecked = sims
	m.status.ProbeFailures = probeFailures
	m.status.BlockedSims = blocked
	m.status.OfflineDevices = offline
	m.status.LastTickError = ""
	if tickErr != nil {
		m.status.LastTickError = tickErr.Error()
	}
	m.mu.Unlock()

	m.logger.Debug().
		Dur("duration", m.now().Sub(start)).
		Int("sims_checked", sims).
		Int("probe_failures", probeFailures).
		Int("blocked_sims", blocked).
		Int("offline_devices", offline).
		Msg("monitor tick completed")

	return tickErr
}

func (m *Monitor) checkSims(ctx context.Context) (checked, failures, blocked int, err error) {
	if m.probe == nil {
		return 0, 0, 0, nil
	}
	sims, err := m.registry.ListSIMs(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("listing sims: %w", err)
	}

	var targets []*device.SIM
	for _, s := range sims {
		if s.Status != device.SimReplaced {
			targets = append(targets, s)
		}
	}

	simsChan := make(chan *device.SIM, len(targets))
	results := make(chan probeOutcome, len(targets))

	var wg sync.WaitGroup
	for i := 0; i < m.cfg.ProbeConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range simsChan {
				if ctx.Err() != nil {
					return
				}
				pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
				res, err := m.probe.CheckSimStatus(pctx, s.ID)
				cancel()
				results <- probeOutcome{sim: s, result: res, err: err}
			}
		}()
	}
	for _, s := range targets {
		simsChan <- s
	}
	close(simsChan)

	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []error
	for out := range results {
		checked++
		if out.err != nil {
			failures++
			m.logger.Warn().Err(out.err).Str("sim_id", out.sim.ID).Msg("sim probe failed")
			out.result = device.ProbeUnknown
		}
		status, err := m.applyProbe(ctx, out.sim, out.result)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status == device.SimBlocked {
			blocked++
		}
	}
	return checked, failures, blocked, errors.Join(errs...)
}

// applyProbe feeds one observation into the debounce state of a SIM and
// writes the resulting status. It returns the SIM's status afterwards.
func (m *Monitor) applyProbe(ctx context.Context, s *device.SIM, result device.ProbeResult) (device.SimStatus, error) {
	now := m.now().UTC()

	m.mu.Lock()
	switch result {
	case device.ProbeBlocked:
		m.blockStreak[s.ID]++
		m.activeStreak[s.ID] = 0
	case device.ProbeActive:
		m.activeStreak[s.ID]++
		m.blockStreak[s.ID] = 0
	default:
		m.blockStreak[s.ID] = 0
		m.activeStreak[s.ID] = 0
	}
	blockStreak, activeStreak := m.blockStreak[s.ID], m.activeStreak[s.ID]
	m.mu.Unlock()

	next := s.Status
	switch {
	case result == device.ProbeBlocked && s.Status != device.SimBlocked && blockStreak >= m.cfg.BlockDebounce:
		next = device.SimBlocked
	case result == device.ProbeActive && s.Status == device.SimBlocked && activeStreak >= m.cfg.RecoveryDebounce:
		next = device.SimActive
	case result == device.ProbeActive && s.Status == device.SimUnknown:
		next = device.SimActive
	}

	if result == device.ProbeUnknown && next == s.Status {
		return s.Status, nil
	}
	if _, err := m.registry.UpdateSimStatus(ctx, s.ID, next, now); err != nil {
		return s.Status, fmt.Errorf("updating sim %s: %w", s.ID, err)
	}
	if next == s.Status {
		return next, nil
	}

	m.metrics.RecordSimStatusChange(ctx, string(next))
	logger := m.logger.With().
		Str("sim_id", s.ID).
		Str("from", string(s.Status)).
		Str("to", string(next)).
		Logger()

	switch {
	case next == device.SimBlocked:
		logger.Warn().Int("consecutive_probes", blockStreak).Msg("sim blocked")
		deviceID := m.tagBlockedDevice(ctx, s.ID)
		detail := "network reported the SIM blocked"
		if deviceID != "" {
			detail += " on device " + deviceID
		}
		m.raise(ctx, alert.New(alert.KindSimBlocked, s.ID, detail, now))
	case s.Status == device.SimBlocked:
		logger.Info().Msg("sim recovered")
		m.raise(ctx, alert.New(alert.KindSimRecovered, s.ID, "network reported the SIM active", now))
	default:
		logger.Debug().Msg("sim status updated")
	}
	return next, nil
}

func (m *Monitor) tagBlockedDevice(ctx context.Context, simID string) string {
	d, err := m.registry.DeviceForSim(ctx, simID)
	if err != nil {
		if !errors.Is(err, device.ErrDeviceNotFound) {
			m.logger.Error().Err(err).Str("sim_id", simID).Msg("finding device for blocked sim")
		}
		return ""
	}
	if m.tagger != nil {
		n := m.tagger.TagDevice(ctx, d.ID, message.ReasonSimBlocked)
		m.logger.Info().Str("device_id", d.ID).Int("messages", n).Msg("tagged messages of blocked sim")
	}
	return d.ID
}

func (m *Monitor) checkDevices(ctx context.Context) (int, error) {
	devices, err := m.registry.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing devices: %w", err)
	}

	now := m.now().UTC()
	offline := 0
	var errs []error
	for _, d := range devices {
		status, err := m.applyLiveness(ctx, d, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status == device.HealthOffline {
			offline++
		}
	}
	return offline, errors.Join(errs...)
}

func (m *Monitor) applyLiveness(ctx context.Context, d *device.Device, now time.Time) (device.HealthStatus, error) {
	lastSeen := d.CreatedAt
	if d.LastSeenAt != nil {
		lastSeen = *d.LastSeenAt
	}
	stale := now.Sub(lastSeen) > m.cfg.OfflineThreshold

	m.mu.Lock()
	if stale {
		m.onlineStreak[d.ID] = 0
	} else {
		m.onlineStreak[d.ID]++
	}
	streak := m.onlineStreak[d.ID]
	m.mu.Unlock()

	live := device.HealthHealthy
	if m.sessions != nil && !m.sessions.IsConnected(d.ID) {
		live = device.HealthDegraded
	}

	next := d.HealthStatus
	switch {
	case stale:
		next = device.HealthOffline
	case d.HealthStatus == device.HealthOffline:
		if streak >= m.cfg.RecoveryDebounce {
			next = live
		}
	default:
		next = live
	}

	if next == d.HealthStatus {
		return next, nil
	}
	changed, err := m.registry.SetHealth(ctx, d.ID, next, d.HealthStatus)
	if err != nil {
		return d.HealthStatus, fmt.Errorf("updating device %s: %w", d.ID, err)
	}
	if !changed {
		// Changed underneath us; the next tick sees the new status.
		return d.HealthStatus, nil
	}

	switch {
	case next == device.HealthOffline:
		m.logger.Warn().Str("device_id", d.ID).Time("last_seen_at", lastSeen).Msg("device offline")
		m.raise(ctx, alert.New(alert.KindDeviceOffline, d.ID,
			fmt.Sprintf("not seen since %s", lastSeen.Format(time.RFC3339)), now))
	case d.HealthStatus == device.HealthOffline:
		m.logger.Info().Str("device_id", d.ID).Msg("device recovered")
		m.raise(ctx, alert.New(alert.KindDeviceRecovered, d.ID, "device seen again", now))
	}
	return next, nil
}

// SessionLost marks a healthy device degraded as soon as its session drops.
// Offline is still decided by the tick.
func (m *Monitor) SessionLost(ctx context.Context, deviceID string) {
	changed, err := m.registry.SetHealth(ctx, deviceID, device.HealthDegraded, device.HealthHealthy, device.HealthUnknown)
	if err != nil {
		m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("marking device degraded")
		return
	}
	if changed {
		m.logger.Info().Str("device_id", deviceID).Msg("session lost, device degraded")
	}
}

// ReportOverflow raises a QueueOverflow alert for the tier unless one was
// raised within OverflowAlertCooldown.
func (m *Monitor) ReportOverflow(ctx context.Context, p message.Priority) {
	now := m.now().UTC()

	m.mu.Lock()
	last, seen := m.lastOverflow[p]
	if seen && now.Sub(last) < m.cfg.OverflowAlertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastOverflow[p] = now
	m.mu.Unlock()

	m.raise(ctx, alert.New(alert.KindQueueOverflow, p.String(), "priority tier at capacity, admissions rejected", now))
}

func (m *Monitor) raise(ctx context.Context, a alert.Alert) {
	m.mu.Lock()
	m.status.AlertsRaised++
	m.mu.Unlock()
	m.metrics.RecordAlert(ctx, string(a.Kind))

	if err := m.sink.Raise(ctx, a); err != nil {
		m.logger.Error().
			Err(err).
			Str("alert_id", a.ID).
			Str("kind", string(a.Kind)).
			Msg("delivering alert failed")
	}
}

// Status returns a snapshot of the last tick.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
