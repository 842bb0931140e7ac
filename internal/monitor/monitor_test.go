package monitor_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simgate/simgate/internal/alert"
	"github.com/simgate/simgate/internal/device"
	"github.com/simgate/simgate/internal/message"
	"github.com/simgate/simgate/internal/monitor"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scriptedProbe struct {
	mu      sync.Mutex
	results map[string]device.ProbeResult
	err     error
}

func (p *scriptedProbe) set(simID string, r device.ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[simID] = r
}

func (p *scriptedProbe) CheckSimStatus(_ context.Context, simID string) (device.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return device.ProbeUnknown, p.err
	}
	if r, ok := p.results[simID]; ok {
		return r, nil
	}
	return device.ProbeActive, nil
}

type recordingTagger struct {
	mu     sync.Mutex
	tagged []string
}

func (t *recordingTagger) TagDevice(_ context.Context, deviceID string, reason message.Reason) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tagged = append(t.tagged, deviceID+":"+string(reason))
	return 1
}

type fixture struct {
	clock    *clock
	registry *device.Registry
	probe    *scriptedProbe
	tagger   *recordingTagger
	sink     *alert.MemorySink
	monitor  *monitor.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}

	registry := device.NewRegistry(device.RegistryConfig{
		Repository: device.NewInMemoryRepository(),
		Logger:     zerolog.Nop(),
		Now:        c.Now,
	})
	_, _, err := registry.UpsertDevice(ctx, "d1", device.DeviceAttrs{CountryCode: "NG"})
	require.NoError(t, err)
	_, _, err = registry.UpsertSIM(ctx, "s1", device.SimAttrs{CountryCode: "NG"})
	require.NoError(t, err)
	require.NoError(t, registry.LinkSim(ctx, "d1", "s1"))
	require.NoError(t, registry.RecordSeen(ctx, "d1", c.Now()))

	f := &fixture{
		clock:    c,
		registry: registry,
		probe:    &scriptedProbe{results: map[string]device.ProbeResult{}},
		tagger:   &recordingTagger{},
		sink:     alert.NewMemorySink(),
	}
	f.monitor = monitor.New(monitor.Options{
		Config: monitor.Config{
			OfflineThreshold:      10 * time.Minute,
			BlockDebounce:         2,
			RecoveryDebounce:      2,
			OverflowAlertCooldown: time.Minute,
		},
		Registry: registry,
		Probe:    f.probe,
		Tagger:   f.tagger,
		Sink:     f.sink,
		Logger:   zerolog.Nop(),
		Now:      c.Now,
	})
	return f
}

func (f *fixture) simStatus(t *testing.T) device.SimStatus {
	t.Helper()
	view, err := f.registry.GetDeviceView(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, view.SIM)
	return view.SIM.Status
}

func (f *fixture) health(t *testing.T) device.HealthStatus {
	t.Helper()
	view, err := f.registry.GetDeviceView(context.Background(), "d1")
	require.NoError(t, err)
	return view.Device.HealthStatus
}

func TestMonitor_BlockedTwiceRaisesSingleAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, device.SimActive, f.simStatus(t))

	f.probe.set("s1", device.ProbeBlocked)

	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, device.SimActive, f.simStatus(t), "one blocked probe is not enough")
	assert.Equal(t, 0, f.sink.Count(alert.KindSimBlocked, "s1"))

	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, device.SimBlocked, f.simStatus(t))
	assert.Equal(t, 1, f.sink.Count(alert.KindSimBlocked, "s1"))
	assert.Equal(t, []string{"d1:SIM_BLOCKED"}, f.tagger.tagged)

	view, err := f.registry.GetDeviceView(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, view.SIM.BlockDetectedAt)

	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, 1, f.sink.Count(alert.KindSimBlocked, "s1"), "no duplicate alert")
	assert.Len(t, f.tagger.tagged, 1)
	assert.Equal(t, 1, f.monitor.Status().BlockedSims)
}

func TestMonitor_SimRecoveryIsDebounced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.probe.set("s1", device.ProbeBlocked)
	require.NoError(t, f.monitor.Tick(ctx))
	require.NoError(t, f.monitor.Tick(ctx))
	require.Equal(t, device.SimBlocked, f.simStatus(t))

	f.probe.set("s1", device.ProbeActive)
	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, device.SimBlocked, f.simStatus(t))

	// A blocked reading resets the recovery streak.
	f.probe.set("s1", device.ProbeBlocked)
	require.NoError(t, f.monitor.Tick(ctx))
	f.probe.set("s1", device.ProbeActive)
	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, device.SimBlocked, f.simStatus(t))

	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, device.SimActive, f.simStatus(t))
	assert.Equal(t, 1, f.sink.Count(alert.KindSimRecovered, "s1"))
	assert.Equal(t, 1, f.sink.Count(alert.KindSimBlocked, "s1"))
}

func TestMonitor_ProbeFailureBreaksStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.probe.set("s1", device.ProbeBlocked)
	require.NoError(t, f.monitor.Tick(ctx))

	f.probe.err = errors.New("network status service down")
	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, 1, f.monitor.Status().ProbeFailures)

	f.probe.err = nil
	require.NoError(t, f.monitor.Tick(ctx))
	assert.NotEqual(t, device.SimBlocked, f.simStatus(t))
}

func TestMonitor_DeviceOfflineAndRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, device.HealthHealthy, f.health(t))

	f.clock.Advance(11 * time.Minute)
	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, device.HealthOffline, f.health(t))
	assert.Equal(t, 1, f.sink.Count(alert.KindDeviceOffline, "d1"))

	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, 1, f.sink.Count(alert.KindDeviceOffline, "d1"), "no duplicate alert")

	require.NoError(t, f.registry.RecordSeen(ctx, "d1", f.clock.Now()))
	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, device.HealthOffline, f.health(t), "recovery needs consecutive observations")

	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, device.HealthHealthy, f.health(t))
	assert.Equal(t, 1, f.sink.Count(alert.KindDeviceRecovered, "d1"))
}

func TestMonitor_SessionLostDegradesDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.monitor.Tick(ctx))
	require.Equal(t, device.HealthHealthy, f.health(t))

	offline := make(chan string, 1)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		f.monitor.Run(runCtx, offline)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	offline <- "d1"
	assert.Eventually(t, func() bool { return f.health(t) == device.HealthDegraded }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.sink.Alerts(), "offline is decided by the tick")
}

func TestMonitor_OverflowAlertsAreRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.monitor.ReportOverflow(ctx, message.PriorityHigh)
	f.monitor.ReportOverflow(ctx, message.PriorityHigh)
	f.monitor.ReportOverflow(ctx, message.PriorityLow)
	assert.Equal(t, 1, f.sink.Count(alert.KindQueueOverflow, "HIGH"))
	assert.Equal(t, 1, f.sink.Count(alert.KindQueueOverflow, "LOW"))

	f.clock.Advance(2 * time.Minute)
	f.monitor.ReportOverflow(ctx, message.PriorityHigh)
	assert.Equal(t, 2, f.sink.Count(alert.KindQueueOverflow, "HIGH"))
	assert.Equal(t, int64(3), f.monitor.Status().AlertsRaised)
}

func TestHTTPProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/sims/barred/"):
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "blocked"})
		case strings.Contains(r.URL.Path, "/sims/gone/"):
			w.WriteHeader(http.StatusNotFound)
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ACTIVE"})
		}
	}))
	defer server.Close()

	probe := monitor.NewHTTPProbe(server.URL, time.Second, nil)
	ctx := context.Background()

	r, err := probe.CheckSimStatus(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, device.ProbeActive, r)

	r, err = probe.CheckSimStatus(ctx, "barred")
	require.NoError(t, err)
	assert.Equal(t, device.ProbeBlocked, r)

	r, err = probe.CheckSimStatus(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, device.ProbeUnknown, r)
}
