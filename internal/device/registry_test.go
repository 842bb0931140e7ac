package device_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simgate/simgate/internal/device"
)

const (
	validIMEI      = "490154203237518"
	otherValidIMEI = "356938035643809"
)

func newTestRegistry() (*device.Registry, *device.InMemoryRepository) {
	repo := device.NewInMemoryRepository()
	reg := device.NewRegistry(device.RegistryConfig{
		Repository: repo,
		Logger:     zerolog.Nop(),
	})
	return reg, repo
}

func TestValidateIMEI(t *testing.T) {
	tests := []struct {
		name  string
		imei  string
		valid bool
	}{
		{"valid", validIMEI, true},
		{"valid other", otherValidIMEI, true},
		{"bad check digit", "490154203237519", false},
		{"too short", "49015420323751", false},
		{"too long", "4901542032375180", false},
		{"non digit", "49015420323751A", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := device.ValidateIMEI(tt.imei)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, device.ErrInvalidImeiFormat)
			}
		})
	}
}

func TestRegistry_UpsertDevice(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	d, created, err := reg.UpsertDevice(ctx, "dev-1", device.DeviceAttrs{CountryCode: "nl"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "NL", d.CountryCode)
	assert.Equal(t, device.HealthUnknown, d.HealthStatus)

	d, created, err = reg.UpsertDevice(ctx, "dev-1", device.DeviceAttrs{CountryCode: "be"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "BE", d.CountryCode)

	_, _, err = reg.UpsertDevice(ctx, "  ", device.DeviceAttrs{})
	assert.ErrorIs(t, err, device.ErrInvalidDeviceID)
}

func TestRegistry_RecordSeen_NeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()
	_, _, err := reg.UpsertDevice(ctx, "dev-1", device.DeviceAttrs{})
	require.NoError(t, err)

	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, reg.RecordSeen(ctx, "dev-1", later))
	require.NoError(t, reg.RecordSeen(ctx, "dev-1", later.Add(-time.Hour)))

	view, err := reg.GetDeviceView(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, view.Device.LastSeenAt)
	assert.True(t, later.Equal(*view.Device.LastSeenAt))

	assert.ErrorIs(t, reg.RecordSeen(ctx, "missing", later), device.ErrDeviceNotFound)
}

func TestRegistry_SetImei(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()
	_, _, err := reg.UpsertDevice(ctx, "dev-1", device.DeviceAttrs{})
	require.NoError(t, err)

	t.Run("rejects invalid format", func(t *testing.T) {
		err := reg.SetImei(ctx, "dev-1", "12345")
		assert.ErrorIs(t, err, device.ErrInvalidImeiFormat)
	})

	t.Run("records audit trail", func(t *testing.T) {
		require.NoError(t, reg.SetImei(ctx, "dev-1", validIMEI))
		require.NoError(t, reg.SetImei(ctx, "dev-1", validIMEI)) // unchanged, no entry
		require.NoError(t, reg.SetImei(ctx, "dev-1", otherValidIMEI))

		history, err := reg.ImeiHistory(ctx, "dev-1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "", history[0].OldIMEI)
		assert.Equal(t, validIMEI, history[0].NewIMEI)
		assert.Equal(t, validIMEI, history[1].OldIMEI)
		assert.Equal(t, otherValidIMEI, history[1].NewIMEI)
	})

	t.Run("unknown device", func(t *testing.T) {
		err := reg.SetImei(ctx, "missing", validIMEI)
		assert.ErrorIs(t, err, device.ErrDeviceNotFound)
	})
}

// failingImeiRepository refuses IMEI changes.
type failingImeiRepository struct {
	*device.InMemoryRepository
}

func (failingImeiRepository) SaveDeviceImei(context.Context, *device.Device, device.ImeiAudit) error {
	return errors.New("connection reset")
}

func TestRegistry_SetImei_FailedWriteChangesNothing(t *testing.T) {
	ctx := context.Background()
	reg := device.NewRegistry(device.RegistryConfig{
		Repository: failingImeiRepository{device.NewInMemoryRepository()},
		Logger:     zerolog.Nop(),
	})
	_, _, err := reg.UpsertDevice(ctx, "dev-1", device.DeviceAttrs{})
	require.NoError(t, err)

	err = reg.SetImei(ctx, "dev-1", validIMEI)
	require.Error(t, err)

	view, err := reg.GetDeviceView(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, view.Device.IMEI)

	history, err := reg.ImeiHistory(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRegistry_LinkSim(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()
	for _, id := range []string{"dev-1", "dev-2"} {
		_, _, err := reg.UpsertDevice(ctx, id, device.DeviceAttrs{})
		require.NoError(t, err)
	}
	_, _, err := reg.UpsertSIM(ctx, "sim-1", device.SimAttrs{CountryCode: "NL"})
	require.NoError(t, err)

	require.NoError(t, reg.LinkSim(ctx, "dev-1", "sim-1"))
	require.NoError(t, reg.LinkSim(ctx, "dev-1", "sim-1"), "relinking the same sim is a no-op")

	err = reg.LinkSim(ctx, "dev-2", "sim-1")
	assert.ErrorIs(t, err, device.ErrSimAlreadyLinked)

	err = reg.LinkSim(ctx, "dev-2", "sim-missing")
	assert.ErrorIs(t, err, device.ErrSimNotFound)

	view, err := reg.GetDeviceView(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, view.SIM)
	assert.Equal(t, "sim-1", view.SIM.ID)
	assert.Equal(t, device.SimUnknown, view.SIM.Status)

	require.NoError(t, reg.UnlinkSim(ctx, "dev-1"))
	require.NoError(t, reg.LinkSim(ctx, "dev-2", "sim-1"))
}

func TestRegistry_ReplaceSim(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()
	_, _, err := reg.UpsertDevice(ctx, "dev-1", device.DeviceAttrs{})
	require.NoError(t, err)
	_, _, err = reg.UpsertDevice(ctx, "dev-2", device.DeviceAttrs{})
	require.NoError(t, err)
	for _, id := range []string{"sim-old", "sim-new"} {
		_, _, err := reg.UpsertSIM(ctx, id, device.SimAttrs{})
		require.NoError(t, err)
	}
	require.NoError(t, reg.LinkSim(ctx, "dev-1", "sim-old"))

	require.NoError(t, reg.ReplaceSim(ctx, "dev-1", "sim-new"))

	view, err := reg.GetDeviceView(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "sim-new", view.Device.SimID)

	sims, err := reg.ListSIMs(ctx)
	require.NoError(t, err)
	require.Len(t, sims, 2)
	assert.Equal(t, device.SimReplaced, sims[1].Status, "sim-old sorts after sim-new")

	// A replaced SIM can never be linked again.
	err = reg.LinkSim(ctx, "dev-2", "sim-old")
	assert.ErrorIs(t, err, device.ErrSimReplaced)
}

func TestRegistry_ReplaceSim_RejectedSwapKeepsCurrentSim(t *testing.T) {
	ctx := context.Background()
	reg, repo := newTestRegistry()
	for _, id := range []string{"dev-1", "dev-2"} {
		_, _, err := reg.UpsertDevice(ctx, id, device.DeviceAttrs{})
		require.NoError(t, err)
	}
	for _, id := range []string{"sim-old", "sim-taken", "sim-retired"} {
		_, _, err := reg.UpsertSIM(ctx, id, device.SimAttrs{})
		require.NoError(t, err)
	}
	require.NoError(t, reg.LinkSim(ctx, "dev-1", "sim-old"))
	require.NoError(t, reg.LinkSim(ctx, "dev-2", "sim-taken"))
	require.NoError(t, repo.SaveSIM(ctx, &device.SIM{ID: "sim-retired", Status: device.SimReplaced}))

	tests := []struct {
		name    string
		simID   string
		wantErr error
	}{
		{"unknown sim", "sim-missing", device.ErrSimNotFound},
		{"sim linked elsewhere", "sim-taken", device.ErrSimAlreadyLinked},
		{"replaced sim", "sim-retired", device.ErrSimReplaced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.ReplaceSim(ctx, "dev-1", tt.simID)
			assert.ErrorIs(t, err, tt.wantErr)

			view, err := reg.GetDeviceView(ctx, "dev-1")
			require.NoError(t, err)
			assert.Equal(t, "sim-old", view.Device.SimID)
			require.NotNil(t, view.SIM)
			assert.NotEqual(t, device.SimReplaced, view.SIM.Status)
		})
	}
}

func TestRegistry_UpdateSimStatus(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()
	_, _, err := reg.UpsertSIM(ctx, "sim-1", device.SimAttrs{})
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := reg.UpdateSimStatus(ctx, "sim-1", device.SimBlocked, at)
	require.NoError(t, err)
	assert.Equal(t, device.SimBlocked, s.Status)
	require.NotNil(t, s.BlockDetectedAt)
	assert.True(t, at.Equal(*s.BlockDetectedAt))

	// A repeated blocked observation keeps the original detection time.
	s, err = reg.UpdateSimStatus(ctx, "sim-1", device.SimBlocked, at.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, at.Equal(*s.BlockDetectedAt))
	assert.True(t, at.Add(time.Minute).Equal(*s.LastStatusCheckAt))

	s, err = reg.UpdateSimStatus(ctx, "sim-1", device.SimActive, at.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, device.SimActive, s.Status)
	assert.Nil(t, s.BlockDetectedAt)
}

func TestRegistry_ConcurrentLinkSameSim(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()
	_, _, err := reg.UpsertSIM(ctx, "sim-1", device.SimAttrs{})
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		_, _, err := reg.UpsertDevice(ctx, fmt.Sprintf("dev-%02d", i), device.DeviceAttrs{})
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		linked  int
		refused int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := reg.LinkSim(ctx, fmt.Sprintf("dev-%02d", i), "sim-1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				linked++
			} else {
				assert.ErrorIs(t, err, device.ErrSimAlreadyLinked)
				refused++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, linked)
	assert.Equal(t, n-1, refused)

	devices, err := reg.ListDevices(ctx)
	require.NoError(t, err)
	holders := 0
	for _, d := range devices {
		if d.SimID == "sim-1" {
			holders++
		}
	}
	assert.Equal(t, 1, holders)
}

func TestRegistry_ConcurrentRecordSeenDistinctDevices(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	const n = 50
	for i := 0; i < n; i++ {
		_, _, err := reg.UpsertDevice(ctx, fmt.Sprintf("dev-%d", i), device.DeviceAttrs{})
		require.NoError(t, err)
	}

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				_ = reg.RecordSeen(ctx, fmt.Sprintf("dev-%d", i), base.Add(time.Duration(j)*time.Second))
			}(i, j)
		}
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		view, err := reg.GetDeviceView(ctx, fmt.Sprintf("dev-%d", i))
		require.NoError(t, err)
		require.NotNil(t, view.Device.LastSeenAt)
		assert.True(t, base.Add(9*time.Second).Equal(*view.Device.LastSeenAt))
	}
}
