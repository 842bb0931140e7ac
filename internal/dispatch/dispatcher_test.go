package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simgate/simgate/internal/device"
	"github.com/simgate/simgate/internal/dispatch"
	"github.com/simgate/simgate/internal/message"
	"github.com/simgate/simgate/internal/queue"
	"github.com/simgate/simgate/internal/session"
	"github.com/simgate/simgate/internal/translation"
)

type scriptedProvider struct {
	mu    sync.Mutex
	texts []string
	calls atomic.Int32
	send  func(ctx context.Context, text string) (message.Result, error)
}

func (p *scriptedProvider) Send(ctx context.Context, _, text string) (message.Result, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.texts = append(p.texts, text)
	p.mu.Unlock()
	if p.send == nil {
		return message.ResultAcked, nil
	}
	return p.send(ctx, text)
}

func (p *scriptedProvider) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

type overflowCounter struct {
	count atomic.Int32
}

func (o *overflowCounter) ReportOverflow(context.Context, message.Priority) {
	o.count.Add(1)
}

type recordingSink struct {
	mu       sync.Mutex
	received []*message.Message
}

func (s *recordingSink) Forward(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, m.Clone())
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

type harness struct {
	registry   *device.Registry
	sessions   *session.Manager
	provider   *scriptedProvider
	archive    *message.InMemoryArchive
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
}

func testConfig() dispatch.Config {
	return dispatch.Config{
		Workers:     2,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		IdlePoll:    10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg dispatch.Config, customize func(*dispatch.Options)) *harness {
	t.Helper()
	ctx := context.Background()

	registry := device.NewRegistry(device.RegistryConfig{
		Repository: device.NewInMemoryRepository(),
		Logger:     zerolog.Nop(),
	})
	_, _, err := registry.UpsertDevice(ctx, "d1", device.DeviceAttrs{CountryCode: "KE"})
	require.NoError(t, err)
	_, _, err = registry.UpsertSIM(ctx, "s1", device.SimAttrs{CountryCode: "KE"})
	require.NoError(t, err)
	require.NoError(t, registry.LinkSim(ctx, "d1", "s1"))

	provider := &scriptedProvider{}
	sessions := session.NewManager(session.ManagerConfig{
		Provider:        provider,
		Logger:          zerolog.Nop(),
		DeliveryTimeout: time.Second,
	})

	h := &harness{
		registry: registry,
		sessions: sessions,
		provider: provider,
		archive:  message.NewInMemoryArchive(),
		queue:    queue.New(queue.DefaultConfig()),
	}

	opts := dispatch.Options{
		Config:   cfg,
		Queue:    h.queue,
		Archive:  h.archive,
		Devices:  registry,
		Sessions: sessions,
		Logger:   zerolog.Nop(),
	}
	if customize != nil {
		customize(&opts)
	}
	h.queue = opts.Queue
	h.dispatcher = dispatch.New(opts)
	sessions.SetOnConnect(func(string) { h.dispatcher.Wake() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.dispatcher.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) waitForState(t *testing.T, id string, state message.State) *message.Message {
	t.Helper()
	var got *message.Message
	require.Eventually(t, func() bool {
		m, err := h.dispatcher.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = m
		return m.State == state
	}, 2*time.Second, 5*time.Millisecond, "message %s never reached %s", id, state)
	return got
}

func submit(t *testing.T, d *dispatch.Dispatcher, p message.Priority, text string) *message.Message {
	t.Helper()
	m, err := d.Submit(context.Background(), dispatch.SubmitRequest{DeviceID: "d1", Priority: p, Text: text})
	require.NoError(t, err)
	return m
}

func TestDispatcher_DeliversOutbound(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.sessions.Connected(context.Background(), "d1")
	h.start(t)

	m := submit(t, h.dispatcher, message.PriorityNormal, "hello")
	assert.Equal(t, message.StateQueued, m.State)

	got := h.waitForState(t, m.ID, message.StateDelivered)
	assert.Equal(t, 1, got.AttemptCount)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, message.ResultAcked, got.Attempts[0].Result)
	assert.Equal(t, []string{"hello"}, h.provider.sent())

	assert.Eventually(t, func() bool {
		return h.dispatcher.Stats().Queue.Admitted[message.PriorityNormal] == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_PerDeviceOrder(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start(t)

	// Submitted while the device is offline so the lane fills up first.
	submit(t, h.dispatcher, message.PriorityLow, "low-1")
	submit(t, h.dispatcher, message.PriorityNormal, "normal-1")
	submit(t, h.dispatcher, message.PriorityHigh, "high-1")
	submit(t, h.dispatcher, message.PriorityNormal, "normal-2")
	last := submit(t, h.dispatcher, message.PriorityHigh, "high-2")

	h.sessions.Connected(context.Background(), "d1")
	h.waitForState(t, last.ID, message.StateDelivered)

	require.Eventually(t, func() bool { return len(h.provider.sent()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, h.provider.sent())
}

func TestDispatcher_AttemptCeiling(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.provider.send = func(context.Context, string) (message.Result, error) {
		return message.ResultNacked, nil
	}
	h.sessions.Connected(context.Background(), "d1")
	h.start(t)

	m := submit(t, h.dispatcher, message.PriorityNormal, "never acked")

	got := h.waitForState(t, m.ID, message.StateDeadLettered)
	assert.Equal(t, message.ReasonAttemptsExhausted, got.Reason)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Len(t, got.Attempts, 3)
	assert.Equal(t, int32(3), h.provider.calls.Load())

	dead, err := h.dispatcher.ListDeadLettered(context.Background(), "d1", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, m.ID, dead[0].ID)
}

func TestDispatcher_NoDeliveryAfterSimBlocked(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	_, err := h.registry.UpdateSimStatus(ctx, "s1", device.SimBlocked, time.Now())
	require.NoError(t, err)
	h.sessions.Connected(ctx, "d1")
	h.start(t)

	m := submit(t, h.dispatcher, message.PriorityHigh, "blocked")

	got := h.waitForState(t, m.ID, message.StateDeadLettered)
	assert.Equal(t, message.ReasonSimBlocked, got.Reason)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, int32(0), h.provider.calls.Load())
}

func TestDispatcher_NetworkRefusalIsNotRetried(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.provider.send = func(context.Context, string) (message.Result, error) {
		return message.ResultNacked, session.ErrSimBlocked
	}
	h.sessions.Connected(context.Background(), "d1")
	h.start(t)

	m := submit(t, h.dispatcher, message.PriorityNormal, "refused")

	got := h.waitForState(t, m.ID, message.StateDeadLettered)
	assert.Equal(t, message.ReasonSimBlocked, got.Reason)
	assert.Equal(t, 1, got.AttemptCount)
}

type slowTranslator struct{}

func (slowTranslator) Translate(ctx context.Context, _, _, _ string) (string, error) {
	select {
	case <-time.After(time.Second):
		return "translated", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (slowTranslator) DetectLanguage(context.Context, string) (string, error) {
	return "en", nil
}

func TestDispatcher_TranslationTimeoutDowngrades(t *testing.T) {
	stage, err := translation.NewStage(translation.Config{
		Provider:   slowTranslator{},
		Timeout:    10 * time.Millisecond,
		RetryDelay: time.Millisecond,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	h := newHarness(t, testConfig(), func(o *dispatch.Options) { o.Translator = stage })
	h.sessions.Connected(context.Background(), "d1")
	h.start(t)

	m, err := h.dispatcher.Submit(context.Background(), dispatch.SubmitRequest{
		DeviceID:       "d1",
		Priority:       message.PriorityNormal,
		Text:           "hello",
		SourceLanguage: "en",
		TargetLanguage: "sw",
	})
	require.NoError(t, err)

	got := h.waitForState(t, m.ID, message.StateDelivered)
	assert.True(t, got.Downgraded)
	assert.Nil(t, got.TranslatedPayload)
	assert.Equal(t, []string{"hello"}, h.provider.sent())
}

func TestDispatcher_RecoversDispatchingMessage(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	now := time.Now().UTC()
	stuck := &message.Message{
		ID:           "m-stuck",
		DeviceID:     "d1",
		Direction:    message.Outbound,
		Priority:     message.PriorityNormal,
		Payload:      message.Payload{Text: "resume me"},
		State:        message.StateDispatching,
		AttemptCount: 1,
		CreatedAt:    now.Add(-time.Minute),
		UpdatedAt:    now.Add(-time.Minute),
	}
	done := &message.Message{
		ID:        "m-done",
		DeviceID:  "d1",
		Direction: message.Outbound,
		Payload:   message.Payload{Text: "already delivered"},
		State:     message.StateDelivered,
		CreatedAt: now.Add(-2 * time.Minute),
	}
	require.NoError(t, h.archive.Save(ctx, stuck))
	require.NoError(t, h.archive.Save(ctx, done))

	restored, err := h.dispatcher.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	queued, err := h.dispatcher.Get(ctx, "m-stuck")
	require.NoError(t, err)
	assert.Equal(t, message.StateQueued, queued.State)

	h.sessions.Connected(ctx, "d1")
	h.start(t)

	got := h.waitForState(t, "m-stuck", message.StateDelivered)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, []string{"resume me"}, h.provider.sent())
}

func TestDispatcher_PurgeCancelsInFlight(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	started := make(chan struct{}, 1)
	h.provider.send = func(ctx context.Context, _ string) (message.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return message.ResultCancelled, ctx.Err()
	}
	h.sessions.Connected(context.Background(), "d1")
	h.start(t)

	first := submit(t, h.dispatcher, message.PriorityHigh, "in flight")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}
	second := submit(t, h.dispatcher, message.PriorityNormal, "queued")

	n, err := h.dispatcher.Purge(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{first.ID, second.ID} {
		got := h.waitForState(t, id, message.StateDeadLettered)
		assert.Equal(t, message.ReasonPurged, got.Reason)
	}
	assert.Equal(t, int32(1), h.provider.calls.Load())

	_, err = h.dispatcher.Purge(context.Background(), "missing")
	assert.ErrorIs(t, err, dispatch.ErrUnknownDevice)
}

// heldArchive blocks the first save that matches hold until release is
// closed.
type heldArchive struct {
	*message.InMemoryArchive
	hold    func(m *message.Message) bool
	once    sync.Once
	held    chan struct{}
	release chan struct{}
}

func (a *heldArchive) Save(ctx context.Context, m *message.Message) error {
	if a.hold(m) {
		a.once.Do(func() {
			close(a.held)
			<-a.release
		})
	}
	return a.InMemoryArchive.Save(ctx, m)
}

func TestDispatcher_PurgeDuringRetryArchiving(t *testing.T) {
	archive := &heldArchive{
		InMemoryArchive: message.NewInMemoryArchive(),
		hold: func(m *message.Message) bool {
			return m.State == message.StateQueued && m.AttemptCount == 1
		},
		held:    make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, testConfig(), func(o *dispatch.Options) { o.Archive = archive })
	h.provider.send = func(context.Context, string) (message.Result, error) {
		return message.ResultNacked, nil
	}
	h.sessions.Connected(context.Background(), "d1")
	h.start(t)

	m := submit(t, h.dispatcher, message.PriorityNormal, "retry me")
	select {
	case <-archive.held:
	case <-time.After(2 * time.Second):
		t.Fatal("retry was never archived")
	}

	n, err := h.dispatcher.Purge(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	close(archive.release)

	got := h.waitForState(t, m.ID, message.StateDeadLettered)
	assert.Equal(t, message.ReasonPurged, got.Reason)
	assert.Equal(t, 1, got.AttemptCount)

	assert.Eventually(t, func() bool {
		stats := h.dispatcher.Stats()
		return stats.InFlight == 0 && stats.Queue.Admitted[message.PriorityNormal] == 0
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.provider.calls.Load())
}

func TestDispatcher_TagDeviceOnlyTouchesOutbound(t *testing.T) {
	sink := &recordingSink{}
	h := newHarness(t, testConfig(), func(o *dispatch.Options) { o.Inbound = sink })

	out := submit(t, h.dispatcher, message.PriorityNormal, "to device")
	n := h.dispatcher.TagDevice(context.Background(), "d1", message.ReasonSimBlocked)
	assert.Equal(t, 1, n)

	got := h.waitForState(t, out.ID, message.StateDeadLettered)
	assert.Equal(t, message.ReasonSimBlocked, got.Reason)

	h.start(t)
	require.NoError(t, h.dispatcher.HandleInbound(context.Background(), session.Inbound{DeviceID: "d1", Text: "from device"}))
	assert.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

type unavailableArchive struct {
	*message.InMemoryArchive
}

func (unavailableArchive) Save(context.Context, *message.Message) error {
	return errors.New("archive unavailable")
}

func TestDispatcher_InboundFailuresReachTheSource(t *testing.T) {
	h := newHarness(t, testConfig(), func(o *dispatch.Options) {
		o.Archive = unavailableArchive{message.NewInMemoryArchive()}
	})
	h.sessions.SetHandler(h.dispatcher)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sessions.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	err := h.sessions.Apply(context.Background(), session.EndpointEvent{
		Type:     session.EventInbound,
		DeviceID: "d1",
		Text:     "hello",
	})
	require.Error(t, err)
	assert.True(t, session.Redeliverable(err), "storage outage must be redelivered")

	err = h.sessions.Apply(context.Background(), session.EndpointEvent{
		Type:     session.EventInbound,
		DeviceID: "unregistered",
		Text:     "hello",
	})
	require.ErrorIs(t, err, session.ErrInboundRejected)
	assert.ErrorIs(t, err, dispatch.ErrUnknownDevice)
	assert.False(t, session.Redeliverable(err))

	assert.Equal(t, int64(2), h.sessions.GetMetrics().InboundFailed)
}

func TestDispatcher_AdmissionRejectsNewest(t *testing.T) {
	reporter := &overflowCounter{}
	h := newHarness(t, testConfig(), func(o *dispatch.Options) {
		o.Queue = queue.New(queue.Config{CapacityHigh: 1, CapacityNormal: 1, CapacityLow: 1})
		o.Overflow = reporter
	})

	first := submit(t, h.dispatcher, message.PriorityNormal, "first")
	_, err := h.dispatcher.Submit(context.Background(), dispatch.SubmitRequest{
		DeviceID: "d1",
		Priority: message.PriorityNormal,
		Text:     "second",
	})
	assert.ErrorIs(t, err, queue.ErrQueueOverflow)
	assert.Equal(t, int32(1), reporter.count.Load())

	// The admitted message is untouched and still delivered.
	h.sessions.Connected(context.Background(), "d1")
	h.start(t)
	h.waitForState(t, first.ID, message.StateDelivered)
	assert.Equal(t, []string{"first"}, h.provider.sent())
}

func TestDispatcher_SubmitValidation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	_, err := h.dispatcher.Submit(ctx, dispatch.SubmitRequest{DeviceID: "nope", Text: "x"})
	assert.ErrorIs(t, err, dispatch.ErrUnknownDevice)

	_, err = h.dispatcher.Submit(ctx, dispatch.SubmitRequest{DeviceID: "d1"})
	assert.ErrorIs(t, err, dispatch.ErrInvalidMessage)

	_, err = h.dispatcher.Submit(ctx, dispatch.SubmitRequest{DeviceID: "d1", Text: "x", Priority: message.Priority(7)})
	assert.ErrorIs(t, err, dispatch.ErrInvalidMessage)

	_, err = h.dispatcher.Submit(ctx, dispatch.SubmitRequest{DeviceID: "", Text: "x"})
	assert.ErrorIs(t, err, dispatch.ErrInvalidMessage)
}

func TestConfig_RetryDelay(t *testing.T) {
	cfg := dispatch.Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, time.Second, cfg.RetryDelay(0))
	assert.Equal(t, 2*time.Second, cfg.RetryDelay(1))
	assert.Equal(t, 8*time.Second, cfg.RetryDelay(3))
	assert.Equal(t, 10*time.Second, cfg.RetryDelay(4))
	assert.Equal(t, 10*time.Second, cfg.RetryDelay(20))

	cfg.Jitter = 0.2
	for i := 0; i < 50; i++ {
		d := cfg.RetryDelay(2)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}
