package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/message"
)

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	Provider Provider
	Handler  InboundHandler
	Seen     SeenRecorder
	Logger   zerolog.Logger

	// DeliveryTimeout bounds a single delivery attempt.
	// Default: 30 seconds
	DeliveryTimeout time.Duration

	// InboundWorkers is the number of inbound workers. Events for one device
	// always land on the same worker.
	// Default: 4
	InboundWorkers int

	// InboundBuffer is the channel depth per worker.
	// Default: 256
	InboundBuffer int

	// OnConnect is called after a device session becomes Connected.
	OnConnect func(deviceID string)

	Now func() time.Time
}

// Metrics tracks session manager counters.
type Metrics struct {
	InboundReceived  atomic.Int64
	InboundFailed    atomic.Int64
	DeliveryAttempts atomic.Int64
	DeliveryTimeouts atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	InboundReceived  int64
	InboundFailed    int64
	DeliveryAttempts int64
	DeliveryTimeouts int64
}

// Manager owns device sessions.
type Manager struct {
	provider        Provider
	handler         InboundHandler
	seen            SeenRecorder
	logger          zerolog.Logger
	deliveryTimeout time.Duration
	onConnect       func(deviceID string)
	now             func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Info

	shards  []chan inboundJob
	offline chan string
	metrics Metrics

	// recvMu orders Receive's send against Run closing the shards.
	recvMu  sync.RWMutex
	stopped bool
}

// inboundJob carries one inbound message and the handler's verdict back to
// the caller of Receive.
type inboundJob struct {
	in   Inbound
	done chan error
}

// NewManager creates a new session manager. Call Run to start the inbound workers.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.InboundWorkers <= 0 {
		cfg.InboundWorkers = 4
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	shards := make([]chan inboundJob, cfg.InboundWorkers)
	for i := range shards {
		shards[i] = make(chan inboundJob, cfg.InboundBuffer)
	}

	return &Manager{
		provider:        cfg.Provider,
		handler:         cfg.Handler,
		seen:            cfg.Seen,
		logger:          cfg.Logger.With().Str("component", "session").Logger(),
		deliveryTimeout: cfg.DeliveryTimeout,
		onConnect:       cfg.OnConnect,
		now:             cfg.Now,
		sessions:        make(map[string]*Info),
		shards:          shards,
		offline:         make(chan string, 256),
	}
}

// SetHandler sets the inbound handler. It must be called before Run.
func (m *Manager) SetHandler(h InboundHandler) {
	m.handler = h
}

// SetOnConnect sets the connect hook. It must be called before any session connects.
func (m *Manager) SetOnConnect(fn func(deviceID string)) {
	m.onConnect = fn
}

// Run starts the inbound workers and blocks until ctx is cancelled and every
// queued inbound event has been handled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, ch := range m.shards {
		wg.Add(1)
		go func(workerID int, jobs <-chan inboundJob) {
			defer wg.Done()
			m.inboundWorker(ctx, workerID, jobs)
		}(i, ch)
	}

	<-ctx.Done()
	m.recvMu.Lock()
	m.stopped = true
	for _, ch := range m.shards {
		close(ch)
	}
	m.recvMu.Unlock()
	wg.Wait()
}

// Connected marks the device session Connected. Repeated notifications are no-ops.
// Returns true if the state changed.
func (m *Manager) Connected(ctx context.Context, deviceID string) bool {
	now := m.now()
	if !m.setState(deviceID, StateConnected, now) {
		return false
	}

	m.logger.Info().Str("device_id", deviceID).Msg("session connected")
	m.recordSeen(ctx, deviceID, now)
	if m.onConnect != nil {
		m.onConnect(deviceID)
	}
	return true
}

// Reconnecting marks the device session as reconnecting. Delivery is paused
// until the session is Connected again.
func (m *Manager) Reconnecting(_ context.Context, deviceID string) bool {
	if !m.setState(deviceID, StateReconnecting, m.now()) {
		return false
	}
	m.logger.Info().Str("device_id", deviceID).Msg("session reconnecting")
	return true
}

// Lost marks the device session Lost and emits an offline candidate for the
// health monitor. In-flight messages are not failed here; their delivery
// attempts time out or are retried by the dispatcher.
func (m *Manager) Lost(_ context.Context, deviceID string) bool {
	if !m.setState(deviceID, StateLost, m.now()) {
		return false
	}

	m.logger.Warn().Str("device_id", deviceID).Msg("session lost")
	select {
	case m.offline <- deviceID:
	default:
		m.logger.Warn().Str("device_id", deviceID).Msg("offline candidate dropped, monitor is behind")
	}
	return true
}

// Disconnect tears the session down. Tearing down an unknown session is a no-op.
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, deviceID)
}

// OfflineCandidates returns the channel of devices whose sessions were lost.
func (m *Manager) OfflineCandidates() <-chan string {
	return m.offline
}

// IsConnected reports whether the device has a Connected session.
func (m *Manager) IsConnected(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[deviceID]
	return ok && s.State == StateConnected
}

// Session returns the device's session, if any.
func (m *Manager) Session(deviceID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[deviceID]
	if !ok {
		return Info{}, false
	}
	return *s, true
}

// Sessions returns all known sessions ordered by device ID.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// AttemptDelivery sends the message over the device's session. Only Connected
// sessions accept delivery. The attempt is bounded by the delivery timeout;
// running out of time yields ResultTimeout. Cancelling ctx yields
// ResultCancelled.
func (m *Manager) AttemptDelivery(ctx context.Context, msg *message.Message) (message.Result, error) {
	if !m.IsConnected(msg.DeviceID) {
		return message.ResultError, ErrNotConnected
	}
	m.metrics.DeliveryAttempts.Add(1)

	attemptCtx, cancel := context.WithTimeout(ctx, m.deliveryTimeout)
	defer cancel()

	result, err := m.provider.Send(attemptCtx, msg.DeviceID, msg.DeliveryText())
	switch {
	case ctx.Err() != nil:
		return message.ResultCancelled, ctx.Err()
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		m.metrics.DeliveryTimeouts.Add(1)
		return message.ResultTimeout, nil
	case err != nil:
		return message.ResultError, err
	}
	return result, nil
}

// Receive hands an inbound message to the worker that owns the device and
// returns the handler's result, so a failed admission reaches the caller. It
// blocks while that worker's channel is full.
func (m *Manager) Receive(ctx context.Context, in Inbound) error {
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = m.now()
	}

	job := inboundJob{in: in, done: make(chan error, 1)}
	if err := m.enqueue(ctx, job); err != nil {
		return err
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) enqueue(ctx context.Context, job inboundJob) error {
	m.recvMu.RLock()
	defer m.recvMu.RUnlock()
	if m.stopped {
		return ErrStopped
	}

	select {
	case m.shards[m.shardFor(job.in.DeviceID)] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetMetrics returns a snapshot of the manager counters.
func (m *Manager) GetMetrics() MetricsSnapshot {
	return MetricsSnapshot{
		InboundReceived:  m.metrics.InboundReceived.Load(),
		InboundFailed:    m.metrics.InboundFailed.Load(),
		DeliveryAttempts: m.metrics.DeliveryAttempts.Load(),
		DeliveryTimeouts: m.metrics.DeliveryTimeouts.Load(),
	}
}

// inboundWorker runs until Run closes its channel. Jobs accepted before
// shutdown are still handled.
func (m *Manager) inboundWorker(ctx context.Context, workerID int, jobs <-chan inboundJob) {
	for job := range jobs {
		hctx := ctx
		if ctx.Err() != nil {
			hctx = context.WithoutCancel(ctx)
		}
		job.done <- m.handleInbound(hctx, workerID, job.in)
	}
}

func (m *Manager) handleInbound(ctx context.Context, workerID int, in Inbound) error {
	m.metrics.InboundReceived.Add(1)
	m.recordSeen(ctx, in.DeviceID, in.ReceivedAt)

	if m.handler == nil {
		return nil
	}
	err := m.handler.HandleInbound(ctx, in)
	if err != nil {
		m.metrics.InboundFailed.Add(1)
		event := m.logger.Error()
		if errors.Is(err, ErrInboundRejected) {
			event = m.logger.Warn()
		}
		event.Err(err).
			Int("worker", workerID).
			Str("device_id", in.DeviceID).
			Msg("inbound message not admitted")
	}
	return err
}

func (m *Manager) recordSeen(ctx context.Context, deviceID string, at time.Time) {
	if m.seen == nil {
		return
	}
	if err := m.seen.RecordSeen(ctx, deviceID, at); err != nil {
		m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to record device seen")
	}
}

func (m *Manager) setState(deviceID string, state State, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[deviceID]
	if ok && s.State == state {
		return false
	}
	m.sessions[deviceID] = &Info{DeviceID: deviceID, State: state, Since: at}
	return true
}

func (m *Manager) shardFor(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(m.shards))) //nolint:gosec // shard count is small and positive
}
