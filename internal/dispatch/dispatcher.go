// Package dispatch moves admitted messages through translation and delivery,
// applying the retry policy and dead-lettering messages that cannot be
// delivered.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/device"
	"github.com/simgate/simgate/internal/message"
	"github.com/simgate/simgate/internal/queue"
	"github.com/simgate/simgate/internal/session"
	"github.com/simgate/simgate/internal/telemetry"
	"github.com/simgate/simgate/internal/translation"
)

// Dispatch errors.
var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrInvalidMessage = errors.New("invalid message")
)

// Devices is the registry view the dispatcher reads before each attempt.
type Devices interface {
	GetDeviceView(ctx context.Context, id string) (*device.DeviceView, error)
}

// Sessions performs outbound delivery attempts.
type Sessions interface {
	IsConnected(deviceID string) bool
	AttemptDelivery(ctx context.Context, m *message.Message) (message.Result, error)
}

// Translator converts payloads before delivery.
type Translator interface {
	Translate(ctx context.Context, p message.Payload) translation.Result
}

// OverflowReporter is told when admission is refused because a tier is full.
type OverflowReporter interface {
	ReportOverflow(ctx context.Context, p message.Priority)
}

// SubmitRequest describes a message to admit.
type SubmitRequest struct {
	DeviceID       string
	Direction      message.Direction
	Priority       message.Priority
	Text           string
	SourceLanguage string
	TargetLanguage string
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Queue    queue.Stats
	InFlight int
}

// Options wires the dispatcher's collaborators.
type Options struct {
	Config     Config
	Queue      *queue.Queue
	Archive    message.Archive
	Devices    Devices
	Sessions   Sessions
	Translator Translator
	Inbound    InboundSink
	Overflow   OverflowReporter
	Metrics    *telemetry.GatewayMetrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Dispatcher owns every admitted message until it reaches a terminal state.
type Dispatcher struct {
	cfg        Config
	queue      *queue.Queue
	archive    message.Archive
	devices    Devices
	sessions   Sessions
	translator Translator
	inbound    InboundSink
	metrics    *telemetry.GatewayMetrics
	logger     zerolog.Logger
	now        func() time.Time
	wake       chan struct{}

	mu       sync.Mutex
	inflight map[string]*flight
	overflow OverflowReporter
}

// flight is a message currently held by a worker. A non-empty reason asks
// the worker to dead-letter the message instead of continuing.
type flight struct {
	msg    *message.Message
	cancel context.CancelFunc
	reason message.Reason
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	q := opts.Queue
	if q == nil {
		q = queue.New(queue.DefaultConfig())
	}
	inbound := opts.Inbound
	if inbound == nil {
		inbound = NewLogInboundSink(opts.Logger)
	}

	return &Dispatcher{
		cfg:        opts.Config.withDefaults(),
		queue:      q,
		archive:    opts.Archive,
		devices:    opts.Devices,
		sessions:   opts.Sessions,
		translator: opts.Translator,
		inbound:    inbound,
		overflow:   opts.Overflow,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With().Str("component", "dispatcher").Logger(),
		now:        now,
		wake:       make(chan struct{}, 1),
		inflight:   make(map[string]*flight),
	}
}

// SetOverflowReporter sets the receiver of overflow reports.
func (d *Dispatcher) SetOverflowReporter(r OverflowReporter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overflow = r
}

// Wake nudges an idle worker, e.g. after a device connects.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Submit validates and admits a message. Validation failures wrap
// ErrInvalidMessage or ErrUnknownDevice; a full tier returns
// queue.ErrQueueOverflow.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*message.Message, error) {
	if req.Direction == "" {
		req.Direction = message.Outbound
	}
	switch {
	case strings.TrimSpace(req.DeviceID) == "":
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidMessage)
	case req.Text == "":
		return nil, fmt.Errorf("%w: text is required", ErrInvalidMessage)
	case !req.Priority.Valid():
		return nil, fmt.Errorf("%w: unknown priority %d", ErrInvalidMessage, req.Priority)
	case req.Direction != message.Outbound && req.Direction != message.Inbound:
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidMessage, req.Direction)
	}

	if _, err := d.devices.GetDeviceView(ctx, req.DeviceID); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, req.DeviceID)
		}
		return nil, fmt.Errorf("looking up device: %w", err)
	}

	now := d.now().UTC()
	m := &message.Message{
		ID:        uuid.NewString(),
		DeviceID:  req.DeviceID,
		Direction: req.Direction,
		Priority:  req.Priority,
		Payload: message.Payload{
			Text:           req.Text,
			SourceLanguage: req.SourceLanguage,
			TargetLanguage: req.TargetLanguage,
		},
		State:     message.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := d.queue.Reserve(m.Priority); err != nil {
		d.metrics.RecordRejected(ctx, m.Priority.String())
		d.reportOverflow(ctx, m.Priority)
		return nil, err
	}
	if err := d.archive.Save(ctx, m); err != nil {
		d.queue.Release(m.Priority)
		return nil, fmt.Errorf("archiving message: %w", err)
	}

	snapshot := m.Clone()
	d.queue.Push(m)
	d.metrics.RecordAdmitted(ctx, m.Priority.String())

	d.logger.Debug().
		Str("message_id", m.ID).
		Str("device_id", m.DeviceID).
		Str("direction", string(m.Direction)).
		Str("priority", m.Priority.String()).
		Msg("message admitted")

	return snapshot, nil
}

// HandleInbound admits a message received from a device. Validation failures
// wrap session.ErrInboundRejected; overflow and archive failures do not, so
// the source keeps the message and redelivers it.
func (d *Dispatcher) HandleInbound(ctx context.Context, in session.Inbound) error {
	_, err := d.Submit(ctx, SubmitRequest{
		DeviceID:       in.DeviceID,
		Direction:      message.Inbound,
		Priority:       message.PriorityNormal,
		Text:           in.Text,
		SourceLanguage: in.Language,
		TargetLanguage: d.cfg.InboundLanguage,
	})
	if errors.Is(err, ErrUnknownDevice) || errors.Is(err, ErrInvalidMessage) {
		return fmt.Errorf("%w: %w", session.ErrInboundRejected, err)
	}
	return err
}

// Recover re-admits every archived message that had not reached a terminal
// state. It must be called before Run. Messages caught mid-attempt restart
// from Queued; their attempt count is kept.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.archive.ListByStates(ctx, []message.State{
		message.StateQueued,
		message.StateTranslating,
		message.StateDispatching,
		message.StateFailed,
	}, message.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("listing unfinished messages: %w", err)
	}

	now := d.now().UTC()
	restored := 0
	for _, m := range pending {
		// Recovery is outside the state machine: whatever the message was
		// doing when the process stopped is abandoned.
		m.State = message.StateQueued
		m.UpdatedAt = now

		if m.AttemptCount >= d.cfg.MaxAttempts {
			if _, err := m.Fail(message.ReasonNone, d.cfg.MaxAttempts, now); err != nil {
				return restored, err
			}
			if err := d.persist(ctx, m); err != nil {
				return restored, err
			}
			d.metrics.RecordDeadLetter(ctx, string(m.Reason))
			continue
		}

		var readyAt time.Time
		if m.NextAttemptAt != nil {
			readyAt = *m.NextAttemptAt
		}
		if err := d.persist(ctx, m); err != nil {
			return restored, err
		}
		d.queue.Restore(m, readyAt)
		d.metrics.RecordAdmitted(ctx, m.Priority.String())
		restored++
	}

	if restored > 0 {
		d.logger.Info().Int("count", restored).Msg("recovered unfinished messages")
	}
	return restored, nil
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned. Messages interrupted by shutdown stay archived in their
// current state and are picked up by Recover on the next start.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Int("workers", d.cfg.Workers).Msg("dispatcher started")

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()

	d.logger.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) work(ctx context.Context) {
	for ctx.Err() == nil {
		f := d.next()
		if f == nil {
			d.idle(ctx)
			continue
		}
		// Another lane may be ready too.
		d.Wake()
		d.process(ctx, f)
	}
}

// next takes the next eligible message and registers it as in flight in one
// step, so tagging never misses a message between the queue and a worker.
func (d *Dispatcher) next() *flight {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.queue.Next(d.eligible)
	if !ok {
		return nil
	}
	f := &flight{msg: m}
	d.inflight[m.ID] = f
	return f
}

func (d *Dispatcher) eligible(m *message.Message) bool {
	return m.Direction == message.Inbound || d.sessions.IsConnected(m.DeviceID)
}

func (d *Dispatcher) idle(ctx context.Context) {
	wait := d.cfg.IdlePoll
	if at, ok := d.queue.NextReadyAt(); ok {
		if until := at.Sub(d.now()); until > 0 && until < wait {
			wait = until
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-d.queue.Notify():
	case <-d.wake:
	case <-timer.C:
	}
}

func (d *Dispatcher) process(ctx context.Context, f *flight) {
	m := f.msg
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	f.cancel = cancel
	tagged := f.reason
	d.mu.Unlock()
	defer d.untrack(m.ID)

	logger := d.logger.With().
		Str("message_id", m.ID).
		Str("device_id", m.DeviceID).
		Int("attempt", m.AttemptCount+1).
		Logger()

	if tagged == message.ReasonNone && m.Direction == message.Outbound {
		blocked, err := d.simBlocked(ctx, m.DeviceID)
		if err != nil {
			logger.Warn().Err(err).Msg("sim status unavailable, attempting delivery")
		}
		if blocked {
			tagged = message.ReasonSimBlocked
		}
	}
	if tagged != message.ReasonNone {
		d.deadLetter(ctx, m, tagged)
		return
	}

	if err := m.Transition(message.StateTranslating, d.now().UTC()); err != nil {
		logger.Error().Err(err).Msg("message in unexpected state")
		d.queue.Complete(m)
		return
	}
	if err := d.persist(ctx, m); err != nil {
		d.abandon(ctx, m, logger, err)
		return
	}

	d.translate(attemptCtx, m, logger)

	if reason := d.tagOf(m.ID); reason != message.ReasonNone {
		d.deadLetter(ctx, m, reason)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if err := m.Transition(message.StateDispatching, d.now().UTC()); err != nil {
		logger.Error().Err(err).Msg("message in unexpected state")
		d.queue.Complete(m)
		return
	}
	if err := d.persist(ctx, m); err != nil {
		d.abandon(ctx, m, logger, err)
		return
	}

	start := d.now()
	result, err := d.deliver(attemptCtx, m)
	d.metrics.RecordAttempt(ctx, string(result), d.now().Sub(start))

	if reason := d.tagOf(m.ID); reason != message.ReasonNone && result != message.ResultAcked {
		m.AttemptCount++
		m.RecordAttempt(d.now().UTC(), message.ResultCancelled, err)
		d.deadLetter(ctx, m, reason)
		return
	}
	if ctx.Err() != nil && result != message.ResultAcked {
		return
	}

	if errors.Is(err, session.ErrNotConnected) {
		// Nothing reached the device; wait for the session without spending an attempt.
		logger.Debug().Msg("session dropped before delivery")
		d.retry(ctx, m, logger)
		return
	}

	at := d.now().UTC()
	m.AttemptCount++
	m.LastAttemptAt = &at
	m.RecordAttempt(at, result, err)

	switch {
	case errors.Is(err, session.ErrSimBlocked):
		logger.Warn().Msg("network refused sim, not retrying")
		d.deadLetter(ctx, m, message.ReasonSimBlocked)

	case result == message.ResultAcked && err == nil:
		if err := m.Transition(message.StateDelivered, at); err != nil {
			logger.Error().Err(err).Msg("message in unexpected state")
			d.queue.Complete(m)
			return
		}
		d.finish(ctx, m)
		logger.Info().Int("attempts", m.AttemptCount).Msg("message delivered")

	default:
		logger.Info().Err(err).Str("result", string(result)).Msg("delivery attempt failed")
		state, ferr := m.Fail(message.ReasonNone, d.cfg.MaxAttempts, at)
		if ferr != nil {
			logger.Error().Err(ferr).Msg("message in unexpected state")
			d.queue.Complete(m)
			return
		}
		if state == message.StateDeadLettered {
			d.metrics.RecordDeadLetter(ctx, string(m.Reason))
			d.finish(ctx, m)
			logger.Warn().Str("reason", string(m.Reason)).Msg("message dead-lettered")
			return
		}
		readyAt := at.Add(d.cfg.RetryDelay(m.AttemptCount))
		m.NextAttemptAt = &readyAt
		d.requeue(ctx, m)
	}
}

func (d *Dispatcher) translate(ctx context.Context, m *message.Message, logger zerolog.Logger) {
	if m.TranslatedPayload != nil || m.Downgraded || !m.Payload.NeedsTranslation() {
		return
	}
	if d.translator == nil {
		m.Downgraded = true
		logger.Warn().Msg("no translator configured, delivering original text")
		return
	}

	res := d.translator.Translate(ctx, m.Payload)
	switch {
	case res.Downgraded:
		m.Downgraded = true
		logger.Warn().Err(res.Err).Msg("translation downgraded, delivering original text")
	case res.Translated:
		text := res.Text
		m.TranslatedPayload = &text
	}
}

func (d *Dispatcher) deliver(ctx context.Context, m *message.Message) (message.Result, error) {
	if m.Direction == message.Outbound {
		return d.sessions.AttemptDelivery(ctx, m)
	}

	fctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	err := d.inbound.Forward(fctx, m)
	switch {
	case err == nil:
		return message.ResultAcked, nil
	case errors.Is(fctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return message.ResultTimeout, err
	case ctx.Err() != nil:
		return message.ResultCancelled, err
	default:
		return message.ResultError, err
	}
}

// retry sends a message back to Queued without counting an attempt.
func (d *Dispatcher) retry(ctx context.Context, m *message.Message, logger zerolog.Logger) {
	now := d.now().UTC()
	err := m.Transition(message.StateFailed, now)
	if err == nil {
		err = m.Transition(message.StateQueued, now)
	}
	if err != nil {
		logger.Error().Err(err).Msg("message in unexpected state")
		d.queue.Complete(m)
		return
	}
	m.NextAttemptAt = nil
	d.requeue(ctx, m)
}

func (d *Dispatcher) requeue(ctx context.Context, m *message.Message) {
	if err := d.persist(ctx, m); err != nil {
		d.logger.Error().Err(err).Str("message_id", m.ID).Msg("archiving retry failed")
	}
	var readyAt time.Time
	if m.NextAttemptAt != nil {
		readyAt = *m.NextAttemptAt
	}
	if reason := d.putBack(m, readyAt); reason != message.ReasonNone {
		d.deadLetter(ctx, m, reason)
	}
}

// putBack returns m to its lane and stops tracking it, unless it was tagged
// while in flight. The tag's reason is returned in that case and the caller
// still owns the message. Holding d.mu orders this against tag's Drain, so a
// tag either sees the message in the queue or in flight, never neither.
func (d *Dispatcher) putBack(m *message.Message, readyAt time.Time) message.Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.inflight[m.ID]; ok && f.reason != message.ReasonNone {
		return f.reason
	}
	d.queue.Requeue(m, readyAt)
	delete(d.inflight, m.ID)
	return message.ReasonNone
}

// deadLetter ends a message that must not be retried.
func (d *Dispatcher) deadLetter(ctx context.Context, m *message.Message, reason message.Reason) {
	if _, err := m.Fail(reason, d.cfg.MaxAttempts, d.now().UTC()); err != nil {
		d.logger.Error().Err(err).Str("message_id", m.ID).Msg("message in unexpected state")
		d.queue.Complete(m)
		return
	}
	d.metrics.RecordDeadLetter(ctx, string(reason))
	d.finish(ctx, m)

	d.logger.Warn().
		Str("message_id", m.ID).
		Str("device_id", m.DeviceID).
		Str("reason", string(reason)).
		Msg("message dead-lettered")
}

// finish archives a terminal message and releases its capacity.
func (d *Dispatcher) finish(ctx context.Context, m *message.Message) {
	if err := d.persist(context.WithoutCancel(ctx), m); err != nil {
		d.logger.Error().Err(err).Str("message_id", m.ID).Msg("archiving terminal state failed")
	}
	d.queue.Complete(m)
	d.metrics.RecordFinished(ctx, m.Priority.String(), string(m.State))
}

// abandon gives a message back to the queue after the archive kept failing.
func (d *Dispatcher) abandon(ctx context.Context, m *message.Message, logger zerolog.Logger, err error) {
	if ctx.Err() != nil {
		return
	}
	logger.Error().Err(err).Msg("archive unavailable, message left queued")
	m.State = message.StateQueued
	if reason := d.putBack(m, d.now().Add(d.cfg.BaseDelay)); reason != message.ReasonNone {
		d.deadLetter(ctx, m, reason)
	}
}

// persist saves a snapshot of m, retrying transient archive failures.
func (d *Dispatcher) persist(ctx context.Context, m *message.Message) error {
	snapshot := m.Clone()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx)

	return backoff.Retry(func() error {
		return d.archive.Save(ctx, snapshot)
	}, b)
}

func (d *Dispatcher) simBlocked(ctx context.Context, deviceID string) (bool, error) {
	view, err := d.devices.GetDeviceView(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return view.SIM != nil && view.SIM.Status == device.SimBlocked, nil
}

func (d *Dispatcher) tagOf(id string) message.Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.inflight[id]; ok {
		return f.reason
	}
	return message.ReasonNone
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

func (d *Dispatcher) reportOverflow(ctx context.Context, p message.Priority) {
	d.mu.Lock()
	r := d.overflow
	d.mu.Unlock()

	d.logger.Warn().Str("priority", p.String()).Msg("queue tier full, message rejected")
	if r != nil {
		r.ReportOverflow(ctx, p)
	}
}

// TagDevice dead-letters the device's outbound messages with reason. Queued
// messages are removed at once; attempts in progress are cancelled and
// dead-lettered by their worker. It returns the number of messages affected.
func (d *Dispatcher) TagDevice(ctx context.Context, deviceID string, reason message.Reason) int {
	return d.tag(ctx, deviceID, reason, func(m *message.Message) bool {
		return m.Direction == message.Outbound
	})
}

// Purge dead-letters every message of the device with ReasonPurged.
func (d *Dispatcher) Purge(ctx context.Context, deviceID string) (int, error) {
	if _, err := d.devices.GetDeviceView(ctx, deviceID); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return 0, fmt.Errorf("looking up device: %w", err)
	}
	return d.tag(ctx, deviceID, message.ReasonPurged, nil), nil
}

func (d *Dispatcher) tag(ctx context.Context, deviceID string, reason message.Reason, match func(*message.Message) bool) int {
	d.mu.Lock()
	drained := d.queue.Drain(deviceID, match)
	cancelled := 0
	for _, f := range d.inflight {
		if f.msg.DeviceID != deviceID || (match != nil && !match(f.msg)) || f.reason != message.ReasonNone {
			continue
		}
		f.reason = reason
		if f.cancel != nil {
			f.cancel()
		}
		cancelled++
	}
	d.mu.Unlock()

	for _, m := range drained {
		if _, err := m.Fail(reason, d.cfg.MaxAttempts, d.now().UTC()); err != nil {
			d.logger.Error().Err(err).Str("message_id", m.ID).Msg("message in unexpected state")
			continue
		}
		if err := d.persist(context.WithoutCancel(ctx), m); err != nil {
			d.logger.Error().Err(err).Str("message_id", m.ID).Msg("archiving dead letter failed")
		}
		d.metrics.RecordDeadLetter(ctx, string(reason))
		d.metrics.RecordFinished(ctx, m.Priority.String(), string(m.State))
	}

	total := len(drained) + cancelled
	if total > 0 {
		d.logger.Warn().
			Str("device_id", deviceID).
			Str("reason", string(reason)).
			Int("queued", len(drained)).
			Int("in_flight", cancelled).
			Msg("device messages dead-lettered")
	}
	return total
}

// Get returns the archived state of a message.
func (d *Dispatcher) Get(ctx context.Context, id string) (*message.Message, error) {
	return d.archive.Get(ctx, id)
}

// ListDeadLettered returns dead-lettered messages with their attempt history,
// optionally for one device.
func (d *Dispatcher) ListDeadLettered(ctx context.Context, deviceID string, limit int) ([]*message.Message, error) {
	return d.archive.ListByStates(ctx, []message.State{message.StateDeadLettered}, message.ListOptions{
		DeviceID: deviceID,
		Limit:    limit,
	})
}

// Stats returns current queue occupancy.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	inflight := len(d.inflight)
	d.mu.Unlock()
	return Stats{Queue: d.queue.Stats(), InFlight: inflight}
}
