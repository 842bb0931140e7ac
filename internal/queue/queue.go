// Package queue holds admitted messages in lanes ordered by priority and
// arrival, with bounded capacity per priority tier. Each device has one lane
// per direction.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/simgate/simgate/internal/message"
)

// ErrQueueOverflow is returned when a priority tier is at capacity.
var ErrQueueOverflow = errors.New("queue overflow")

// Config holds queue capacities per priority tier.
type Config struct {
	CapacityHigh   int
	CapacityNormal int
	CapacityLow    int
	Now            func() time.Time
}

// DefaultConfig returns the default tier capacities.
func DefaultConfig() Config {
	return Config{
		CapacityHigh:   1000,
		CapacityNormal: 5000,
		CapacityLow:    5000,
	}
}

// Queue is safe for concurrent use. Each lane serves at most one message at
// a time; lanes are served round-robin.
type Queue struct {
	mu       sync.Mutex
	lanes    map[string]*lane
	ring     []string
	cursor   int
	admitted [3]int
	capacity [3]int
	seq      uint64
	seqs     map[string]uint64 // admission order, kept across requeues
	notify   chan struct{}
	now      func() time.Time
}

type lane struct {
	key      string
	pending  entryHeap
	inFlight *message.Message
}

type entry struct {
	msg     *message.Message
	seq     uint64
	readyAt time.Time
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		lanes:    make(map[string]*lane),
		seqs:     make(map[string]uint64),
		capacity: [3]int{cfg.CapacityHigh, cfg.CapacityNormal, cfg.CapacityLow},
		notify:   make(chan struct{}, 1),
		now:      now,
	}
}

// Enqueue admits a new message. If the message's tier is full the message is
// rejected with ErrQueueOverflow; messages already admitted are never evicted.
func (q *Queue) Enqueue(m *message.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tier := tierOf(m.Priority)
	if q.capacity[tier] > 0 && q.admitted[tier] >= q.capacity[tier] {
		return ErrQueueOverflow
	}
	q.admitted[tier]++
	q.push(m, time.Time{})
	return nil
}

// Restore re-admits a message recovered from the archive, ignoring capacity.
func (q *Queue) Restore(m *message.Message, readyAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.admitted[tierOf(m.Priority)]++
	q.push(m, readyAt)
}

// Reserve claims capacity in tier p for a message that will be added with
// Push. It fails with ErrQueueOverflow when the tier is full.
func (q *Queue) Reserve(p message.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tier := tierOf(p)
	if q.capacity[tier] > 0 && q.admitted[tier] >= q.capacity[tier] {
		return ErrQueueOverflow
	}
	q.admitted[tier]++
	return nil
}

// Release returns capacity claimed by Reserve that was never used.
func (q *Queue) Release(p message.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if tier := tierOf(p); q.admitted[tier] > 0 {
		q.admitted[tier]--
	}
}

// Push adds a message whose capacity was claimed with Reserve.
func (q *Queue) Push(m *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.push(m, time.Time{})
}

// Next hands out the head of the next lane that has no message in flight,
// whose head is ready, and whose head passes eligible. The message stays
// admitted until Requeue or Complete is called for it.
func (q *Queue) Next(eligible func(m *message.Message) bool) (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := len(q.ring)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		l := q.lanes[q.ring[idx]]
		if l.inFlight != nil || len(l.pending) == 0 {
			continue
		}
		head := l.pending[0]
		if head.readyAt.After(now) {
			continue
		}
		if eligible != nil && !eligible(head.msg) {
			continue
		}

		heap.Pop(&l.pending)
		l.inFlight = head.msg
		q.cursor = (idx + 1) % n
		return head.msg, true
	}
	return nil, false
}

// Requeue returns an in-flight message to its lane, not to be handed out before readyAt.
func (q *Queue) Requeue(m *message.Message, readyAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.lanes[laneKey(m)]; ok && l.inFlight == m {
		l.inFlight = nil
	}
	q.push(m, readyAt)
}

// Complete releases an in-flight message that reached a terminal state.
func (q *Queue) Complete(m *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.lanes[laneKey(m)]
	if !ok || l.inFlight != m {
		return
	}
	l.inFlight = nil
	q.admitted[tierOf(m.Priority)]--
	delete(q.seqs, m.ID)
	q.dropIfIdle(l.key, l)
	q.signal()
}

// Drain removes the device's pending messages that match and returns them in
// lane order, outbound lane first. In-flight messages are left alone.
func (q *Queue) Drain(deviceID string, match func(*message.Message) bool) []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*message.Message
	for _, dir := range []message.Direction{message.Outbound, message.Inbound} {
		key := deviceID + "/" + string(dir)
		if l, ok := q.lanes[key]; ok {
			out = append(out, q.drainLane(l, match)...)
		}
	}
	return out
}

func (q *Queue) drainLane(l *lane, match func(*message.Message) bool) []*message.Message {
	var drained, kept []*entry
	for len(l.pending) > 0 {
		e := heap.Pop(&l.pending).(*entry)
		if match == nil || match(e.msg) {
			drained = append(drained, e)
		} else {
			kept = append(kept, e)
		}
	}
	for _, e := range kept {
		heap.Push(&l.pending, e)
	}

	out := make([]*message.Message, 0, len(drained))
	for _, e := range drained {
		q.admitted[tierOf(e.msg.Priority)]--
		delete(q.seqs, e.msg.ID)
		out = append(out, e.msg)
	}
	q.dropIfIdle(l.key, l)
	return out
}

// NextReadyAt returns the earliest time a lane head becomes ready, ignoring
// lanes with a message in flight.
func (q *Queue) NextReadyAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	found := false
	for _, l := range q.lanes {
		if l.inFlight != nil || len(l.pending) == 0 {
			continue
		}
		at := l.pending[0].readyAt
		if !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}
	return earliest, found
}

// Notify returns a channel that receives a value whenever work may have become available.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Admitted map[message.Priority]int
	Capacity map[message.Priority]int
	Lanes    int
	InFlight int
}

// Stats returns current occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Admitted: make(map[message.Priority]int, 3),
		Capacity: make(map[message.Priority]int, 3),
		Lanes:    len(q.lanes),
	}
	for _, p := range message.Priorities {
		s.Admitted[p] = q.admitted[tierOf(p)]
		s.Capacity[p] = q.capacity[tierOf(p)]
	}
	for _, l := range q.lanes {
		if l.inFlight != nil {
			s.InFlight++
		}
	}
	return s
}

func (q *Queue) push(m *message.Message, readyAt time.Time) {
	key := laneKey(m)
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{key: key}
		q.lanes[key] = l
		q.ring = append(q.ring, key)
	}
	seq, ok := q.seqs[m.ID]
	if !ok {
		q.seq++
		seq = q.seq
		q.seqs[m.ID] = seq
	}
	heap.Push(&l.pending, &entry{msg: m, seq: seq, readyAt: readyAt})
	q.signal()
}

func (q *Queue) dropIfIdle(key string, l *lane) {
	if l.inFlight != nil || len(l.pending) > 0 {
		return
	}
	delete(q.lanes, key)
	for i, k := range q.ring {
		if k != key {
			continue
		}
		q.ring = append(q.ring[:i], q.ring[i+1:]...)
		if q.cursor > i {
			q.cursor--
		}
		if q.cursor >= len(q.ring) {
			q.cursor = 0
		}
		break
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func laneKey(m *message.Message) string {
	dir := m.Direction
	if dir != message.Inbound {
		dir = message.Outbound
	}
	return m.DeviceID + "/" + string(dir)
}

func tierOf(p message.Priority) int {
	if !p.Valid() {
		return int(message.PriorityNormal)
	}
	return int(p)
}

// entryHeap orders a lane by priority, then creation time, then admission order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i].msg, h[j].msg
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
