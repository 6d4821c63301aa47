package coin

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcoin/internal/telemetry"
)

const DefaultMessageTimeout = 30 * time.Second

// Handler receives the terminal outcome of a request: the response
// message, or a nil message and an error.
type Handler func(Message, error)

type pendingRequest struct {
	kind    Kind
	handler Handler
	timer   Timer
}

// Tracker correlates outstanding requests with their handlers. Every
// registered uid gets exactly one outcome: a response, a failure, or a
// timeout.
type Tracker struct {
	mu      sync.Mutex
	pending map[int32]*pendingRequest
	sched   Scheduler
	log     *zap.Logger

	// onExpire receives the MessageLost synthesized for a timed-out uid.
	onExpire func(*MessageLost)
}

func NewTracker(sched Scheduler, log *zap.Logger) *Tracker {
	if sched == nil {
		sched = RealScheduler{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{
		pending: make(map[int32]*pendingRequest),
		sched:   sched,
		log:     log,
	}
	t.onExpire = t.expire
	return t
}

// Register stores h under uid and arms its timeout.
func (t *Tracker) Register(uid int32, kind Kind, h Handler, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultMessageTimeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[uid]; ok {
		return fmt.Errorf("register %d: %w", uid, ErrDuplicateRequest)
	}
	p := &pendingRequest{kind: kind, handler: h}
	p.timer = t.sched.AfterFunc(timeout, func() {
		lost := &MessageLost{Header: Header{UID: uid}, Lost: kind}
		t.log.Debug("request timed out", zap.Int32("uid", uid), zap.Stringer("kind", kind))
		t.onExpire(lost)
	})
	t.pending[uid] = p
	telemetry.PendingRequests.Inc()
	t.log.Debug("registered request", zap.Int32("uid", uid), zap.Stringer("kind", kind))
	return nil
}

// Resolve delivers msg to the handler registered under uid. It reports
// false when no request is pending, e.g. a late or duplicate response.
func (t *Tracker) Resolve(uid int32, msg Message) bool {
	p := t.take(uid)
	if p == nil {
		return false
	}
	p.handler(msg, nil)
	return true
}

// Fail delivers err to the handler registered under uid.
func (t *Tracker) Fail(uid int32, err error) bool {
	p := t.take(uid)
	if p == nil {
		return false
	}
	p.handler(nil, err)
	return true
}

func (t *Tracker) Pending(uid int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[uid]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) take(uid int32) *pendingRequest {
	t.mu.Lock()
	p, ok := t.pending[uid]
	if ok {
		delete(t.pending, uid)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	p.timer.Stop()
	telemetry.PendingRequests.Dec()
	return p
}

func (t *Tracker) expire(m *MessageLost) {
	t.Fail(m.UID, &LostError{UID: m.UID, Kind: m.Lost})
}
