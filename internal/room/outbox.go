package room

import (
	"sync"

	"coderoom/internal/models"
)

const (
	ReasonSuperseded   = "superseded"
	ReasonSlowConsumer = "slow_consumer"
	ReasonLeft         = "left"
	ReasonKicked       = "kicked"
	ReasonExpired      = "reconnect_grace_expired"
	ReasonRoomReset    = "room_reset"
	ReasonRoomClosed   = "room_closed"
)

// Outbox is the bounded, ordered stream of frames for one connection.
// Push never blocks. When full, the oldest buffered event is dropped; if only
// presence and document frames are buffered the outbox closes instead, since
// skipping one of those would leave the receiver with a gap.
type Outbox struct {
	mu      sync.Mutex
	frames  []models.Frame
	limit   int
	notify  chan struct{}
	done    chan struct{}
	closed  bool
	reason  string
	dropped int
}

func NewOutbox(limit int) *Outbox {
	if limit < 1 {
		limit = 1
	}
	return &Outbox{
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push enqueues a frame and reports whether the outbox is still open.
func (o *Outbox) Push(f models.Frame) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if len(o.frames) >= o.limit {
		if !o.dropOldestEphemeralLocked() {
			if f.Ephemeral() {
				o.dropped++
				return true
			}
			o.closeLocked(ReasonSlowConsumer)
			return false
		}
	}
	o.frames = append(o.frames, f)
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

func (o *Outbox) dropOldestEphemeralLocked() bool {
	for i, f := range o.frames {
		if f.Ephemeral() {
			o.frames = append(o.frames[:i], o.frames[i+1:]...)
			o.dropped++
			return true
		}
	}
	return false
}

// Drain removes and returns every buffered frame in order.
func (o *Outbox) Drain() []models.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	return frames
}

// Notify fires after a push; the receiver should Drain.
func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}

// Done is closed once the outbox is closed. Frames pushed before closing can still be drained.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

func (o *Outbox) Close(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked(reason)
}

func (o *Outbox) closeLocked(reason string) {
	if o.closed {
		return
	}
	o.closed = true
	o.reason = reason
	close(o.done)
}

func (o *Outbox) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}
