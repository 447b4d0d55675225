package alarm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "calmute/internal/log"
	"calmute/internal/model"
)

const maxSleepCap = 60 * time.Second

var (
	// ErrClosed is returned by Schedule after the service context ended.
	ErrClosed = errors.New("alarm service closed")
	// ErrZeroTime is returned by Schedule for an unset fire time.
	ErrZeroTime = errors.New("alarm time is zero")
)

// Fired is delivered on the Fired channel when a trigger's time arrives.
type Fired struct {
	Handle  model.Handle
	At      time.Time // scheduled fire time
	Trigger model.Trigger
}

// Pending describes a trigger that has not fired yet.
type Pending struct {
	Handle  model.Handle  `json:"handle"`
	At      time.Time     `json:"at"`
	Trigger model.Trigger `json:"trigger"`
}

// Service schedules triggers at absolute times.
type Service struct {
	ctx   context.Context
	now   func() time.Time
	wake  chan struct{}
	fired chan Fired

	mu   sync.Mutex
	h    entryHeap
	seq  uint64
	byID map[model.Handle]struct{}
}

// New creates and starts a Service. The service goroutine exits and the
// Fired channel is closed when ctx is cancelled.
func New(ctx context.Context) *Service {
	s := &Service{
		ctx:   ctx,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
		fired: make(chan Fired),
		byID:  make(map[model.Handle]struct{}),
	}
	go s.run()
	return s
}

// Fired returns the channel fired triggers are delivered on. It must be
// drained; the service goroutine blocks until each trigger is received.
func (s *Service) Fired() <-chan Fired {
	return s.fired
}

// Schedule registers t to fire at the given time and returns its handle.
// Times in the past fire as soon as possible.
func (s *Service) Schedule(at time.Time, t model.Trigger) (model.Handle, error) {
	if at.IsZero() {
		return "", ErrZeroTime
	}
	if s.ctx.Err() != nil {
		return "", ErrClosed
	}

	handle := model.Handle(uuid.NewString())

	s.mu.Lock()
	s.seq++
	heapPush(&s.h, entry{handle: handle, at: at, seq: s.seq, trigger: t})
	s.byID[handle] = struct{}{}
	s.mu.Unlock()

	s.poke()
	appLog.Debug("alarm scheduled", "handle", handle, "action", t.Action, "title", t.Title, "at", at)
	return handle, nil
}

// Cancel removes a pending trigger. It reports false when the handle is
// unknown or has already fired. A trigger that is being delivered while
// Cancel runs may still be received.
func (s *Service) Cancel(handle model.Handle) bool {
	s.mu.Lock()
	_, ok := s.byID[handle]
	if ok {
		delete(s.byID, handle)
		heapRemove(&s.h, handle)
	}
	s.mu.Unlock()

	if ok {
		s.poke()
	}
	return ok
}

// Pending lists the triggers that have not fired, earliest first.
func (s *Service) Pending() []Pending {
	s.mu.Lock()
	out := make([]Pending, 0, len(s.h))
	for _, e := range s.h {
		out = append(out, Pending{Handle: e.handle, At: e.at, Trigger: e.trigger})
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// poke wakes the service goroutine so it re-reads the earliest entry.
func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextDelay returns how long to sleep before the earliest entry, capped
// at maxSleepCap. ok is false when nothing is pending.
func (s *Service) nextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return 0, false
	}
	d := s.h[0].at.Sub(s.now())
	if d > maxSleepCap {
		d = maxSleepCap
	}
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Service) run() {
	defer close(s.fired)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		var timerCh <-chan time.Time
		if d, ok := s.nextDelay(); ok {
			timer = time.NewTimer(d)
			timerCh = timer.C
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-timerCh:
			if !s.fireDue() {
				return
			}
		}
	}
}

// fireDue delivers every entry whose time has come. It returns false if
// the context ended during delivery.
func (s *Service) fireDue() bool {
	for {
		s.mu.Lock()
		if s.h.Len() == 0 || s.h[0].at.After(s.now()) {
			s.mu.Unlock()
			return true
		}
		e := heapPop(&s.h)
		delete(s.byID, e.handle)
		s.mu.Unlock()

		select {
		case s.fired <- Fired{Handle: e.handle, At: e.at, Trigger: e.trigger}:
		case <-s.ctx.Done():
			return false
		}
	}
}
