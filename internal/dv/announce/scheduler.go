package announce

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/strefethen/upnp-core-go/internal/clock"
)

// Sender is the minimal send capability the scheduler needs from an SSDP
// socket, satisfied by *ssdp.Socket; a narrow interface so tests can
// substitute a recording fake instead of binding a real UDP port.
type Sender interface {
	Send(payload []byte, addr net.Addr)
}

// minTimerInterval is the reference implementation's kMinTimerIntervalMs:
// below this, the scheduler stops spacing messages out and just sends the
// rest back-to-back, since jittering a window under 10ms is pointless.
const minTimerInterval = 10 * time.Millisecond

// session is one in-flight announcement burst: either a DeviceAnnouncement
// (multicast NOTIFY) or a MsearchResponse (unicast reply), pulled from the
// Scheduler's free list and returned to it on completion — grounded on
// DviSsdpNotifierManager's iFreeResponders/iFreeAnnouncers pools.
type session struct {
	udn      string
	messages [][]byte
	dest     net.Addr
	sent     int
	deadline time.Time
	stopped  bool
	timer    clock.Timer
}

func (s *session) reset() {
	s.udn = ""
	s.messages = nil
	s.dest = nil
	s.sent = 0
	s.deadline = time.Time{}
	s.stopped = false
	s.timer = nil
}

// Scheduler runs Alive/ByeBye/Update/MsearchResponse bursts for a device,
// grounded on DviSsdpNotifierManager
// (original_source/OpenHome/Net/Device/Upnp/DviSsdpNotifier.cpp): a free
// list of sessions is reused rather than reallocated, Stop(udn) sets a
// sticky flag on matching active sessions instead of cancelling them
// outright (so a send already in flight still completes its burst up to
// the stop point), and shutdown blocks until no session is active.
type Scheduler struct {
	logger *log.Logger
	clock  clock.Clock
	rnd    clock.Rand
	socket Sender

	mu     sync.Mutex
	free   []*session
	active map[*session]struct{}
	closed bool
	drained chan struct{}
}

// NewScheduler builds a Scheduler. If logger is nil, log.Default() is used.
func NewScheduler(logger *log.Logger, c clock.Clock, r clock.Rand, socket Sender) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		logger: logger,
		clock:  c,
		rnd:    r,
		socket: socket,
		active: make(map[*session]struct{}),
	}
}

func (s *Scheduler) getSession() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		sess := s.free[n-1]
		s.free = s.free[:n-1]
		return sess
	}
	return &session{}
}

// Start begins a burst of messages destined for dest (the multicast group
// for an announcement, or the M-SEARCH requester's unicast address for a
// response), to complete by window from now. Messages are spaced by
// random jitter so a device with many services doesn't flood the network
// in one instant.
func (s *Scheduler) Start(udn string, messages [][]byte, dest net.Addr, window time.Duration) {
	if len(messages) == 0 {
		return
	}
	sess := s.getSession()
	sess.udn = udn
	sess.messages = messages
	sess.dest = dest
	sess.sent = 0
	sess.deadline = s.clock.Now().Add(window)
	sess.stopped = false

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.releaseSession(sess)
		return
	}
	s.active[sess] = struct{}{}
	s.mu.Unlock()

	s.scheduleNext(sess)
}

// scheduleNext computes the remaining window and either fires immediately
// (the per-message slot, remaining window / remaining messages, is below
// minTimerInterval) or waits a random fraction of that slot — the
// reference implementation's ScheduleNextTimer: maxInterval =
// remaining/remainingMsgs, then Random(maxInterval).
func (s *Scheduler) scheduleNext(sess *session) {
	s.mu.Lock()
	if sess.stopped || s.closed {
		s.mu.Unlock()
		s.completeSession(sess)
		return
	}
	s.mu.Unlock()

	remainingMsgs := len(sess.messages) - sess.sent
	if remainingMsgs <= 0 {
		s.completeSession(sess)
		return
	}

	remaining := sess.deadline.Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	maxInterval := remaining / time.Duration(remainingMsgs)

	if maxInterval < minTimerInterval {
		s.sendNext(sess)
		return
	}

	wait := s.rnd.UniformDuration(maxInterval)
	sess.timer = s.clock.AfterFunc(wait, func() { s.sendNext(sess) })
}

func (s *Scheduler) sendNext(sess *session) {
	s.mu.Lock()
	stopped := sess.stopped || s.closed
	s.mu.Unlock()
	if stopped {
		s.completeSession(sess)
		return
	}

	if sess.sent < len(sess.messages) {
		s.socket.Send(sess.messages[sess.sent], sess.dest)
		sess.sent++
	}

	if sess.sent >= len(sess.messages) {
		s.completeSession(sess)
		return
	}
	s.scheduleNext(sess)
}

func (s *Scheduler) completeSession(sess *session) {
	s.releaseSession(sess)
}

func (s *Scheduler) releaseSession(sess *session) {
	s.mu.Lock()
	delete(s.active, sess)
	sess.reset()
	s.free = append(s.free, sess)
	empty := len(s.active) == 0
	drained := s.drained
	s.mu.Unlock()
	if empty && drained != nil {
		select {
		case drained <- struct{}{}:
		default:
		}
	}
}

// Stop sets a sticky stop flag on every active session for udn (e.g. a
// ByeBye burst in flight for a device being removed before its Alive burst
// finished). Stopped sessions still return to the free list once their
// current send completes, matching DviSsdpNotifierManager::Stop.
func (s *Scheduler) Stop(udn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.active {
		if sess.udn == udn {
			sess.stopped = true
		}
	}
}

// ActiveCount reports the number of in-flight sessions, for diagnostics
// (mirrors ohNet's ListObjectDetails-style introspection).
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown marks the scheduler closed (no further Start calls are
// accepted) and blocks until every active session has drained, or timeout
// elapses.
func (s *Scheduler) Shutdown(timeout time.Duration) bool {
	s.mu.Lock()
	s.closed = true
	if len(s.active) == 0 {
		s.mu.Unlock()
		return true
	}
	s.drained = make(chan struct{}, 1)
	ch := s.drained
	s.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
