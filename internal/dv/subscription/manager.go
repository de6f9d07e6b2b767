package subscription

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strefethen/upnp-core-go/internal/apperrors"
	"github.com/strefethen/upnp-core-go/internal/clock"
)

// publisher is one worker in the Manager's pool: pulls itself from the
// free queue, is handed a subscription, calls WriteChanges, then returns
// itself to the free queue — grounded on DviSubscription.cpp's Publisher
// (a Thread subclass pulling from a free Fifo).
type publisher struct {
	id int
}

// Manager runs the device-side Subscription Manager: a SID-keyed
// subscription table, renewal and expiry (no timer is armed per
// subscription; expired entries are dropped only when ExpireStale is
// called), and a fixed-size publisher
// worker pool that pulls a free worker before dequeuing the next dirty
// subscription — grounded on DviSubscriptionManager::Run (Wait() → pull
// free publisher → pop subscription → Publish).
type Manager struct {
	logger        *log.Logger
	clock         clock.Clock
	writerFactory WriterFactory
	maxDuration   int
	writeTimeout  time.Duration

	mu   sync.Mutex
	subs map[string]*Subscription

	queue chan *Subscription
	free  chan *publisher

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds a Manager with numPublishers workers. If logger is
// nil, log.Default() is used, matching this codebase's
// constructor-injected logger idiom.
func NewManager(logger *log.Logger, c clock.Clock, wf WriterFactory, numPublishers, maxDurationSecs int, writeTimeout time.Duration) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		logger:        logger,
		clock:         c,
		writerFactory: wf,
		maxDuration:   maxDurationSecs,
		writeTimeout:  writeTimeout,
		subs:          make(map[string]*Subscription),
		queue:         make(chan *Subscription, 256),
		free:          make(chan *publisher, numPublishers),
		done:          make(chan struct{}),
	}
	for i := 0; i < numPublishers; i++ {
		m.free <- &publisher{id: i}
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Subscribe creates a new Subscription with a fresh SID, clamping the
// requested duration to the device's configured ceiling, and enqueues it
// for an immediate initial publish: every eventable property (seeded
// non-zero by NewService) is dirty relative to this subscription's
// freshly-zeroed last-sent markers, so the first NotifyDirty pass sends a
// full dump with SEQ=0.
func (m *Manager) Subscribe(service *Service, callbackURL string, requestedSecs int) *Subscription {
	secs := requestedSecs
	if secs <= 0 || secs > m.maxDuration {
		secs = m.maxDuration
	}
	sid := "uuid:" + uuid.NewString()
	sub := NewSubscription(sid, callbackURL, service, m.writerFactory, m.clock.Now(), secs)

	m.mu.Lock()
	m.subs[sid] = sub
	m.mu.Unlock()

	m.NotifyDirty(sid)
	return sub
}

// Renew extends an existing subscription by SID.
func (m *Manager) Renew(sid string, requestedSecs int) error {
	m.mu.Lock()
	sub, ok := m.subs[sid]
	m.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.KindSubscriptionExpired, "Renew", apperrors.ErrSubscriptionNotFound)
	}
	sub.Renew(m.clock.Now(), requestedSecs, m.maxDuration)
	return nil
}

// Unsubscribe removes a subscription by SID immediately, with no further
// event delivery.
func (m *Manager) Unsubscribe(sid string) error {
	m.mu.Lock()
	sub, ok := m.subs[sid]
	if ok {
		delete(m.subs, sid)
	}
	m.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.KindSubscriptionExpired, "Unsubscribe", apperrors.ErrSubscriptionNotFound)
	}
	sub.Remove()
	return nil
}

// NotifyDirty enqueues sid for publishing on the next free worker. Callers
// invoke it after changing a property with Service.SetValue; Service does
// not call it itself. Non-blocking; a full queue drops the notification
// with a log line (the property stays dirty and will be picked up by the
// next NotifyDirty for any property on the same subscription).
func (m *Manager) NotifyDirty(sid string) {
	m.mu.Lock()
	sub, ok := m.subs[sid]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case m.queue <- sub:
	default:
		m.logger.Printf("subscription: publish queue full, dropping notify for %s", sid)
	}
}

// run is DviSubscriptionManager::Run: pull a free publisher, then a
// pending subscription, and hand the one to the other. Pulling the worker
// first means a burst of dirty subscriptions naturally backpressures on
// pool size rather than spawning unbounded goroutines.
func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case pub := <-m.free:
			select {
			case sub := <-m.queue:
				m.wg.Add(1)
				go m.publish(pub, sub)
			case <-m.done:
				m.free <- pub
				return
			}
		}
	}
}

func (m *Manager) publish(pub *publisher, sub *Subscription) {
	defer m.wg.Done()
	sub.WriteChanges(context.Background(), m.clock, m.writeTimeout)
	m.free <- pub
}

// ExpireStale removes any subscription whose granted duration has
// elapsed, returning the removed SIDs.
func (m *Manager) ExpireStale() []string {
	now := m.clock.Now()
	m.mu.Lock()
	var expired []string
	for sid, sub := range m.subs {
		if sub.Expired(now) {
			expired = append(expired, sid)
			delete(m.subs, sid)
		}
	}
	m.mu.Unlock()
	return expired
}

// Stats reports active subscription and free-worker counts, for
// diagnostics.
func (m *Manager) Stats() (activeSubscriptions, freeWorkers int) {
	m.mu.Lock()
	activeSubscriptions = len(m.subs)
	m.mu.Unlock()
	return activeSubscriptions, len(m.free)
}

// Shutdown stops the dispatch loop. In-flight publishes already handed to
// a worker goroutine are allowed to finish.
func (m *Manager) Shutdown() {
	close(m.done)
	m.wg.Wait()
}
