package devicelist

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/strefethen/upnp-core-go/internal/adapter"
	"github.com/strefethen/upnp-core-go/internal/clock"
	"github.com/strefethen/upnp-core-go/internal/handle"
	"github.com/strefethen/upnp-core-go/internal/model"
	"github.com/strefethen/upnp-core-go/internal/ssdp"
)

// UpdateKind names the three notifications a DeviceList publishes.
type UpdateKind int

const (
	Added UpdateKind = iota
	Removed
	Refreshed
)

// Update is one notification delivered to the list's listeners, mirroring
// ohNet's CpiDeviceListUpdater queue items. There is no separate updater
// goroutine: listeners are called synchronously on the goroutine that made
// the change (the receive loop, a description-fetch goroutine, a timer
// callback, or the caller of Refresh).
type Update struct {
	Kind   UpdateKind
	UDN    string
	Handle *handle.Handle
}

// Listener receives Updates. Must not block.
type Listener func(Update)

// FilterKind names the five ways a DeviceList can be restricted to a
// subset of SSDP traffic: every alive/update/search-reply whose NT/ST
// doesn't match is dropped before it ever reaches the device-list state
// machine.
type FilterKind int

const (
	// FilterAll accepts every NT/ST (the "ssdp:all" list).
	FilterAll FilterKind = iota
	// FilterRootOnly accepts only "upnp:rootdevice".
	FilterRootOnly
	// FilterByUUID accepts only "uuid:<Target>".
	FilterByUUID
	// FilterByDeviceType accepts only NT/ST equal to Target, a device type URN.
	FilterByDeviceType
	// FilterByServiceType accepts only NT/ST equal to Target, a service type URN.
	FilterByServiceType
)

// Filter restricts a DeviceList to one notification/search-target shape,
// grounded on CpiDeviceListUpd's StartAll/StartRoot/StartUuid/
// StartDeviceType/StartServiceType variants.
type Filter struct {
	Kind   FilterKind
	Target string // uuid (without "uuid:" prefix), or a device/service type URN
}

// matches reports whether nt (a NOTIFY NT header or M-SEARCH-reply ST
// header) satisfies the filter.
func (f Filter) matches(nt string) bool {
	switch f.Kind {
	case FilterRootOnly:
		return nt == "upnp:rootdevice"
	case FilterByUUID:
		return nt == "uuid:"+f.Target
	case FilterByDeviceType, FilterByServiceType:
		return nt == f.Target
	default:
		return true
	}
}

// entry is the list's bookkeeping for one known device, layered on top of
// the shared refcounted Handle.
type entry struct {
	h        *handle.Handle
	location string
	maxAge   time.Duration
	deadline time.Time
	timer    clock.Timer
}

// DeviceList implements the control-point SSDP listener and device-list
// state machine: a live map is the source of truth; Refresh saves it as a
// shadow, clears it, and repopulates it only from responses seen during
// the refresh window, so a device that answers mid-refresh survives and
// one that doesn't is torn down once the window elapses.
type DeviceList struct {
	logger       *log.Logger
	clock        clock.Clock
	fetcher      Fetcher
	parser       DescriptionParser
	socket       *ssdp.Socket
	searchTarget string
	filter       Filter
	adapters     *adapter.Service
	defaultMX    int
	retryWindow  time.Duration

	mu         sync.Mutex
	live       map[string]*entry
	shadow     map[string]*entry
	refreshing bool

	retryDeadline time.Time // zero when not in a new-adapter retry burst

	listenerMu sync.Mutex
	listeners  []Listener

	adapterListenerID int

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Options configures a new DeviceList.
type Options struct {
	Logger       *log.Logger
	Clock        clock.Clock
	Fetcher      Fetcher
	Parser       DescriptionParser
	Socket       *ssdp.Socket
	SearchTarget string // e.g. "ssdp:all" or a specific device/service type URN
	Filter       Filter // zero value is FilterAll

	// Adapters, when set, makes the list tear down (emitting Removed for
	// every known device) and re-issue an M-SEARCH burst whenever the
	// current subnet changes, retrying for up to RetryWindow.
	Adapters    *adapter.Service
	RetryWindow time.Duration
	DefaultMX   int
}

// New builds a DeviceList bound to an already-open multicast Socket. Start
// must be called to begin processing incoming datagrams.
func New(opts Options) *DeviceList {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Parser == nil {
		opts.Parser = XMLParser{}
	}
	if opts.SearchTarget == "" {
		opts.SearchTarget = "ssdp:all"
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = 60 * time.Second
	}
	if opts.DefaultMX <= 0 {
		opts.DefaultMX = 3
	}
	return &DeviceList{
		logger:       opts.Logger,
		clock:        opts.Clock,
		fetcher:      opts.Fetcher,
		parser:       opts.Parser,
		socket:       opts.Socket,
		searchTarget: opts.SearchTarget,
		filter:       opts.Filter,
		adapters:     opts.Adapters,
		defaultMX:    opts.DefaultMX,
		retryWindow:  opts.RetryWindow,
		live:         make(map[string]*entry),
		done:         make(chan struct{}),
	}
}

// AddListener registers l to receive future Added/Removed/Refreshed
// notifications.
func (l *DeviceList) AddListener(fn Listener) {
	l.listenerMu.Lock()
	defer l.listenerMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *DeviceList) publish(u Update) {
	l.listenerMu.Lock()
	fns := make([]Listener, len(l.listeners))
	copy(fns, l.listeners)
	l.listenerMu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// Start launches the receive loop consuming datagrams from the socket,
// and registers for adapter-change notifications if Options.Adapters was
// set.
func (l *DeviceList) Start() {
	l.wg.Add(1)
	go l.receiveLoop()
	if l.adapters != nil {
		l.adapterListenerID = l.adapters.AddListener(l.onAdapterEvent)
	}
}

func (l *DeviceList) receiveLoop() {
	defer l.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-l.done:
			return
		default:
		}
		n, _, err := l.socket.ReadFrom(buf)
		if err != nil {
			return
		}
		msg := ssdp.Parse(buf[:n])
		l.handleMessage(msg)
	}
}

func (l *DeviceList) handleMessage(msg ssdp.Message) {
	switch msg.Method {
	case ssdp.MethodNotify:
		switch ssdp.NotifyType(msg.NTS()) {
		case ssdp.NotifyAlive:
			if !l.filter.matches(msg.NT()) {
				return
			}
			l.onSeen(msg.USN(), msg.Location(), msg.MaxAgeOrDefault())
		case ssdp.NotifyByeBye:
			if !l.filter.matches(msg.NT()) {
				return
			}
			l.onByeBye(msg.USN())
		case ssdp.NotifyUpdate:
			if !l.filter.matches(msg.NT()) {
				return
			}
			l.onSeen(msg.USN(), msg.Location(), msg.MaxAgeOrDefault())
		}
	case ssdp.MethodSearchReply:
		if !l.filter.matches(msg.ST()) {
			return
		}
		l.onSeen(msg.USN(), msg.Location(), msg.MaxAgeOrDefault())
	}
}

func udnFromUSN(usn string) string {
	if idx := indexOf(usn, "::"); idx >= 0 {
		usn = usn[:idx]
	}
	const prefix = "uuid:"
	if len(usn) >= len(prefix) && usn[:len(prefix)] == prefix {
		usn = usn[len(prefix):]
	}
	return usn
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// onSeen handles an ssdp:alive, ssdp:update, or M-SEARCH 200 OK.
//
// Known devices (present in live) only have their expiry timer reset
// in place when the newly-derived deadline is later than the one
// already in force: an existing device's max-age deadline never
// downgrades.
//
// While a refresh is in progress, live was cleared at the start of the
// window, so every response is "new" from live's perspective. A device
// that was already known before the refresh started (present in the
// saved shadow) is carried back into live without being re-fetched; a
// device absent from the shadow is genuinely new and goes through the
// normal fetch-then-add path.
func (l *DeviceList) onSeen(usn, location string, maxAge time.Duration) {
	udn := udnFromUSN(usn)
	if udn == "" || location == "" {
		return
	}

	l.mu.Lock()
	if e, known := l.live[udn]; known {
		l.maybeExtendDeadline(udn, e, maxAge)
		l.mu.Unlock()
		return
	}
	if l.refreshing {
		if se, inShadow := l.shadow[udn]; inShadow {
			se.location = location
			l.maybeExtendDeadline(udn, se, maxAge)
			l.live[udn] = se
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()

	if l.fetcher == nil {
		return
	}

	go l.fetchAndAdd(udn, location, maxAge)
}

// maybeExtendDeadline rearms e's expiry timer iff the deadline implied by
// maxAge is later than e's current deadline. Caller must hold l.mu.
func (l *DeviceList) maybeExtendDeadline(udn string, e *entry, maxAge time.Duration) {
	newDeadline := l.clock.Now().Add(maxAge)
	if e.timer != nil && !newDeadline.After(e.deadline) {
		return
	}
	e.maxAge = maxAge
	e.deadline = newDeadline
	l.rescheduleExpiry(udn, e)
}

func (l *DeviceList) fetchAndAdd(udn, location string, maxAge time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := l.fetcher.Fetch(ctx, location)
	if err != nil {
		l.logger.Printf("devicelist: fetch %s: %v", location, err)
		return
	}
	dev, err := l.parser.Parse(raw)
	if err != nil {
		l.logger.Printf("devicelist: parse %s: %v", location, err)
		return
	}
	if dev.UDN == "" {
		dev.UDN = udn
	}
	dev.Location = location

	l.mu.Lock()
	if _, exists := l.live[udn]; exists {
		l.mu.Unlock()
		return
	}
	h := l.newHandle(udn, dev)
	h.SetReady()
	now := l.clock.Now()
	e := &entry{h: h, location: location, maxAge: maxAge, deadline: now.Add(maxAge)}
	l.live[udn] = e
	l.rescheduleExpiry(udn, e)
	l.mu.Unlock()

	l.publish(Update{Kind: Added, UDN: udn, Handle: h})
}

func (l *DeviceList) newHandle(udn string, dev *model.Device) *handle.Handle {
	return handle.New(udn, dev, func(*handle.Handle) {})
}

// rescheduleExpiry arms or re-arms e's max-age timer for the time
// remaining until e.deadline. Caller must hold l.mu.
func (l *DeviceList) rescheduleExpiry(udn string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	d := e.deadline.Sub(l.clock.Now())
	if d < 0 {
		d = 0
	}
	e.timer = l.clock.AfterFunc(d, func() { l.onExpired(udn) })
}

func (l *DeviceList) onExpired(udn string) {
	l.mu.Lock()
	e, ok := l.live[udn]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.live, udn)
	if l.refreshing {
		delete(l.shadow, udn)
	}
	l.mu.Unlock()

	e.h.SetExpired()
	e.h.SetRemoved()
	e.h.RemoveRef()
	l.publish(Update{Kind: Removed, UDN: udn, Handle: e.h})
}

func (l *DeviceList) onByeBye(usn string) {
	udn := udnFromUSN(usn)
	if udn == "" {
		return
	}
	l.mu.Lock()
	e, ok := l.live[udn]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.live, udn)
	if l.refreshing {
		delete(l.shadow, udn)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	l.mu.Unlock()

	e.h.SetRemoved()
	e.h.RemoveRef()
	l.publish(Update{Kind: Removed, UDN: udn, Handle: e.h})
}

// RefDevice claims an extra reference to the device identified by udn, or
// returns false if unknown or draining — the handle-level analogue of
// CpiDeviceList::RefDevice.
func (l *DeviceList) RefDevice(udn string) (*handle.Handle, bool) {
	l.mu.Lock()
	e, ok := l.live[udn]
	l.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !e.h.TryAddRef() {
		return nil, false
	}
	return e.h, true
}

// Refresh issues a fresh M-SEARCH burst: the current live map is saved as
// a shadow, live is cleared, and devices are re-added to live only as
// their responses arrive during the window (see onSeen). At the window's
// end, completeRefresh diffs the saved shadow against the rebuilt live
// map: any UDN present only in the shadow did not respond and is removed.
func (l *DeviceList) Refresh(mx int) {
	l.mu.Lock()
	l.shadow = l.live
	l.live = make(map[string]*entry, len(l.shadow))
	l.refreshing = true
	l.mu.Unlock()

	if l.socket != nil {
		req := ssdp.BuildSearch(l.searchTarget, mx)
		l.socket.Send(req, &net.UDPAddr{IP: net.ParseIP(ssdp.MulticastIP), Port: ssdp.MulticastPort})
	}

	l.clock.AfterFunc(time.Duration(mx+2)*time.Second, l.completeRefresh)
}

func (l *DeviceList) completeRefresh() {
	l.mu.Lock()
	shadow := l.shadow
	stale := make([]*entry, 0)
	for udn, e := range shadow {
		if _, stillLive := l.live[udn]; !stillLive {
			stale = append(stale, e)
		}
	}
	l.refreshing = false
	l.shadow = nil
	l.mu.Unlock()

	for _, e := range stale {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.h.SetRemoved()
		e.h.RemoveRef()
		l.publish(Update{Kind: Removed, UDN: e.h.UDN, Handle: e.h})
	}
	l.publish(Update{Kind: Refreshed})

	l.continueAdapterRetryIfNeeded()
}

// onAdapterEvent reacts to the current subnet changing: every known
// device is torn down immediately (it is not reachable on the new
// subnet without re-confirmation), and a fresh M-SEARCH burst is issued,
// retried for up to retryWindow until at least one device responds.
func (l *DeviceList) onAdapterEvent(ev adapter.Event) {
	switch ev.Kind {
	case adapter.CurrentChanged, adapter.SubnetListChanged:
	default:
		return
	}
	l.teardownAll()

	l.mu.Lock()
	l.retryDeadline = l.clock.Now().Add(l.retryWindow)
	l.mu.Unlock()

	l.Refresh(l.defaultMX)
}

func (l *DeviceList) teardownAll() {
	l.mu.Lock()
	old := make([]*entry, 0, len(l.live))
	for _, e := range l.live {
		old = append(old, e)
	}
	l.live = make(map[string]*entry)
	l.refreshing = false
	l.shadow = nil
	l.mu.Unlock()

	for _, e := range old {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.h.SetRemoved()
		e.h.RemoveRef()
		l.publish(Update{Kind: Removed, UDN: e.h.UDN, Handle: e.h})
	}
}

// continueAdapterRetryIfNeeded re-issues another M-SEARCH burst if the
// most recent refresh was part of a new-adapter retry window, nothing has
// answered yet, and the window hasn't elapsed.
func (l *DeviceList) continueAdapterRetryIfNeeded() {
	l.mu.Lock()
	if l.retryDeadline.IsZero() {
		l.mu.Unlock()
		return
	}
	haveDevices := len(l.live) > 0
	deadlinePassed := !l.clock.Now().Before(l.retryDeadline)
	if haveDevices || deadlinePassed {
		l.retryDeadline = time.Time{}
		l.mu.Unlock()
		return
	}
	mx := l.defaultMX
	l.mu.Unlock()

	l.Refresh(mx)
}

// Close stops the receive loop and unregisters from the adapter service.
// The underlying Socket is owned by the caller and is not closed here.
func (l *DeviceList) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.adapters != nil {
			l.adapters.RemoveListener(l.adapterListenerID)
		}
	})
	l.wg.Wait()
}
