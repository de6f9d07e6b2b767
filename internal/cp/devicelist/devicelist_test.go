package devicelist

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/upnp-core-go/internal/adapter"
	"github.com/strefethen/upnp-core-go/internal/clock"
	"github.com/strefethen/upnp-core-go/internal/model"
	"github.com/strefethen/upnp-core-go/internal/ssdp"
)

type stubFetcher struct {
	body []byte
	err  error
}

func (s stubFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return s.body, s.err
}

type stubParser struct {
	dev *model.Device
	err error
}

func (s stubParser) Parse(raw []byte) (*model.Device, error) {
	return s.dev, s.err
}

func newTestList(t *testing.T, fc *clock.Fake, fetcher Fetcher) *DeviceList {
	t.Helper()
	l := New(Options{
		Clock:   fc,
		Fetcher: fetcher,
		Parser:  stubParser{dev: &model.Device{UDN: "device-1"}},
	})
	return l
}

// recorder accumulates every Update a DeviceList publishes from the moment
// it is attached, so a test can assert on several points along one growing
// timeline instead of racing a fresh listener against events already sent.
type recorder struct {
	mu  sync.Mutex
	got []Update
	ch  chan struct{}
}

func attach(l *DeviceList) *recorder {
	r := &recorder{ch: make(chan struct{}, 1)}
	l.AddListener(func(u Update) {
		r.mu.Lock()
		r.got = append(r.got, u)
		r.mu.Unlock()
		select {
		case r.ch <- struct{}{}:
		default:
		}
	})
	return r
}

func (r *recorder) waitFor(n int, timeout time.Duration) []Update {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		count := len(r.got)
		r.mu.Unlock()
		if count >= n {
			break
		}
		select {
		case <-r.ch:
		case <-deadline:
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.got
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got
}

func TestDeviceList_AliveAddsDeviceAfterFetch(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := newTestList(t, fc, stubFetcher{body: []byte("<root/>")})
	rec := attach(l)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 1800, "test")))

	updates := rec.waitFor(1, time.Second)
	require.Len(t, updates, 1)
	require.Equal(t, Added, updates[0].Kind)
	require.Equal(t, "device-1", updates[0].UDN)
}

func TestDeviceList_ByeByeRemovesKnownDevice(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := newTestList(t, fc, stubFetcher{body: []byte("<root/>")})
	rec := attach(l)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 1800, "test")))
	rec.waitFor(1, time.Second)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyByeBye, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "", 0, "")))

	updates := rec.waitFor(2, time.Second)
	require.Len(t, updates, 2)
	require.Equal(t, Removed, updates[1].Kind)

	_, ok := l.RefDevice("device-1")
	require.False(t, ok)
}

func TestDeviceList_ExpiryRemovesDeviceOnTimeout(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := newTestList(t, fc, stubFetcher{body: []byte("<root/>")})
	rec := attach(l)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 5, "test")))
	rec.waitFor(1, time.Second)

	fc.Advance(10 * time.Second)

	updates := rec.waitFor(2, time.Second)
	require.Len(t, updates, 2)
	require.Equal(t, Removed, updates[1].Kind)
}

func TestDeviceList_RefDevice_UnknownFails(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := newTestList(t, fc, stubFetcher{body: []byte("<root/>")})
	_, ok := l.RefDevice("nope")
	require.False(t, ok)
}

func TestDeviceList_Filter_RootOnlyDropsNonRootNotify(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(Options{
		Clock:   fc,
		Fetcher: stubFetcher{body: []byte("<root/>")},
		Parser:  stubParser{dev: &model.Device{UDN: "device-1"}},
		Filter:  Filter{Kind: FilterRootOnly},
	})
	rec := attach(l)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "urn:schemas-upnp-org:service:Foo:1",
		"uuid:device-1::urn:schemas-upnp-org:service:Foo:1", "http://10.0.0.2/desc.xml", 1800, "test")))
	require.Len(t, rec.waitFor(1, 200*time.Millisecond), 0)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 1800, "test")))
	updates := rec.waitFor(1, time.Second)
	require.Len(t, updates, 1)
	require.Equal(t, Added, updates[0].Kind)
}

func TestDeviceList_Filter_ByDeviceTypeRejectsOtherTypes(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	const wanted = "urn:schemas-upnp-org:device:BinaryLight:1"
	l := New(Options{
		Clock:   fc,
		Fetcher: stubFetcher{body: []byte("<root/>")},
		Parser:  stubParser{dev: &model.Device{UDN: "device-1"}},
		Filter:  Filter{Kind: FilterByDeviceType, Target: wanted},
	})
	rec := attach(l)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "urn:schemas-upnp-org:device:DimmableLight:1",
		"uuid:device-1::urn:schemas-upnp-org:device:DimmableLight:1", "http://10.0.0.2/desc.xml", 1800, "test")))
	require.Len(t, rec.waitFor(1, 200*time.Millisecond), 0)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, wanted,
		"uuid:device-1::"+wanted, "http://10.0.0.2/desc.xml", 1800, "test")))
	require.Len(t, rec.waitFor(1, time.Second), 1)
}

func TestDeviceList_MaxAge_NeverDowngradesDeadline(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := newTestList(t, fc, stubFetcher{body: []byte("<root/>")})
	rec := attach(l)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 100, "test")))
	rec.waitFor(1, time.Second)

	l.mu.Lock()
	longDeadline := l.live["device-1"].deadline
	l.mu.Unlock()

	// A shorter max-age on a subsequent alive must not move the deadline
	// earlier.
	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 10, "test")))

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Equal(t, longDeadline, l.live["device-1"].deadline)
}

func TestDeviceList_MaxAge_ExtendsOnLaterDeadline(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := newTestList(t, fc, stubFetcher{body: []byte("<root/>")})
	rec := attach(l)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 10, "test")))
	rec.waitFor(1, time.Second)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 1800, "test")))

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Equal(t, fc.Now().Add(1800*time.Second), l.live["device-1"].deadline)
}

func TestDeviceList_Refresh_RemovesDeviceThatDoesNotRespond(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := newTestList(t, fc, stubFetcher{body: []byte("<root/>")})
	rec := attach(l)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 1800, "test")))
	rec.waitFor(1, time.Second)

	l.Refresh(3)
	fc.Advance(5 * time.Second) // mx(3)+2, fires completeRefresh

	updates := rec.waitFor(3, time.Second)
	require.Len(t, updates, 3)
	require.Equal(t, Removed, updates[1].Kind)
	require.Equal(t, Refreshed, updates[2].Kind)

	_, ok := l.RefDevice("device-1")
	require.False(t, ok)
}

func TestDeviceList_Refresh_KeepsDeviceThatResponds(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := newTestList(t, fc, stubFetcher{body: []byte("<root/>")})
	rec := attach(l)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 1800, "test")))
	rec.waitFor(1, time.Second)

	l.Refresh(3)
	// Device answers the M-SEARCH burst mid-refresh.
	l.handleMessage(ssdp.Parse(ssdp.BuildSearchReply("upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 1800, "test")))

	fc.Advance(5 * time.Second)

	updates := rec.waitFor(2, time.Second)
	for _, u := range updates {
		require.NotEqual(t, Removed, u.Kind, "no Removed update expected: device answered the refresh")
	}

	_, ok := l.RefDevice("device-1")
	require.True(t, ok)
}

func TestDeviceList_AdapterChange_TearsDownAllDevices(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	logger := log.Default()
	adapters, err := adapter.NewService(logger, true)
	require.NoError(t, err)
	defer adapters.Close()

	l := New(Options{
		Clock:    fc,
		Fetcher:  stubFetcher{body: []byte("<root/>")},
		Parser:   stubParser{dev: &model.Device{UDN: "device-1"}},
		Adapters: adapters,
	})
	rec := attach(l)

	l.handleMessage(ssdp.Parse(ssdp.BuildNotify(ssdp.NotifyAlive, "upnp:rootdevice",
		"uuid:device-1::upnp:rootdevice", "http://10.0.0.2/desc.xml", 1800, "test")))
	rec.waitFor(1, time.Second)

	l.onAdapterEvent(adapter.Event{Kind: adapter.SubnetListChanged})

	updates := rec.waitFor(2, time.Second)
	require.Len(t, updates, 2)
	require.Equal(t, Removed, updates[1].Kind)

	_, ok := l.RefDevice("device-1")
	require.False(t, ok)
}
