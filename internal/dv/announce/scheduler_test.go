package announce

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/upnp-core-go/internal/clock"
)

func TestMessages_RootDeviceBurstSize(t *testing.T) {
	d := DeviceInfo{
		UDN:          "device-1",
		DeviceType:   "urn:schemas-upnp-org:device:BinaryLight:1",
		IsRoot:       true,
		ServiceTypes: []string{"urn:schemas-upnp-org:service:SwitchPower:1"},
		Location:     "http://10.0.0.2/desc.xml",
		MaxAgeSecs:   1800,
		Server:       "test",
	}
	msgs := BuildAlive(d)
	require.Len(t, msgs, 4) // rootdevice + uuid + devicetype + 1 service
}

func TestMessages_EmbeddedDeviceOmitsRootdeviceAnnouncement(t *testing.T) {
	d := DeviceInfo{
		UDN:        "device-2",
		DeviceType: "urn:schemas-upnp-org:device:Dimmer:1",
		IsRoot:     false,
	}
	msgs := BuildAlive(d)
	require.Len(t, msgs, 2) // uuid + devicetype, no rootdevice
}

func TestMessages_ByeByeOmitsLocation(t *testing.T) {
	d := DeviceInfo{UDN: "device-1", DeviceType: "urn:x:device:Light:1", IsRoot: true, Location: "http://x/"}
	msgs := BuildByeBye(d)
	for _, m := range msgs {
		require.NotContains(t, string(m), "LOCATION")
	}
}

type recordingSender struct {
	mu  sync.Mutex
	got [][]byte
}

func (r *recordingSender) Send(payload []byte, addr net.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, payload)
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestScheduler_SendsAllMessagesAndDrains(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	// Each message interval collapses below minTimerInterval once the
	// window is tight, so every message fires on the same Start call.
	sender := &recordingSender{}
	sched := NewScheduler(nil, fc, fc, sender)

	msgs := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	sched.Start("device-1", msgs, &net.UDPAddr{}, 0)

	require.Equal(t, 3, sender.count())
	require.Equal(t, 0, sched.ActiveCount())
}

func TestScheduler_StopPreventsFurtherSends(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	fc.QueueUniform(0, 0, 0)

	sender := &recordingSender{}
	sched := &Scheduler{clock: fc, rnd: fc, socket: sender, active: make(map[*session]struct{})}
	sess := &session{udn: "device-1", messages: [][]byte{[]byte("a"), []byte("b")}, deadline: fc.Now().Add(time.Second)}
	sched.active[sess] = struct{}{}

	sched.Stop("device-1")
	require.True(t, sess.stopped)

	sched.scheduleNext(sess)
	require.Equal(t, 0, sender.count())
	require.Equal(t, 0, sched.ActiveCount())
}

func TestScheduler_ActiveCountTracksSessions(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sched := &Scheduler{clock: fc, rnd: fc, active: make(map[*session]struct{})}
	require.Equal(t, 0, sched.ActiveCount())
	sched.active[&session{}] = struct{}{}
	require.Equal(t, 1, sched.ActiveCount())
}
