package adapter

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestService_PublishDiff_AddedRemovedChanged(t *testing.T) {
	s := &Service{
		internal: make(map[int]Listener),
		external: make(map[int]Listener),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.notifyLoop()
	defer s.Close()

	var mu sync.Mutex
	var got []Event
	s.AddListener(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})

	before := []Adapter{{Name: "eth0", IPv4: net.ParseIP("192.168.1.5").To4()}}
	after := []Adapter{
		{Name: "eth0", IPv4: net.ParseIP("192.168.1.6").To4()},
		{Name: "eth1", IPv4: net.ParseIP("10.0.0.2").To4()},
	}
	s.publishDiff(before, after)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	kinds := map[EventKind]bool{}
	for _, ev := range got {
		kinds[ev.Kind] = true
	}
	require.True(t, kinds[AdapterChanged])
	require.True(t, kinds[AdapterAdded])
	require.True(t, kinds[SubnetListChanged])
}

func TestService_InternalListenersNotifiedFirst(t *testing.T) {
	s := &Service{
		internal: make(map[int]Listener),
		external: make(map[int]Listener),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.notifyLoop()
	defer s.Close()

	var mu sync.Mutex
	var order []string
	s.AddListener(func(Event) {
		mu.Lock()
		order = append(order, "external")
		mu.Unlock()
	})
	s.AddInternalListener(func(Event) {
		mu.Lock()
		order = append(order, "internal")
		mu.Unlock()
	})

	s.publish(Event{Kind: CurrentChanged})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"internal", "external"}, order)
}

func TestService_SetCurrentSubnet_NoMatch(t *testing.T) {
	s := &Service{
		internal: make(map[int]Listener),
		external: make(map[int]Listener),
		events:   make(chan Event, 1),
		done:     make(chan struct{}),
		adapters: []Adapter{{Name: "eth0", IPv4: net.ParseIP("192.168.1.5").To4(), SubnetMask: net.CIDRMask(24, 32)}},
	}
	ok := s.SetCurrentSubnet(net.ParseIP("10.0.0.0"))
	require.False(t, ok)
}
