package announce

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/strefethen/upnp-core-go/internal/ssdp"
)

// Receiver is the minimal receive capability an MSearchListener needs,
// satisfied by *ssdp.Socket.
type Receiver interface {
	ReadFrom(buf []byte) (n int, addr net.Addr, err error)
}

// MSearchListener answers incoming M-SEARCH requests for a single device
// tree, driving the Scheduler's response-burst discipline (the jittered
// delay spread across the requester's MX window), grounded on ohNet's
// DviDevice SSDP-search dispatch
// (original_source/OpenHome/Net/Device/Upnp/DviDevice.cpp): every request
// with a recognized ST produces a unicast reply burst back to the
// requester, never a multicast one.
type MSearchListener struct {
	logger    *log.Logger
	socket    Receiver
	scheduler *Scheduler
	device    func() DeviceInfo

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMSearchListener builds a listener. If logger is nil, log.Default()
// is used. device is called fresh for every request, so a changing
// Location (e.g. after a farm member rebinds) is always reflected.
func NewMSearchListener(logger *log.Logger, socket Receiver, scheduler *Scheduler, device func() DeviceInfo) *MSearchListener {
	if logger == nil {
		logger = log.Default()
	}
	return &MSearchListener{
		logger:    logger,
		socket:    socket,
		scheduler: scheduler,
		device:    device,
		done:      make(chan struct{}),
	}
}

// Start launches the receive loop.
func (m *MSearchListener) Start() {
	m.wg.Add(1)
	go m.receiveLoop()
}

func (m *MSearchListener) receiveLoop() {
	defer m.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-m.done:
			return
		default:
		}
		n, addr, err := m.socket.ReadFrom(buf)
		if err != nil {
			return
		}
		msg := ssdp.Parse(buf[:n])
		if msg.Method != ssdp.MethodSearch {
			continue
		}
		m.handleSearch(msg, addr)
	}
}

func (m *MSearchListener) handleSearch(msg ssdp.Message, addr net.Addr) {
	mx, ok := msg.MX()
	if !ok || mx <= 0 {
		mx = 1
	}

	info := m.device()
	st := msg.ST()

	var burst [][]byte
	switch st {
	case "", "ssdp:all":
		burst = BuildMsearchResponses(info)
	default:
		reply, matched := BuildMsearchResponseFor(info, st)
		if !matched {
			return
		}
		burst = [][]byte{reply}
	}

	m.scheduler.Start(info.UDN, burst, addr, time.Duration(mx)*time.Second)
}

// Close stops the receive loop.
func (m *MSearchListener) Close() {
	close(m.done)
	m.wg.Wait()
}
