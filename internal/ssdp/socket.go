package ssdp

import (
	"errors"
	"net"

	"golang.org/x/net/ipv4"
)

// Socket is a joined multicast UDP socket used for both sending and
// receiving SSDP datagrams, grounded on gcastel-gossdp's createSocket,
// modernized from the archived code.google.com/p/go.net/ipv4 to the
// maintained golang.org/x/net/ipv4.
type Socket struct {
	raw  net.PacketConn
	pc   *ipv4.PacketConn
	send chan writeReq
	done chan struct{}
}

type writeReq struct {
	payload []byte
	to      net.Addr
}

// OpenSocket binds the SSDP multicast port and joins the group on every
// interface carrying a usable (non-unspecified) address, mirroring
// gossdp's per-interface JoinGroup loop. It returns an error only if no
// interface could be joined.
func OpenSocket() (*Socket, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:1900")
	if err != nil {
		return nil, err
	}

	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastLoopback(true)

	group := net.ParseIP(MulticastIP)
	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, err
	}

	joined := false
	for i := range ifaces {
		iface := ifaces[i]
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if !hasRealAddress(addrs) {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group}); err != nil {
			continue
		}
		joined = true
	}
	if !joined {
		conn.Close()
		return nil, errors.New("ssdp: no usable network interface found for multicast join")
	}

	s := &Socket{
		raw:  conn,
		pc:   pc,
		send: make(chan writeReq, 32),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// writeLoop is the single goroutine that owns writes to the socket, the
// same pattern gossdp's socketWriter uses to serialize access to the
// shared UDP connection.
func (s *Socket) writeLoop() {
	for {
		select {
		case req := <-s.send:
			_, _ = s.raw.WriteTo(req.payload, req.to)
		case <-s.done:
			return
		}
	}
}

// Send queues payload for delivery to addr (multicast group or unicast
// reply address). Non-blocking beyond the channel buffer; callers that
// need backpressure should size their own send rate.
func (s *Socket) Send(payload []byte, addr net.Addr) {
	select {
	case s.send <- writeReq{payload: payload, to: addr}:
	case <-s.done:
	}
}

// ReadFrom reads the next datagram. It blocks until a packet arrives, the
// socket errors, or Close is called (at which point it returns an error).
func (s *Socket) ReadFrom(buf []byte) (n int, addr net.Addr, err error) {
	return s.raw.ReadFrom(buf)
}

// Close stops the write loop and releases the underlying connection.
func (s *Socket) Close() error {
	close(s.done)
	return s.raw.Close()
}

func hasRealAddress(addrs []net.Addr) bool {
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.IsUnspecified() {
			continue
		}
		return true
	}
	return false
}
