package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/strefethen/upnp-core-go/internal/apperrors"
	"github.com/strefethen/upnp-core-go/internal/clock"
)

// Writer delivers a GENA NOTIFY body to a subscriber's CALLBACK URL. The
// concrete HTTP implementation lives in internal/dv/server.
type Writer interface {
	Write(ctx context.Context, callbackURL string, seq uint32, body []byte) error
}

// WriterFactory builds a Writer for a subscription's callback, mirroring
// DviSubscription.cpp's iWriterFactory.CreateWriter.
type WriterFactory interface {
	CreateWriter(sid, callbackURL string) Writer
}

// Subscription is one GENA event subscription, grounded on ohNet's
// DviSubscription: a fixed SID, a per-property last-sent sequence map, and
// the device-wide NOTIFY sequence counter. The counter's zero value is its
// first-use value, so the very first NOTIFY a subscription ever sends
// carries SEQ=0; every later send captures the counter before
// incrementing it, wrapping UINT32_MAX back to 1 (never 0 again).
type Subscription struct {
	SID         string
	CallbackURL string
	service     *Service
	writerFac   WriterFactory

	mu             sync.Mutex
	expiry         time.Time
	sequenceNumber uint32 // device-wide NOTIFY counter; first send is 0
	propSeqNumbers map[string]uint32
	removed        bool
}

// NewSubscription builds a Subscription over service, delivering to
// callbackURL, initially granted durationSecs seconds.
func NewSubscription(sid, callbackURL string, service *Service, wf WriterFactory, now time.Time, durationSecs int) *Subscription {
	s := &Subscription{
		SID:            sid,
		CallbackURL:    callbackURL,
		service:        service,
		writerFac:      wf,
		expiry:         now.Add(time.Duration(durationSecs) * time.Second),
		propSeqNumbers: make(map[string]uint32),
	}
	service.PropertiesLock()
	for _, p := range service.Properties() {
		s.propSeqNumbers[p.Name] = 0
	}
	service.PropertiesUnlock()
	return s
}

// Renew extends the subscription, clamping to [1, maxDurationSecs] exactly
// as DviSubscription::DoRenew does: a requested duration of 0 or one that
// exceeds the device's configured ceiling is replaced by the ceiling, not
// rejected.
func (s *Subscription) Renew(now time.Time, requestedSecs, maxDurationSecs int) {
	if requestedSecs <= 0 || requestedSecs > maxDurationSecs {
		requestedSecs = maxDurationSecs
	}
	s.mu.Lock()
	s.expiry = now.Add(time.Duration(requestedSecs) * time.Second)
	s.mu.Unlock()
}

// Expired reports whether now is past the subscription's granted duration.
func (s *Subscription) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.expiry)
}

// GrantedSeconds reports the subscription's remaining granted duration in
// seconds relative to now, for a GENA TIMEOUT response header. Never
// negative.
func (s *Subscription) GrantedSeconds(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	secs := int(s.expiry.Sub(now).Seconds())
	if secs < 0 {
		secs = 0
	}
	return secs
}

// Remove marks the subscription terminal: further WriteChanges calls are
// no-ops. Mirrors DviSubscription::Remove, invoked on NetworkTimeout.
func (s *Subscription) Remove() {
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
}

func (s *Subscription) isRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// WriteChanges walks the service's properties under PropertiesLock,
// builds a NOTIFY body for any whose sequence number has moved since last
// sent, and delivers it via a lazily-created Writer. The outgoing SEQ is
// the counter's current value, captured before it is incremented, so the
// first call a Subscription ever makes sends SEQ=0. Each dirty property's
// last-sent marker is advanced as soon as the body is built — before the
// write is attempted. This means a failed-but-non-timeout write is not
// retried on the next pass: the property is already considered delivered.
// A NetworkTimeout is terminal (Remove is called); NetworkError/HttpError/
// WriterError/ReaderError are otherwise swallowed.
func (s *Subscription) WriteChanges(ctx context.Context, clk clock.Clock, timeout time.Duration) {
	if s.isRemoved() {
		return
	}

	s.service.PropertiesLock()
	var dirty []*Property
	for _, p := range s.service.Properties() {
		s.mu.Lock()
		last := s.propSeqNumbers[p.Name]
		s.mu.Unlock()
		if p.SeqNum != 0 && p.SeqNum != last {
			dirty = append(dirty, p)
		}
	}
	if len(dirty) == 0 {
		s.service.PropertiesUnlock()
		return
	}

	w := NewPropertyWriter()
	for _, p := range dirty {
		w.WriteString(p.Name, p.Value())
	}
	body := w.Bytes()
	s.service.PropertiesUnlock()

	s.mu.Lock()
	seq := s.sequenceNumber
	s.sequenceNumber++
	if s.sequenceNumber == 0 {
		s.sequenceNumber = 1
	}
	for _, p := range dirty {
		s.propSeqNumbers[p.Name] = p.SeqNum
	}
	s.mu.Unlock()

	writer := s.writerFac.CreateWriter(s.SID, s.CallbackURL)
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := writer.Write(writeCtx, s.CallbackURL, seq, body)
	if err == nil {
		return
	}
	if apperrors.Is(err, apperrors.KindNetworkTimeout) {
		s.Remove()
	}
	// NetworkError/HttpError/WriterError/ReaderError: swallowed. Note
	// propSeqNumbers was already advanced above regardless of outcome, so a
	// failed-but-non-timeout write is not retried on the next pass.
}
