package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/upnp-core-go/internal/apperrors"
	"github.com/strefethen/upnp-core-go/internal/clock"
)

type recordingWriter struct {
	mu    sync.Mutex
	calls int
	err   error
	seqs  []uint32
}

func (w *recordingWriter) Write(ctx context.Context, callbackURL string, seq uint32, body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	w.seqs = append(w.seqs, seq)
	return w.err
}

type stubWriterFactory struct {
	writer *recordingWriter
}

func (f stubWriterFactory) CreateWriter(sid, callbackURL string) Writer { return f.writer }

func TestSubscription_Renew_ClampsZeroToMax(t *testing.T) {
	svc := NewService("Status")
	sub := NewSubscription("uuid:1", "http://x/", svc, stubWriterFactory{&recordingWriter{}}, time.Unix(0, 0), 60)
	sub.Renew(time.Unix(0, 0), 0, 3600)
	require.False(t, sub.Expired(time.Unix(3599, 0)))
	require.True(t, sub.Expired(time.Unix(3601, 0)))
}

func TestSubscription_Renew_ClampsOverMaxToMax(t *testing.T) {
	svc := NewService("Status")
	sub := NewSubscription("uuid:1", "http://x/", svc, stubWriterFactory{&recordingWriter{}}, time.Unix(0, 0), 60)
	sub.Renew(time.Unix(0, 0), 999999, 3600)
	require.True(t, sub.Expired(time.Unix(3601, 0)))
}

func TestSubscription_WriteChanges_SkipsWhenNothingDirty(t *testing.T) {
	svc := NewService("Status")
	w := &recordingWriter{}
	sub := NewSubscription("uuid:1", "http://x/", svc, stubWriterFactory{w}, time.Unix(0, 0), 60)

	// The first pass is the initial dump; after it nothing is dirty.
	sub.WriteChanges(context.Background(), clock.Real{}, time.Second)
	require.Equal(t, 1, w.calls)

	sub.WriteChanges(context.Background(), clock.Real{}, time.Second)
	require.Equal(t, 1, w.calls)
}

func TestSubscription_WriteChanges_SendsOnDirtyProperty(t *testing.T) {
	svc := NewService("Status")
	w := &recordingWriter{}
	sub := NewSubscription("uuid:1", "http://x/", svc, stubWriterFactory{w}, time.Unix(0, 0), 60)

	svc.SetValue("Status", "ON")
	sub.WriteChanges(context.Background(), clock.Real{}, time.Second)
	require.Equal(t, 1, w.calls)
	require.Equal(t, []uint32{0}, w.seqs)

	// unchanged since: no further write.
	sub.WriteChanges(context.Background(), clock.Real{}, time.Second)
	require.Equal(t, 1, w.calls)
}

func TestSubscription_WriteChanges_SecondSendIncrementsSeq(t *testing.T) {
	svc := NewService("Status")
	w := &recordingWriter{}
	sub := NewSubscription("uuid:1", "http://x/", svc, stubWriterFactory{w}, time.Unix(0, 0), 60)

	svc.SetValue("Status", "ON")
	sub.WriteChanges(context.Background(), clock.Real{}, time.Second)
	svc.SetValue("Status", "OFF")
	sub.WriteChanges(context.Background(), clock.Real{}, time.Second)

	require.Equal(t, []uint32{0, 1}, w.seqs)
}

func TestSubscription_WriteChanges_InitialDumpSendsUntouchedProperty(t *testing.T) {
	svc := NewService("Status")
	w := &recordingWriter{}
	sub := NewSubscription("uuid:1", "http://x/", svc, stubWriterFactory{w}, time.Unix(0, 0), 60)

	// Status was never SetValue'd, but NewService seeds SeqNum to 1 (not
	// the per-subscriber "never sent" sentinel of 0), so a brand-new
	// subscription's first WriteChanges must still include it.
	sub.WriteChanges(context.Background(), clock.Real{}, time.Second)
	require.Equal(t, 1, w.calls)
}

func TestSubscription_WriteChanges_NetworkTimeoutRemovesSubscription(t *testing.T) {
	svc := NewService("Status")
	w := &recordingWriter{err: apperrors.New(apperrors.KindNetworkTimeout, "Write", errors.New("timed out"))}
	sub := NewSubscription("uuid:1", "http://x/", svc, stubWriterFactory{w}, time.Unix(0, 0), 60)

	svc.SetValue("Status", "ON")
	sub.WriteChanges(context.Background(), clock.Real{}, time.Second)
	require.True(t, sub.isRemoved())
}

func TestSubscription_WriteChanges_NonTimeoutErrorSwallowed(t *testing.T) {
	svc := NewService("Status")
	w := &recordingWriter{err: apperrors.New(apperrors.KindNetwork, "Write", errors.New("connection reset"))}
	sub := NewSubscription("uuid:1", "http://x/", svc, stubWriterFactory{w}, time.Unix(0, 0), 60)

	svc.SetValue("Status", "ON")
	sub.WriteChanges(context.Background(), clock.Real{}, time.Second)
	require.False(t, sub.isRemoved())
	require.Equal(t, 1, w.calls)
}
