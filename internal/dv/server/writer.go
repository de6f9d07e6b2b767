package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/strefethen/upnp-core-go/internal/apperrors"
	"github.com/strefethen/upnp-core-go/internal/dv/subscription"
)

// httpWriterFactory builds subscription.Writer values that deliver GENA
// NOTIFY requests over HTTP, sharing one *http.Client across every
// subscription the same way a package-level httpClient is shared across
// every probe elsewhere in this codebase.
type httpWriterFactory struct {
	client *http.Client
}

// NewHTTPWriterFactory builds a subscription.WriterFactory whose Writers
// send a GENA NOTIFY request to each subscriber's callback URL.
func NewHTTPWriterFactory(timeout time.Duration) subscription.WriterFactory {
	return &httpWriterFactory{client: &http.Client{Timeout: timeout}}
}

func (f *httpWriterFactory) CreateWriter(sid, callbackURL string) subscription.Writer {
	return &httpWriter{client: f.client, sid: sid}
}

type httpWriter struct {
	client *http.Client
	sid    string
}

// Write sends one GENA NOTIFY: METHOD NOTIFY, NT: upnp:event, NTS:
// upnp:propchange, SID, SEQ, Content-Type: text/xml.
func (w *httpWriter) Write(ctx context.Context, callbackURL string, seq uint32, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "NOTIFY", callbackURL, bytes.NewReader(body))
	if err != nil {
		return apperrors.New(apperrors.KindParse, "Write", err)
	}
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("NTS", "upnp:propchange")
	req.Header.Set("SID", w.sid)
	req.Header.Set("SEQ", fmt.Sprintf("%d", seq))
	req.Header.Set("Content-Type", "text/xml")

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.New(apperrors.KindNetworkTimeout, "Write", err)
		}
		return apperrors.New(apperrors.KindNetwork, "Write", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apperrors.New(apperrors.KindNetwork, "Write", fmt.Errorf("subscriber returned %d", resp.StatusCode))
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return apperrors.New(apperrors.KindSubscriptionExpired, "Write", fmt.Errorf("subscriber returned 412"))
	}
	return nil
}
