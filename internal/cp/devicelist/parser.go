// Package devicelist implements the control-point SSDP listener and
// device-list state machine, grounded on ohNet's CpiDeviceList
// (original_source/OpenHome/Net/ControlPoint/CpiDevice.h): Refresh saves
// the live map as a shadow and rebuilds live from the responses that
// arrive; a device seen again during the window is carried over from the
// shadow without being re-fetched, and whatever only the shadow still holds
// when the window ends is removed.
package devicelist

import (
	"context"
	"encoding/xml"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/strefethen/upnp-core-go/internal/model"
)

// Fetcher retrieves the bytes at a device-description LOCATION URL. This
// interface is the seam a caller plugs a real client into. HTTPFetcher
// below is the reference implementation, grounded on the
// internal/discovery/http_probe.go shared-client pattern.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// DescriptionParser turns device-description XML into a model.Device
// tree. XMLParser below is the reference implementation.
type DescriptionParser interface {
	Parse(raw []byte) (*model.Device, error)
}

// HTTPFetcher is the reference Fetcher, sharing one *http.Client with
// bounded dial/handshake/idle timeouts across every fetch, exactly as
// internal/discovery/http_probe.go's package-level httpClient does.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds an HTTPFetcher with timeout bounding every fetch.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
				TLSHandshakeTimeout: 3 * time.Second,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &httpStatusError{url: url, status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

type httpStatusError struct {
	url    string
	status int
}

func (e *httpStatusError) Error() string {
	return "devicelist: fetch " + e.url + ": unexpected status"
}

// xmlDevice mirrors the subset of a UPnP device-description <device>
// element this parser extracts.
type xmlDevice struct {
	XMLName     xml.Name       `xml:"device"`
	DeviceType  string         `xml:"deviceType"`
	FriendlyName string        `xml:"friendlyName"`
	UDN         string         `xml:"UDN"`
	ServiceList []xmlService   `xml:"serviceList>service"`
	DeviceList  []xmlDevice    `xml:"deviceList>device"`
}

type xmlService struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
	SCPDURL     string `xml:"SCPDURL"`
}

// XMLParser is the reference DescriptionParser, decoding the XML with
// encoding/xml into the tagged structs above (the encoding/xml approach of
// internal/discovery/parser.go), generalized from extracting a handful of
// Sonos-specific fields to building the full device/service/embedded-device
// tree.
type XMLParser struct{}

func (XMLParser) Parse(raw []byte) (*model.Device, error) {
	var root struct {
		XMLName xml.Name  `xml:"root"`
		Device  xmlDevice `xml:"device"`
	}
	if err := xml.NewDecoder(strings.NewReader(string(raw))).Decode(&root); err != nil {
		return nil, err
	}
	return convert(root.Device, true), nil
}

func convert(x xmlDevice, isRoot bool) *model.Device {
	d := &model.Device{
		UDN:          strings.TrimPrefix(strings.TrimSpace(x.UDN), "uuid:"),
		DeviceType:   strings.TrimSpace(x.DeviceType),
		FriendlyName: strings.TrimSpace(x.FriendlyName),
		IsRoot:       isRoot,
	}
	for _, s := range x.ServiceList {
		d.Services = append(d.Services, model.ServiceRef{
			ServiceType: strings.TrimSpace(s.ServiceType),
			ServiceID:   strings.TrimSpace(s.ServiceID),
			ControlURL:  strings.TrimSpace(s.ControlURL),
			EventURL:    strings.TrimSpace(s.EventSubURL),
			SCPDURL:     strings.TrimSpace(s.SCPDURL),
		})
	}
	for _, embedded := range x.DeviceList {
		d.Embedded = append(d.Embedded, convert(embedded, false))
	}
	return d
}
