// Package subscription implements the device-side Subscription Manager,
// grounded on ohNet's DviSubscription
// (original_source/OpenHome/Net/Device/DviSubscription.cpp): per-property
// sequence numbers seeded to 1 so every property is eligible for a new
// subscriber's initial dump, a lazily-created XML writer per dirty
// subscription, and a small worker pool of publishers pulled from a free
// queue.
package subscription

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
)

// Property is one eventable state variable owned by a Service. SeqNum
// starts at 1 and is bumped whenever the value changes; DviSubscription.cpp
// asserts a live property's sequence number is never 0, so 0 is reserved
// as the sentinel "not yet sent to this subscriber" value in a
// Subscription's propSeqNumbers map, below.
type Property struct {
	Name   string
	SeqNum uint32
	value  string
}

// Value returns the property's current string-encoded value, under the
// owning Service's lock.
func (p *Property) Value() string { return p.value }

// Service owns a fixed-size property array for one eventable UPnP
// service. The property count is immutable after first advertisement.
type Service struct {
	mu         sync.Mutex
	properties []*Property
}

// NewService builds a Service exposing the named properties. Each
// property's SeqNum starts at 1, not 0: 0 is reserved as the
// per-subscriber "never sent" marker (see Subscription.propSeqNumbers),
// so a property must already read as "changed at least once" the moment
// a Service is created, or it would never be eligible for a new
// subscriber's initial dump.
func NewService(names ...string) *Service {
	props := make([]*Property, len(names))
	for i, n := range names {
		props[i] = &Property{Name: n, SeqNum: 1}
	}
	return &Service{properties: props}
}

// PropertiesLock and PropertiesUnlock bracket a read/write of the property
// array, the Go analogue of DviSubscription.cpp's AutoPropertiesLock RAII
// wrapper around Service::PropertiesLock/Unlock.
func (s *Service) PropertiesLock()   { s.mu.Lock() }
func (s *Service) PropertiesUnlock() { s.mu.Unlock() }

// Properties returns the service's property list. Callers iterating or
// mutating values must hold PropertiesLock.
func (s *Service) Properties() []*Property { return s.properties }

// SetValue updates a property's value and bumps its sequence number,
// wrapping UINT32_MAX back to 1 (never 0, the "unsent" sentinel) exactly as
// DviSubscription::CreateWriter's wrap-around does for the subscription's
// overall sequence counter.
func (s *Service) SetValue(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.properties {
		if p.Name == name {
			p.value = value
			p.SeqNum++
			if p.SeqNum == 0 {
				p.SeqNum = 1
			}
			return
		}
	}
}

// PropertyWriter serializes a set of changed properties into a GENA
// NOTIFY body, grounded on DviSubscription.cpp's PropertyWriter
// (PropertyWriteString/Int/Uint/Bool/Binary).
type PropertyWriter struct {
	sb strings.Builder
}

// NewPropertyWriter starts a new property-set XML body.
func NewPropertyWriter() *PropertyWriter {
	w := &PropertyWriter{}
	w.sb.WriteString(`<?xml version="1.0"?>` + "\n")
	w.sb.WriteString(`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">` + "\n")
	return w
}

// WriteString appends a string-valued property, XML-escaping its content.
func (w *PropertyWriter) WriteString(name, value string) {
	fmt.Fprintf(&w.sb, "<e:property><%s>%s</%s></e:property>\n", name, escapeXML(value), name)
}

// WriteInt appends an integer-valued property.
func (w *PropertyWriter) WriteInt(name string, value int64) {
	w.WriteString(name, fmt.Sprintf("%d", value))
}

// WriteUint appends an unsigned-integer-valued property.
func (w *PropertyWriter) WriteUint(name string, value uint64) {
	w.WriteString(name, fmt.Sprintf("%d", value))
}

// WriteBool appends a boolean-valued property, encoded as "1"/"0" per
// UPnP convention.
func (w *PropertyWriter) WriteBool(name string, value bool) {
	if value {
		w.WriteString(name, "1")
	} else {
		w.WriteString(name, "0")
	}
}

// WriteBinary appends a binary-valued property, base64-encoded.
func (w *PropertyWriter) WriteBinary(name string, value []byte) {
	w.WriteString(name, base64.StdEncoding.EncodeToString(value))
}

// Bytes finalizes and returns the property-set body.
func (w *PropertyWriter) Bytes() []byte {
	w.sb.WriteString("</e:propertyset>")
	return []byte(w.sb.String())
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}
