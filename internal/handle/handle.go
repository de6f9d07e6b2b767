// Package handle implements the shared, refcounted Device Handle,
// grounded on ohNet's CpiDevice
// (original_source/OpenHome/Net/ControlPoint/CpiDevice.h): AddRef/RemoveRef
// with destroy-at-zero, and sticky ready/expired/removed flags a caller can
// observe without taking the destroy path.
package handle

import (
	"sync"

	"github.com/strefethen/upnp-core-go/internal/model"
)

// Handle is a refcounted wrapper around a discovered device. The zero
// refcount triggers onZero exactly once; after that point TryAddRef fails
// (AddRef does not check and always increments).
type Handle struct {
	UDN    string
	Device *model.Device

	mu       sync.Mutex
	refs     int
	ready    bool
	expired  bool
	removed  bool
	draining bool
	onZero   func(*Handle)
}

// New constructs a Handle with an initial refcount of 1, owned by the
// caller (mirrors CpiDevice's constructor, which starts iRef at 1 for its
// creator). onZero is invoked exactly once, with no locks held, when the
// refcount reaches zero.
func New(udn string, device *model.Device, onZero func(*Handle)) *Handle {
	return &Handle{
		UDN:    udn,
		Device: device,
		refs:   1,
		onZero: onZero,
	}
}

// AddRef increments the refcount unconditionally. Callers that already hold
// a ref (e.g. the device list itself) use this; callers racing against
// removal must use TryAddRef instead.
func (h *Handle) AddRef() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// TryAddRef increments the refcount and returns true, unless the handle is
// already draining toward zero (IsRemoved or mid-RemoveRef-to-zero), in
// which case it returns false without taking a ref. This is the handle
// analogue of ohNet's pattern of checking IsRemoved before claiming a
// reference in CpiDeviceList::RefDevice.
func (h *Handle) TryAddRef() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed || h.draining {
		return false
	}
	h.refs++
	return true
}

// RemoveRef decrements the refcount. At zero, onZero fires once, outside
// the lock, and draining is latched so a concurrent TryAddRef cannot revive
// the handle.
func (h *Handle) RemoveRef() {
	h.mu.Lock()
	h.refs--
	fire := h.refs == 0 && !h.draining
	if fire {
		h.draining = true
	}
	h.mu.Unlock()

	if fire && h.onZero != nil {
		h.onZero(h)
	}
}

// RefCount reports the current reference count, for diagnostics and tests.
func (h *Handle) RefCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// SetReady marks the handle ready (its description has been successfully
// fetched and parsed).
func (h *Handle) SetReady() {
	h.mu.Lock()
	h.ready = true
	h.mu.Unlock()
}

// IsReady reports whether SetReady has been called.
func (h *Handle) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// SetExpired marks the handle's max-age deadline as having elapsed without
// a refreshing alive/M-SEARCH-response.
func (h *Handle) SetExpired() {
	h.mu.Lock()
	h.expired = true
	h.mu.Unlock()
}

// HasExpired reports whether SetExpired has been called.
func (h *Handle) HasExpired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expired
}

// SetRemoved marks the handle as removed from its owning list (ssdp:byebye
// or expiry), so subsequent TryAddRef calls fail. Does not by
// itself drop a reference; the list's own ref must still be released via
// RemoveRef.
func (h *Handle) SetRemoved() {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
}

// IsRemoved reports whether SetRemoved has been called.
func (h *Handle) IsRemoved() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removed
}
