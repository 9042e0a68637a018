// Package cdi holds the process-wide device manager: a watch-published
// map from Configuration key to the CDI Kind describing its currently
// discovered devices.
package cdi

import (
	"sync"

	cdispec "tags.cncf.io/container-device-interface/specs-go"
	"k8s.io/klog/v2"
)

// Handler is notified whenever a key's Kind is inserted, updated, or
// removed. newKind is nil on removal.
type Handler func(key string, newKind *cdispec.Spec)

// Manager is the process-wide map kind -> CDI Kind. Discovery Request
// fan-in loops are the only writers (pkg/discovery); the plugin manager
// and device plugins are readers.
type Manager struct {
	mu       sync.RWMutex
	kinds    map[string]*cdispec.Spec
	handlers []Handler
}

// NewManager constructs an empty Device Manager.
func NewManager() *Manager {
	return &Manager{kinds: make(map[string]*cdispec.Spec)}
}

// AddHandler registers a callback invoked synchronously after every
// Set/Remove. Handlers added after entries already exist do not receive
// synthetic events for pre-existing state; callers that need the
// current snapshot should call List first.
func (m *Manager) AddHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Set installs or replaces the CDI Kind for key.
func (m *Manager) Set(key string, kind *cdispec.Spec) {
	m.mu.Lock()
	m.kinds[key] = kind
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	klog.V(4).InfoS("cdi: kind updated", "key", key, "devices", len(kind.Devices))
	for _, h := range handlers {
		h(key, kind)
	}
}

// Remove deletes key's CDI Kind, if present.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	_, existed := m.kinds[key]
	delete(m.kinds, key)
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	if !existed {
		return
	}
	klog.V(4).InfoS("cdi: kind removed", "key", key)
	for _, h := range handlers {
		h(key, nil)
	}
}

// Get returns the current CDI Kind for key, and whether it was present.
func (m *Manager) Get(key string) (*cdispec.Spec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kinds[key]
	return k, ok
}

// DeviceByFingerprint finds the device entry within key's Kind whose
// Name equals fingerprint.
func (m *Manager) DeviceByFingerprint(key, fingerprint string) (cdispec.Device, bool) {
	k, ok := m.Get(key)
	if !ok {
		return cdispec.Device{}, false
	}
	for _, d := range k.Devices {
		if d.Name == fingerprint {
			return d, true
		}
	}
	return cdispec.Device{}, false
}

// List returns a snapshot of all known keys.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.kinds))
	for k := range m.kinds {
		keys = append(keys, k)
	}
	return keys
}
