package sysfs

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
	"github.com/project-akri/akri-agent/pkg/discovery"
)

const defaultPollInterval = 5 * time.Second

// Endpoint is a built-in discovery.Endpoint that polls a sysfs class
// directory on an interval and reports every PF/VF it finds there. It
// never needs a remote process: it runs in-agent and registers itself
// with a discovery.Registry the same way a gRPC-connected handler would.
type Endpoint struct {
	name         string
	uid          string
	nodeName     string
	pollInterval time.Duration
	scanner      *scanner

	closed chan struct{}
	once   sync.Once
}

// Option customizes an Endpoint at construction.
type Option func(*Endpoint)

// WithClassPath overrides the sysfs class directory (used by tests).
func WithClassPath(path string) Option {
	return func(e *Endpoint) { e.scanner = newScanner(path) }
}

// WithPollInterval overrides the scan period (used by tests).
func WithPollInterval(d time.Duration) Option {
	return func(e *Endpoint) { e.pollInterval = d }
}

// NewEndpoint builds a sysfs discovery endpoint for nodeName. uid
// distinguishes it from any other sysfs endpoint instance, which
// matters only if the agent ever runs more than one.
func NewEndpoint(nodeName, uid string, opts ...Option) *Endpoint {
	e := &Endpoint{
		name:         "sysfs",
		uid:          uid,
		nodeName:     nodeName,
		pollInterval: defaultPollInterval,
		scanner:      newScanner(""),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Endpoint) Name() string            { return e.name }
func (e *Endpoint) UID() string             { return e.uid }
func (e *Endpoint) Closed() <-chan struct{} { return e.closed }

func (e *Endpoint) Close() {
	e.once.Do(func() { close(e.closed) })
}

// Query runs one immediate scan to validate the class path is usable,
// then spawns a goroutine that rescans every pollInterval and pushes a
// fresh snapshot to sink after every successful rescan, whether or not
// the discovered set changed.
func (e *Endpoint) Query(ctx context.Context, _ discovery.DiscoverRequest, sink chan<- []akri.DiscoveredDevice) error {
	devices, err := e.scanner.scan()
	if err != nil {
		return err
	}
	go e.poll(ctx, sink, devices)
	return nil
}

func (e *Endpoint) poll(ctx context.Context, sink chan<- []akri.DiscoveredDevice, first map[string]scannedDevice) {
	defer close(sink)

	e.emit(sink, first)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		case <-ticker.C:
			devices, err := e.scanner.scan()
			if err != nil {
				klog.ErrorS(err, "sysfs: rescan failed", "path", e.scanner.classPath)
				continue
			}
			e.emit(sink, devices)
		}
	}
}

func (e *Endpoint) emit(sink chan<- []akri.DiscoveredDevice, devices map[string]scannedDevice) {
	out := make([]akri.DiscoveredDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.toDiscoveredDevice(e.nodeName))
	}
	select {
	case sink <- out:
	case <-e.closed:
	}
}
