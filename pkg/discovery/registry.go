package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
	"github.com/project-akri/akri-agent/pkg/cdi"
	"github.com/project-akri/akri-agent/pkg/metrics"
	"k8s.io/klog/v2"
)

// appearanceBuffer bounds the registry's endpoint-appearance broadcast
// channel per subscriber. Publication is best-effort; a subscriber that
// falls behind simply misses an appearance notification.
const appearanceBuffer = 8

// Registry is the process-wide directory of live discovery endpoints
// and the owner of every in-flight discovery request.
type Registry struct {
	cdiManager *cdi.Manager

	mu        sync.RWMutex
	endpoints map[string]map[string]Endpoint // name -> uid -> endpoint
	appeared  []chan Endpoint                // current request subscribers

	requestsMu sync.Mutex
	requests   map[RequestKey]*Request
}

// RequestKey identifies one Discovery Request: a Configuration's
// namespaced name.
type RequestKey struct {
	Namespace string
	Name      string
}

func (k RequestKey) String() string { return k.Namespace + "/" + k.Name }

// NewRegistry constructs an empty registry publishing discovered CDI
// Kinds into mgr.
func NewRegistry(mgr *cdi.Manager) *Registry {
	return &Registry{
		cdiManager: mgr,
		endpoints:  make(map[string]map[string]Endpoint),
		requests:   make(map[RequestKey]*Request),
	}
}

// RegisterEndpoint inserts ep under (ep.Name(), ep.UID()), publishes it
// to every currently subscribed request (each request ignores endpoints
// of other names), and spawns a task
// that removes it once it signals closure.
func (r *Registry) RegisterEndpoint(ep Endpoint) {
	r.mu.Lock()
	bucket, ok := r.endpoints[ep.Name()]
	if !ok {
		bucket = make(map[string]Endpoint)
		r.endpoints[ep.Name()] = bucket
	}
	if prior, exists := bucket[ep.UID()]; exists {
		// Re-registration with the same UID replaces the prior entry; close
		// the old one explicitly rather than leaving it to linger.
		klog.V(4).InfoS("discovery: replacing endpoint on re-registration", "name", ep.Name(), "uid", ep.UID())
		prior.Close()
	}
	bucket[ep.UID()] = ep
	metrics.LiveEndpoints.WithLabelValues(ep.Name()).Set(float64(len(bucket)))

	// Publication is best-effort: subscribers that aren't listening right
	// now simply miss it, which is fine because new_request always
	// queries every currently-registered endpoint up front.
	subs := append([]chan Endpoint(nil), r.appeared...)
	r.mu.Unlock()

	klog.InfoS("discovery: endpoint registered", "name", ep.Name(), "uid", ep.UID())
	for _, ch := range subs {
		select {
		case ch <- ep:
		default:
		}
	}

	go func() {
		<-ep.Closed()
		r.mu.Lock()
		defer r.mu.Unlock()
		bucket, ok := r.endpoints[ep.Name()]
		if !ok {
			return
		}
		// Only remove this exact endpoint; a later re-registration may
		// already have replaced it under the same uid.
		if bucket[ep.UID()] == ep {
			delete(bucket, ep.UID())
			klog.InfoS("discovery: endpoint closed", "name", ep.Name(), "uid", ep.UID())
		}
		metrics.LiveEndpoints.WithLabelValues(ep.Name()).Set(float64(len(bucket)))
		if len(bucket) == 0 {
			delete(r.endpoints, ep.Name())
		}
	}()
}

// endpointsNamed returns a snapshot of every currently-registered
// endpoint with the given discovery name.
func (r *Registry) endpointsNamed(name string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket, ok := r.endpoints[name]
	if !ok {
		return nil
	}
	out := make([]Endpoint, 0, len(bucket))
	for _, ep := range bucket {
		out = append(out, ep)
	}
	return out
}

// subscribeAppearances registers a channel to receive future
// RegisterEndpoint calls and returns an unsubscribe func.
func (r *Registry) subscribeAppearances() (<-chan Endpoint, func()) {
	ch := make(chan Endpoint, appearanceBuffer)
	r.mu.Lock()
	r.appeared = append(r.appeared, ch)
	r.mu.Unlock()

	unsub := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, c := range r.appeared {
			if c == ch {
				r.appeared = append(r.appeared[:i], r.appeared[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// NewRequestParams describes a request to start discovery for a
// Configuration.
type NewRequestParams struct {
	Key                  RequestKey
	HandlerName          string
	Details              string
	Properties           []akri.Property
	ExtraDeviceProperties map[string]string
	PropertySolver       PropertySolver
	ResourceNamePrefix   string
}

// NewRequest creates a Discovery Request for a Configuration. It fails
// with ErrNoHandler if no endpoint of HandlerName is currently
// registered; otherwise it queries every currently-registered endpoint
// and fails the whole call if any single query fails.
func (r *Registry) NewRequest(ctx context.Context, p NewRequestParams) (*Request, error) {
	eps := r.endpointsNamed(p.HandlerName)
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: %q", akri.ErrNoHandler, p.HandlerName)
	}

	appearances, unsub := r.subscribeAppearances()

	reqCtx, cancel := context.WithCancel(ctx)
	req := &Request{
		key:                   p.Key,
		handlerName:           p.HandlerName,
		details:               p.Details,
		properties:            p.Properties,
		extraDeviceProperties: p.ExtraDeviceProperties,
		solver:                p.PropertySolver,
		resourceNamePrefix:    p.ResourceNamePrefix,
		cdiManager:            r.cdiManager,
		registry:              r,
		appearances:           appearances,
		unsubscribe:           unsub,
		ctx:                   reqCtx,
		cancel:                cancel,
		terminated:            make(chan struct{}),
	}

	for _, ep := range eps {
		discoverReq, err := req.buildDiscoverRequest(ctx, ep)
		if err != nil {
			cancel()
			unsub()
			return nil, err
		}
		recv, err := newReceiver(reqCtx, ep, discoverReq)
		if err != nil {
			cancel()
			unsub()
			return nil, fmt.Errorf("querying endpoint %s/%s: %w", ep.Name(), ep.UID(), err)
		}
		req.receivers = append(req.receivers, recv)
	}

	r.requestsMu.Lock()
	r.requests[p.Key] = req
	r.requestsMu.Unlock()

	go req.run()
	klog.InfoS("discovery: request created", "key", p.Key, "handler", p.HandlerName, "endpoints", len(eps))
	return req, nil
}

// GetRequest looks up a live Discovery Request by key.
func (r *Registry) GetRequest(key RequestKey) (*Request, bool) {
	r.requestsMu.Lock()
	defer r.requestsMu.Unlock()
	req, ok := r.requests[key]
	return req, ok
}

// TerminateRequest removes and signals the request under key, if any.
func (r *Registry) TerminateRequest(key RequestKey) {
	r.requestsMu.Lock()
	req, ok := r.requests[key]
	delete(r.requests, key)
	r.requestsMu.Unlock()
	if !ok {
		return
	}
	req.terminate()
}

// removeRequest is called by a Request once its fan-in loop exits, so
// it self-removes from the registry.
func (r *Registry) removeRequest(key RequestKey) {
	r.requestsMu.Lock()
	defer r.requestsMu.Unlock()
	delete(r.requests, key)
}
