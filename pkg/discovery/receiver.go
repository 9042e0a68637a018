package discovery

import (
	"context"
	"sync"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

// receiver tracks one endpoint's stream of device-list snapshots for a
// Request's fan-in loop. Each new snapshot coalesces with any unread
// one: a fast-producing endpoint overwrites rather than queues.
type receiver struct {
	endpoint Endpoint

	mu     sync.Mutex
	latest []akri.DiscoveredDevice

	changed chan struct{} // buffered(1), signals a new snapshot is ready
	done    chan struct{} // closed once the endpoint's query loop exits
}

func newReceiver(ctx context.Context, ep Endpoint, req DiscoverRequest) (*receiver, error) {
	sink := make(chan []akri.DiscoveredDevice, 1)
	r := &receiver{
		endpoint: ep,
		changed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	started := make(chan error, 1)
	go func() {
		err := ep.Query(ctx, req, sink)
		started <- err
		if err != nil {
			close(r.done)
			return
		}
		r.pump(sink)
	}()

	// Query is expected to return quickly (it only sets up the stream).
	// This waits for its result with no timeout of its own, so a
	// discovery handler whose Query never returns blocks the caller.
	if err := <-started; err != nil {
		return nil, err
	}
	return r, nil
}

func (r *receiver) pump(sink <-chan []akri.DiscoveredDevice) {
	defer close(r.done)
	for {
		select {
		case devs, ok := <-sink:
			if !ok {
				return
			}
			r.mu.Lock()
			r.latest = devs
			r.mu.Unlock()
			select {
			case r.changed <- struct{}{}:
			default:
			}
		case <-r.endpoint.Closed():
			return
		}
	}
}

// Changed fires whenever a fresh snapshot is available.
func (r *receiver) Changed() <-chan struct{} { return r.changed }

// Done fires once the endpoint's query loop has exited.
func (r *receiver) Done() <-chan struct{} { return r.done }

// Latest returns the most recent snapshot, or nil if none arrived yet.
func (r *receiver) Latest() []akri.DiscoveredDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}
