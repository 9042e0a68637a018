// Package discovery implements the discovery handler registry and
// per-Configuration discovery request fan-in.
package discovery

import (
	"context"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

// DiscoverRequest is what gets sent to an endpoint's Query call: the
// Configuration's discovery details plus its solved properties.
type DiscoverRequest struct {
	Details              string
	DiscoveryProperties  map[string][]byte
}

// Endpoint is the abstract contract of a discovery handler producer.
// Implementations may be in-process or remote (gRPC); the registry
// treats both uniformly.
type Endpoint interface {
	// Query issues one discovery request against the endpoint. It
	// returns once the request has been accepted (erroring if the
	// handshake itself fails); thereafter the endpoint pushes successive
	// device-list snapshots into sink, from its own goroutine, until the
	// context is canceled or the endpoint closes sink.
	Query(ctx context.Context, req DiscoverRequest, sink chan<- []akri.DiscoveredDevice) error

	// Name is the discovery kind this endpoint implements (e.g. "udev").
	Name() string

	// UID identifies this particular endpoint instance.
	UID() string

	// Closed completes when the endpoint disconnects.
	Closed() <-chan struct{}

	// Close proactively disconnects the endpoint. Used when a
	// re-registration with the same UID replaces it while still open.
	Close()
}
