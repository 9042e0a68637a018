package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
	"github.com/project-akri/akri-agent/pkg/cdi"
)

func newTestRegistry() (*Registry, *cdi.Manager) {
	mgr := cdi.NewManager()
	return NewRegistry(mgr), mgr
}

func newTestParams(key RequestKey) NewRequestParams {
	return NewRequestParams{
		Key:                key,
		HandlerName:        "udev",
		Details:            "details",
		PropertySolver:     NewPropertySolver(&fakeConfigLookup{}),
		ResourceNamePrefix: "akri.sh",
	}
}

func TestNewRequestNoHandler(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.NewRequest(context.Background(), newTestParams(RequestKey{Namespace: "default", Name: "cam-config"}))
	if !errors.Is(err, akri.ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestTerminateRequestRemovesCDIAndRegistryEntry(t *testing.T) {
	reg, mgr := newTestRegistry()
	ep := newFakeEndpoint("udev", "ep1")
	reg.RegisterEndpoint(ep)

	key := RequestKey{Namespace: "default", Name: "cam-config"}
	req, err := reg.NewRequest(context.Background(), newTestParams(key))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	ep.push([]akri.DiscoveredDevice{{Device: akri.Device{ID: "cam1"}, Sharing: akri.Shared}})
	waitForCondition(t, func() bool {
		_, ok := mgr.Get("akri.sh/cam-config")
		return ok
	})

	reg.TerminateRequest(key)

	waitForCondition(t, func() bool {
		_, ok := mgr.Get("akri.sh/cam-config")
		return !ok
	})
	if _, ok := reg.GetRequest(key); ok {
		t.Fatalf("expected request to be removed from registry after termination")
	}
	_ = req
}

func TestEndpointClosureRemovesEntry(t *testing.T) {
	reg, _ := newTestRegistry()
	ep := newFakeEndpoint("udev", "ep1")
	reg.RegisterEndpoint(ep)

	ep.Close()

	waitForCondition(t, func() bool {
		return len(reg.endpointsNamed("udev")) == 0
	})
}

func TestReregistrationReplacesAndClosesPrior(t *testing.T) {
	reg, _ := newTestRegistry()
	first := newFakeEndpoint("udev", "ep1")
	reg.RegisterEndpoint(first)

	second := newFakeEndpoint("udev", "ep1")
	reg.RegisterEndpoint(second)

	select {
	case <-first.Closed():
	case <-time.After(time.Second):
		t.Fatalf("expected prior endpoint to be closed on re-registration")
	}

	eps := reg.endpointsNamed("udev")
	if len(eps) != 1 || eps[0] != second {
		t.Fatalf("expected exactly the new endpoint to remain registered")
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
