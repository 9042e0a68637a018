package discovery

import (
	"context"
	"testing"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

func TestFanInDeduplicatesIdenticalDeviceSets(t *testing.T) {
	reg, mgr := newTestRegistry()
	ep1 := newFakeEndpoint("udev", "ep1")
	ep2 := newFakeEndpoint("udev", "ep2")
	reg.RegisterEndpoint(ep1)
	reg.RegisterEndpoint(ep2)

	key := RequestKey{Namespace: "default", Name: "cam-config"}
	if _, err := reg.NewRequest(context.Background(), newTestParams(key)); err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	device := akri.DiscoveredDevice{Device: akri.Device{ID: "cam1"}, Sharing: akri.Shared}
	ep1.push([]akri.DiscoveredDevice{device})
	ep2.push([]akri.DiscoveredDevice{device})

	waitForCondition(t, func() bool {
		kind, ok := mgr.Get("akri.sh/cam-config")
		return ok && len(kind.Devices) == 1
	})
}

func TestFanInDropsEndpointOnClose(t *testing.T) {
	reg, mgr := newTestRegistry()
	ep1 := newFakeEndpoint("udev", "ep1")
	ep2 := newFakeEndpoint("udev", "ep2")
	reg.RegisterEndpoint(ep1)
	reg.RegisterEndpoint(ep2)

	key := RequestKey{Namespace: "default", Name: "cam-config"}
	if _, err := reg.NewRequest(context.Background(), newTestParams(key)); err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	ep1.push([]akri.DiscoveredDevice{{Device: akri.Device{ID: "cam1"}, Sharing: akri.Shared}})
	ep2.push([]akri.DiscoveredDevice{{Device: akri.Device{ID: "cam2"}, Sharing: akri.Shared}})

	waitForCondition(t, func() bool {
		kind, ok := mgr.Get("akri.sh/cam-config")
		return ok && len(kind.Devices) == 2
	})

	ep2.Close()

	waitForCondition(t, func() bool {
		kind, ok := mgr.Get("akri.sh/cam-config")
		return ok && len(kind.Devices) == 1
	})
}

func TestNewEndpointJoinsExistingRequest(t *testing.T) {
	reg, mgr := newTestRegistry()
	ep1 := newFakeEndpoint("udev", "ep1")
	reg.RegisterEndpoint(ep1)

	key := RequestKey{Namespace: "default", Name: "cam-config"}
	if _, err := reg.NewRequest(context.Background(), newTestParams(key)); err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	ep1.push([]akri.DiscoveredDevice{{Device: akri.Device{ID: "cam1"}, Sharing: akri.Shared}})
	waitForCondition(t, func() bool {
		kind, ok := mgr.Get("akri.sh/cam-config")
		return ok && len(kind.Devices) == 1
	})

	ep2 := newFakeEndpoint("udev", "ep2")
	reg.RegisterEndpoint(ep2)
	ep2.push([]akri.DiscoveredDevice{{Device: akri.Device{ID: "cam2"}, Sharing: akri.Shared}})

	waitForCondition(t, func() bool {
		kind, ok := mgr.Get("akri.sh/cam-config")
		return ok && len(kind.Devices) == 2
	})
}
