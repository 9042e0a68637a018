package sysfs

import (
	"context"
	"testing"
	"time"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
	"github.com/project-akri/akri-agent/pkg/discovery"
)

func TestEndpointQueryEmitsInitialSnapshot(t *testing.T) {
	path := setupMockSysfs(t)
	ep := NewEndpoint("node-a", "ep1", WithClassPath(path), WithPollInterval(time.Hour))
	defer ep.Close()

	sink := make(chan []akri.DiscoveredDevice, 1)
	if err := ep.Query(context.Background(), discovery.DiscoverRequest{}, sink); err != nil {
		t.Fatalf("Query: %v", err)
	}

	select {
	case devices := <-sink:
		if len(devices) != 3 {
			t.Fatalf("expected 3 devices, got %d", len(devices))
		}
		for _, d := range devices {
			if d.Sharing != akri.Local || d.NodeName != "node-a" {
				t.Errorf("device %s: expected Local sharing on node-a, got %v/%s", d.Device.ID, d.Sharing, d.NodeName)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}
}

func TestEndpointCloseStopsPolling(t *testing.T) {
	path := setupMockSysfs(t)
	ep := NewEndpoint("node-a", "ep1", WithClassPath(path), WithPollInterval(10*time.Millisecond))

	sink := make(chan []akri.DiscoveredDevice, 1)
	if err := ep.Query(context.Background(), discovery.DiscoverRequest{}, sink); err != nil {
		t.Fatalf("Query: %v", err)
	}
	<-sink // drain initial snapshot

	ep.Close()

	select {
	case <-ep.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected Closed() to fire after Close()")
	}
}
