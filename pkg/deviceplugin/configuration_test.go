package deviceplugin

import (
	"context"
	"sync"
	"testing"
	"time"

	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

type fakeInstancePlugin struct {
	mu     sync.Mutex
	vec    *slotVector
	bcst   *broadcast
	freed  []int
	filled int
}

func newFakeInstancePlugin(name string, capacity int) *fakeInstancePlugin {
	return &fakeInstancePlugin{vec: newSlotVector(name, capacity), bcst: newBroadcast()}
}

func (f *fakeInstancePlugin) fillContainerResponse(resp *pluginapi.ContainerAllocateResponse) {
	f.mu.Lock()
	f.filled++
	f.mu.Unlock()
	resp.Envs["FAKE_DEVICE"] = "1"
	resp.Mounts = append(resp.Mounts, &pluginapi.Mount{ContainerPath: "/dev/fake", HostPath: "/dev/fake"})
}

func (f *fakeInstancePlugin) Snapshot() *slotVector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vec.clone()
}

func (f *fakeInstancePlugin) Watch() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bcst.Wait()
}

func (f *fakeInstancePlugin) setAndNotify(i int, u akri.Usage) {
	f.mu.Lock()
	f.vec.set(i, u)
	f.bcst.Notify()
	f.mu.Unlock()
}

func (f *fakeInstancePlugin) ClaimSlot(_ context.Context, id *int, wanted akri.Usage) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != nil {
		f.vec.set(*id, wanted)
		return *id, nil
	}
	i := f.vec.firstUnused()
	if i < 0 {
		return 0, akri.ErrNoSlot
	}
	f.vec.set(i, wanted)
	return i, nil
}

func (f *fakeInstancePlugin) FreeSlot(_ context.Context, i int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vec.set(i, akri.Usage{Kind: akri.Unused})
	f.freed = append(f.freed, i)
	return nil
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConfigurationPluginAdvertisesFreePlaceholder(t *testing.T) {
	c := NewConfigurationDevicePlugin("cam-config", "node-a")
	inst := newFakeInstancePlugin("cam-config-abc123", 2)
	c.AddInstancePlugin("cam-config-abc123", inst)

	c.mu.Lock()
	n := len(c.slots)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one free placeholder, got %d slots", n)
	}
}

func TestConfigurationPluginAllocateDelegatesToInstance(t *testing.T) {
	c := NewConfigurationDevicePlugin("cam-config", "node-a")
	inst := newFakeInstancePlugin("cam-config-abc123", 2)
	c.AddInstancePlugin("cam-config-abc123", inst)

	c.mu.Lock()
	var vdev string
	for id, s := range c.slots {
		if s.kind == deviceFree {
			vdev = id
		}
	}
	c.mu.Unlock()
	if vdev == "" {
		t.Fatal("no free placeholder found")
	}

	cResp := &pluginapi.ContainerAllocateResponse{Envs: make(map[string]string)}
	if err := c.allocateOne(context.Background(), vdev, cResp); err != nil {
		t.Fatalf("allocateOne: %v", err)
	}

	inst.mu.Lock()
	got := inst.vec.get(0)
	filled := inst.filled
	inst.mu.Unlock()
	if got.Kind != akri.ConfigurationNode || got.Node != "node-a" {
		t.Fatalf("expected slot 0 claimed as ConfigurationNode, got %+v", got)
	}
	if filled != 1 {
		t.Fatalf("expected allocateOne to fill container edits from the backing instance, called %d times", filled)
	}
	if cResp.Envs["FAKE_DEVICE"] != "1" || len(cResp.Mounts) != 1 {
		t.Fatalf("expected container allocate response to carry the backing device's container edits, got %+v", cResp)
	}
}

func TestConfigurationPluginRecomputesOnInstanceChange(t *testing.T) {
	c := NewConfigurationDevicePlugin("cam-config", "node-a")
	inst := newFakeInstancePlugin("cam-config-abc123", 1)
	c.AddInstancePlugin("cam-config-abc123", inst)

	inst.setAndNotify(0, akri.Usage{Kind: akri.InstanceNode, Node: "node-b"})

	waitForCondition(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.slots) == 0
	})
}

func TestConfigurationPluginRemoveInstanceDropsSlots(t *testing.T) {
	c := NewConfigurationDevicePlugin("cam-config", "node-a")
	inst := newFakeInstancePlugin("cam-config-abc123", 1)
	c.AddInstancePlugin("cam-config-abc123", inst)
	c.RemoveInstancePlugin("cam-config-abc123")

	c.mu.Lock()
	n := len(c.slots)
	m := len(c.instances)
	c.mu.Unlock()
	if n != 0 || m != 0 {
		t.Fatalf("expected no slots or instances after removal, got slots=%d instances=%d", n, m)
	}
}
