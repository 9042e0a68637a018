package pluginmanager

import (
	"context"
	"errors"
	"sync"
	"testing"

	cdispec "tags.cncf.io/container-device-interface/specs-go"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
	"github.com/project-akri/akri-agent/pkg/deviceplugin"
)

type fakeInstanceClient struct {
	mu         sync.Mutex
	instances  map[string]*akri.Instance
	finalizers map[string][]string
}

func newFakeInstanceClient() *fakeInstanceClient {
	return &fakeInstanceClient{
		instances:  make(map[string]*akri.Instance),
		finalizers: make(map[string][]string),
	}
}

func (f *fakeInstanceClient) put(inst *akri.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.Namespace+"/"+inst.Name] = inst
}

func (f *fakeInstanceClient) GetInstance(_ context.Context, namespace, name string) (*akri.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[namespace+"/"+name]
	if !ok {
		return nil, apierrors.NewNotFound(schema.GroupResource{Resource: "instances"}, name)
	}
	return inst, nil
}

func (f *fakeInstanceClient) ApplySlots(_ context.Context, namespace, name, _ string, usage map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[namespace+"/"+name]
	if !ok {
		return errors.New("no such instance")
	}
	inst.DeviceUsage = usage
	return nil
}

func (f *fakeInstanceClient) AddFinalizer(_ context.Context, namespace, name, finalizer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := namespace + "/" + name
	for _, existing := range f.finalizers[key] {
		if existing == finalizer {
			return nil
		}
	}
	f.finalizers[key] = append(f.finalizers[key], finalizer)
	return nil
}

func (f *fakeInstanceClient) RemoveFinalizer(_ context.Context, namespace, name, finalizer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := namespace + "/" + name
	out := f.finalizers[key][:0]
	for _, existing := range f.finalizers[key] {
		if existing != finalizer {
			out = append(out, existing)
		}
	}
	f.finalizers[key] = out
	return nil
}

type fakeDeviceManager struct {
	devices map[string]cdispec.Device
}

func (f *fakeDeviceManager) DeviceByFingerprint(key, fingerprint string) (cdispec.Device, bool) {
	d, ok := f.devices[key+"/"+fingerprint]
	return d, ok
}

func newTestManager(store *fakeInstanceClient, devices *fakeDeviceManager) *Manager {
	m := New(store, devices, "node-a", "akri.sh", "/tmp/plugins", "/tmp/kubelet.sock")
	m.serveInstance = func(context.Context, *deviceplugin.InstancePlugin, string) error { return nil }
	m.serveConfiguration = func(context.Context, *deviceplugin.ConfigurationDevicePlugin, string) error { return nil }
	return m
}

func testInstance(node string) *akri.Instance {
	return &akri.Instance{
		Name:              "cam-config-abc123",
		Namespace:         "default",
		ConfigurationName: "cam-config",
		CDIName:           "akri.sh/cam-config",
		Capacity:          2,
		Nodes:             []string{node},
		DeviceUsage:       map[string]string{},
	}
}

func TestReconcileCreatesInstancePlugin(t *testing.T) {
	store := newFakeInstanceClient()
	devices := &fakeDeviceManager{devices: map[string]cdispec.Device{
		"akri.sh/cam-config/abc123": {Name: "abc123"},
	}}
	m := newTestManager(store, devices)
	inst := testInstance("node-a")
	store.put(inst)

	if err := m.Reconcile(context.Background(), inst); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(m.instances) != 1 {
		t.Fatalf("expected one tracked instance plugin, got %d", len(m.instances))
	}
	if len(m.configs) != 1 {
		t.Fatalf("expected one tracked configuration plugin, got %d", len(m.configs))
	}
	if fin := store.finalizers["default/cam-config-abc123"]; len(fin) != 1 || fin[0] != m.finalizerName() {
		t.Fatalf("expected the node finalizer to be added, got %v", fin)
	}
}

func TestReconcileUnknownDeviceFails(t *testing.T) {
	store := newFakeInstanceClient()
	devices := &fakeDeviceManager{devices: map[string]cdispec.Device{}}
	m := newTestManager(store, devices)
	inst := testInstance("node-a")
	store.put(inst)

	err := m.Reconcile(context.Background(), inst)
	if !errors.Is(err, akri.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestReconcileTearsDownWhenNodeLeaves(t *testing.T) {
	store := newFakeInstanceClient()
	devices := &fakeDeviceManager{devices: map[string]cdispec.Device{
		"akri.sh/cam-config/abc123": {Name: "abc123"},
	}}
	m := newTestManager(store, devices)
	inst := testInstance("node-a")
	store.put(inst)
	if err := m.Reconcile(context.Background(), inst); err != nil {
		t.Fatalf("initial Reconcile: %v", err)
	}

	inst.Nodes = nil
	if err := m.Reconcile(context.Background(), inst); err != nil {
		t.Fatalf("teardown Reconcile: %v", err)
	}

	if len(m.instances) != 0 || len(m.configs) != 0 {
		t.Fatalf("expected both maps empty after teardown, got instances=%d configs=%d", len(m.instances), len(m.configs))
	}
	if fin := store.finalizers["default/cam-config-abc123"]; len(fin) != 0 {
		t.Fatalf("expected finalizer removed, got %v", fin)
	}
}

func TestReconcileUpdatesExistingPlugin(t *testing.T) {
	store := newFakeInstanceClient()
	devices := &fakeDeviceManager{devices: map[string]cdispec.Device{
		"akri.sh/cam-config/abc123": {Name: "abc123"},
	}}
	m := newTestManager(store, devices)
	inst := testInstance("node-a")
	store.put(inst)
	if err := m.Reconcile(context.Background(), inst); err != nil {
		t.Fatalf("initial Reconcile: %v", err)
	}

	inst.DeviceUsage = map[string]string{"cam-config-abc123-0": "node-b"}
	if err := m.Reconcile(context.Background(), inst); err != nil {
		t.Fatalf("update Reconcile: %v", err)
	}

	entry := m.instances[types.NamespacedName{Namespace: inst.Namespace, Name: inst.Name}]
	owned := entry.plugin.OwnedUsage()
	if _, owned0 := owned["cam-config-abc123-0"]; owned0 {
		t.Fatalf("slot 0 belongs to node-b, should not show up in node-a's owned set: %+v", owned)
	}
}

func TestUsedSlotsExportsInstanceOwnership(t *testing.T) {
	store := newFakeInstanceClient()
	devices := &fakeDeviceManager{devices: map[string]cdispec.Device{
		"akri.sh/cam-config/abc123": {Name: "abc123"},
	}}
	m := newTestManager(store, devices)
	inst := testInstance("node-a")
	inst.DeviceUsage = map[string]string{"cam-config-abc123-0": "node-a"}
	store.put(inst)
	if err := m.Reconcile(context.Background(), inst); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	used := m.UsedSlots()
	if _, ok := used["akri.sh/cam-config-abc123-0"]; !ok {
		t.Fatalf("expected slot 0 in used set, got %+v", used)
	}
}
