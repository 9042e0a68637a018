package deviceplugin

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

// configSlotKind distinguishes the two shapes a Configuration plugin's
// virtual slot can take.
type configSlotKind int

const (
	// deviceFree advertises that the backing instance has at least one
	// Unused slot, without committing to which one.
	deviceFree configSlotKind = iota
	// deviceUsed records a previously configuration-allocated slot and
	// the concrete instance slot id backing it.
	deviceUsed
)

type configSlot struct {
	kind     configSlotKind
	instance string
	index    int // backing instance slot index, set iff kind == deviceUsed
}

// instancePluginHandle is the slice of InstancePlugin the Configuration
// plugin needs, so tests can substitute a fake without standing up a
// real gRPC server.
type instancePluginHandle interface {
	Snapshot() *slotVector
	Watch() <-chan struct{}
	ClaimSlot(ctx context.Context, id *int, wanted akri.Usage) (int, error)
	FreeSlot(ctx context.Context, i int) error
	fillContainerResponse(resp *pluginapi.ContainerAllocateResponse)
}

// ConfigurationDevicePlugin aggregates "one anonymous free slot per
// instance" across every Instance of one Configuration into a single
// pool kubelet can allocate from without naming a specific Instance.
type ConfigurationDevicePlugin struct {
	name     string
	nodeName string

	grpc *grpcServer

	mu        sync.Mutex
	instances map[string]instancePluginHandle
	cancel    map[string]context.CancelFunc
	slots     map[string]configSlot
	bcst      *broadcast
}

// NewConfigurationDevicePlugin constructs an empty plugin for
// Configuration name on nodeName.
func NewConfigurationDevicePlugin(name, nodeName string) *ConfigurationDevicePlugin {
	return &ConfigurationDevicePlugin{
		name:      name,
		nodeName:  nodeName,
		instances: make(map[string]instancePluginHandle),
		cancel:    make(map[string]context.CancelFunc),
		slots:     make(map[string]configSlot),
		bcst:      newBroadcast(),
	}
}

// Serve starts the plugin's gRPC socket and registers it with kubelet.
func (c *ConfigurationDevicePlugin) Serve(ctx context.Context, pluginDir, kubeletSocketPath, resourceName string) error {
	c.grpc = newGRPCServer(pluginDir, kubeletSocketPath, resourceName, c.name+"-config.sock")
	return c.grpc.serveAndRegister(ctx, c)
}

// Stop tears down every instance watcher and the plugin's gRPC socket.
func (c *ConfigurationDevicePlugin) Stop() {
	c.mu.Lock()
	for _, cancel := range c.cancel {
		cancel()
	}
	c.mu.Unlock()
	if c.grpc != nil {
		c.grpc.Stop()
	}
}

// InstanceCount reports how many instance plugins are currently
// grouped under this Configuration plugin, so the plugin manager knows
// when to tear the Configuration plugin down.
func (c *ConfigurationDevicePlugin) InstanceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// AddInstancePlugin starts a watcher goroutine over plugin's slot
// vector that keeps this Configuration's virtual slot map in sync.
func (c *ConfigurationDevicePlugin) AddInstancePlugin(instanceName string, plugin instancePluginHandle) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.instances[instanceName] = plugin
	c.cancel[instanceName] = cancel
	c.mu.Unlock()

	c.recompute(instanceName, plugin.Snapshot())
	go c.watchInstance(ctx, instanceName, plugin)
}

// RemoveInstancePlugin stops the watcher for instanceName and strips
// every virtual slot referencing it.
func (c *ConfigurationDevicePlugin) RemoveInstancePlugin(instanceName string) {
	c.mu.Lock()
	if cancel, ok := c.cancel[instanceName]; ok {
		cancel()
	}
	delete(c.cancel, instanceName)
	delete(c.instances, instanceName)
	c.dropInstanceLocked(instanceName)
	c.mu.Unlock()
}

func (c *ConfigurationDevicePlugin) watchInstance(ctx context.Context, instanceName string, plugin instancePluginHandle) {
	for {
		watch := plugin.Watch()
		select {
		case <-ctx.Done():
			return
		case <-watch:
			c.recompute(instanceName, plugin.Snapshot())
		}
	}
}

// recompute rebuilds instanceName's entries in the virtual slot map
// from a fresh snapshot of its vector.
func (c *ConfigurationDevicePlugin) recompute(instanceName string, vec *slotVector) {
	c.mu.Lock()
	c.dropInstanceLocked(instanceName)

	freeCount := 0
	for i := 0; i < vec.capacity(); i++ {
		u := vec.get(i)
		switch {
		case u.Kind == akri.Unused:
			freeCount++
		case u.Kind == akri.ConfigurationNode && u.Node == c.nodeName:
			id := c.allocSlotID()
			c.slots[id] = configSlot{kind: deviceUsed, instance: instanceName, index: i}
		}
	}
	if freeCount > 0 {
		id := c.allocSlotID()
		c.slots[id] = configSlot{kind: deviceFree, instance: instanceName}
	}
	c.bcst.Notify()
	c.mu.Unlock()
}

// dropInstanceLocked removes every virtual slot referencing
// instanceName. Callers must hold c.mu.
func (c *ConfigurationDevicePlugin) dropInstanceLocked(instanceName string) {
	for id, s := range c.slots {
		if s.instance == instanceName {
			delete(c.slots, id)
		}
	}
}

// allocSlotID returns the smallest non-negative integer not already
// used as a slot id suffix in the map. Callers must hold c.mu.
func (c *ConfigurationDevicePlugin) allocSlotID() string {
	for n := 0; ; n++ {
		id := fmt.Sprintf("%s-%d", c.name, n)
		if _, taken := c.slots[id]; !taken {
			return id
		}
	}
}

func (c *ConfigurationDevicePlugin) apiDevices() []*pluginapi.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	devices := make([]*pluginapi.Device, 0, len(c.slots))
	for id := range c.slots {
		devices = append(devices, &pluginapi.Device{ID: id, Health: pluginapi.Healthy})
	}
	return devices
}

// GetDevicePluginOptions reports this plugin never needs
// PreStartContainer or GetPreferredAllocation: its slots are anonymous
// placeholders, not concrete devices with a preference order.
func (c *ConfigurationDevicePlugin) GetDevicePluginOptions(context.Context, *pluginapi.Empty) (*pluginapi.DevicePluginOptions, error) {
	return &pluginapi.DevicePluginOptions{}, nil
}

// ListAndWatch streams the virtual slot map, re-sending whenever it
// changes.
func (c *ConfigurationDevicePlugin) ListAndWatch(_ *pluginapi.Empty, stream pluginapi.DevicePlugin_ListAndWatchServer) error {
	if err := stream.Send(&pluginapi.ListAndWatchResponse{Devices: c.apiDevices()}); err != nil {
		return err
	}
	for {
		c.mu.Lock()
		watch := c.bcst.Wait()
		c.mu.Unlock()
		select {
		case <-stream.Context().Done():
			return nil
		case <-c.grpcStopped():
			return nil
		case <-watch:
			if err := stream.Send(&pluginapi.ListAndWatchResponse{Devices: c.apiDevices()}); err != nil {
				return err
			}
		}
	}
}

func (c *ConfigurationDevicePlugin) grpcStopped() <-chan struct{} {
	if c.grpc == nil {
		return nil
	}
	return c.grpc.stop
}

// Allocate resolves each requested virtual slot id to its backing
// instance and claims a concrete slot there.
func (c *ConfigurationDevicePlugin) Allocate(ctx context.Context, req *pluginapi.AllocateRequest) (*pluginapi.AllocateResponse, error) {
	resp := &pluginapi.AllocateResponse{}
	for _, cReq := range req.ContainerRequests {
		cResp := &pluginapi.ContainerAllocateResponse{
			Envs:        make(map[string]string),
			Annotations: make(map[string]string),
		}
		for _, id := range cReq.DevicesIDs {
			if err := c.allocateOne(ctx, id, cResp); err != nil {
				return nil, grpcError(err)
			}
		}
		resp.ContainerResponses = append(resp.ContainerResponses, cResp)
	}
	return resp, nil
}

func (c *ConfigurationDevicePlugin) allocateOne(ctx context.Context, vdev string, cResp *pluginapi.ContainerAllocateResponse) error {
	c.mu.Lock()
	slot, ok := c.slots[vdev]
	var plugin instancePluginHandle
	if ok && slot.kind == deviceFree {
		plugin = c.instances[slot.instance]
	}
	c.mu.Unlock()

	if !ok || slot.kind != deviceFree || plugin == nil {
		return fmt.Errorf("%w: configuration slot %q is not free", akri.ErrSlotInUse, vdev)
	}

	i, err := plugin.ClaimSlot(ctx, nil, akri.Usage{Kind: akri.ConfigurationNode, VDev: vdev, Node: c.nodeName})
	if err != nil {
		return err
	}
	plugin.fillContainerResponse(cResp)
	appendSlotAnnotation(cResp, akri.SlotID(slot.instance, i))
	klog.V(4).InfoS("deviceplugin: configuration slot claimed", "configuration", c.name, "vdev", vdev, "instance", slot.instance, "index", i)
	return nil
}

// FreeSlot maps i back to a virtual slot id and delegates to its
// backing instance plugin's FreeSlot.
func (c *ConfigurationDevicePlugin) FreeSlot(ctx context.Context, i int) error {
	id := fmt.Sprintf("%s-%d", c.name, i)
	c.mu.Lock()
	slot, ok := c.slots[id]
	var plugin instancePluginHandle
	if ok && slot.kind == deviceUsed {
		plugin = c.instances[slot.instance]
	}
	c.mu.Unlock()
	if !ok || slot.kind != deviceUsed || plugin == nil {
		return nil
	}
	return plugin.FreeSlot(ctx, slot.index)
}

// PreStartContainer is unused: this plugin never sets PreStartRequired.
func (c *ConfigurationDevicePlugin) PreStartContainer(context.Context, *pluginapi.PreStartContainerRequest) (*pluginapi.PreStartContainerResponse, error) {
	return &pluginapi.PreStartContainerResponse{}, nil
}

// GetPreferredAllocation has nothing useful to prefer among anonymous
// placeholder slots.
func (c *ConfigurationDevicePlugin) GetPreferredAllocation(_ context.Context, req *pluginapi.PreferredAllocationRequest) (*pluginapi.PreferredAllocationResponse, error) {
	resp := &pluginapi.PreferredAllocationResponse{}
	for _, cReq := range req.ContainerRequests {
		ids := cReq.AvailableDeviceIDs
		if int(cReq.AllocationSize) < len(ids) {
			ids = ids[:cReq.AllocationSize]
		}
		resp.ContainerResponses = append(resp.ContainerResponses, &pluginapi.ContainerPreferredAllocationResponse{
			DeviceIDs: ids,
		})
	}
	return resp, nil
}
