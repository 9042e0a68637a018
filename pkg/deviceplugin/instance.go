// Package deviceplugin implements the kubelet Device-Plugin protocol
// on top of an Instance's slot vector: one InstancePlugin per Instance,
// grouped under a ConfigurationDevicePlugin that advertises anonymous
// "first free slot" allocation for the owning Configuration.
package deviceplugin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cdispec "tags.cncf.io/container-device-interface/specs-go"
	"k8s.io/klog/v2"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
	"github.com/project-akri/akri-agent/pkg/metrics"
)

// InstanceStore is the slice of apiserver.Client that the instance
// plugin needs: applying its own reservations back onto the cluster
// Instance resource.
type InstanceStore interface {
	ApplySlots(ctx context.Context, namespace, name, nodeName string, deviceUsage map[string]string) error
}

// InstancePlugin serves the kubelet Device-Plugin protocol for one
// Instance on this node. It owns an authoritative slot vector and
// drives reservations into the cluster Instance resource with
// optimistic concurrency.
type InstancePlugin struct {
	namespace string
	name      string
	nodeName  string
	device    cdispec.Device
	store     InstanceStore

	grpc *grpcServer

	mu   sync.Mutex
	vec  *slotVector
	bcst *broadcast
}

// NewInstancePlugin constructs a plugin for an Instance whose sparse
// device_usage map is usage and whose capacity is cap. device is the
// CDI descriptor looked up from the Device Manager at construction
// time; it does not change for the plugin's lifetime, matching how the
// reference implementation captures it once and tears the plugin down
// rather than patching it in place when the kind changes.
func NewInstancePlugin(namespace, name, nodeName string, capacity int, usage map[string]string, device cdispec.Device, store InstanceStore) (*InstancePlugin, error) {
	vec, err := fromSparse(name, capacity, usage)
	if err != nil {
		return nil, err
	}
	return &InstancePlugin{
		namespace: namespace,
		name:      name,
		nodeName:  nodeName,
		device:    device,
		store:     store,
		vec:       vec,
		bcst:      newBroadcast(),
	}, nil
}

// Serve starts the plugin's gRPC socket and registers it with kubelet
// under resourceName.
func (p *InstancePlugin) Serve(ctx context.Context, pluginDir, kubeletSocketPath, resourceName string) error {
	socketName := fmt.Sprintf("%s-%d.sock", p.name, time.Now().UnixNano())
	p.grpc = newGRPCServer(pluginDir, kubeletSocketPath, resourceName, socketName)
	return p.grpc.serveAndRegister(ctx, p)
}

// Stop tears down the plugin's gRPC socket and wakes any blocked
// ListAndWatch stream so it can exit.
func (p *InstancePlugin) Stop() {
	if p.grpc != nil {
		p.grpc.Stop()
	}
	p.mu.Lock()
	p.bcst.Notify()
	p.mu.Unlock()
}

// UpdateSlots overwrites the vector from a freshly observed sparse
// device_usage map, emitting exactly one watch update iff anything
// changed.
func (p *InstancePlugin) UpdateSlots(sparse map[string]string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	for slotID, raw := range sparse {
		i, err := akri.SlotIndex(slotID, p.name, p.vec.capacity())
		if err != nil {
			return false, err
		}
		usage, err := akri.ParseUsage(raw)
		if err != nil {
			return false, fmt.Errorf("slot %q: %w", slotID, err)
		}
		if p.vec.get(i) != usage {
			p.vec.set(i, usage)
			changed = true
		}
	}
	if changed {
		p.bcst.Notify()
	}
	return changed, nil
}

// ClaimSlot tries to reserve a slot locally and, on success, applies
// the node's full ownership set back to the cluster. id is nil to
// request any free slot.
func (p *InstancePlugin) ClaimSlot(ctx context.Context, id *int, wanted akri.Usage) (int, error) {
	p.mu.Lock()
	i, err := p.tryClaimLocked(id, wanted)
	if err != nil {
		p.mu.Unlock()
		metrics.SlotClaims.WithLabelValues(p.name, "rejected").Inc()
		return 0, err
	}
	owned := p.vec.ownedByNode(p.nodeName)
	p.mu.Unlock()

	if err := p.store.ApplySlots(ctx, p.namespace, p.name, p.nodeName, owned); err != nil {
		p.mu.Lock()
		p.vec.set(i, akri.Usage{})
		p.bcst.Notify()
		p.mu.Unlock()
		metrics.SlotClaims.WithLabelValues(p.name, "store_error").Inc()
		return 0, err
	}

	metrics.SlotClaims.WithLabelValues(p.name, "claimed").Inc()
	klog.V(4).InfoS("deviceplugin: slot claimed", "instance", p.name, "slot", akri.SlotID(p.name, i))
	p.mu.Lock()
	p.bcst.Notify()
	p.mu.Unlock()
	return i, nil
}

func (p *InstancePlugin) tryClaimLocked(id *int, wanted akri.Usage) (int, error) {
	if id != nil {
		i := *id
		if i < 0 || i >= p.vec.capacity() {
			return 0, fmt.Errorf("%w: slot index %d out of range", akri.ErrSlotInUse, i)
		}
		current := p.vec.get(i)
		if current.Kind != akri.Unused && current != wanted {
			return 0, fmt.Errorf("%w: slot %s", akri.ErrSlotInUse, akri.SlotID(p.name, i))
		}
		p.vec.set(i, wanted)
		return i, nil
	}
	i := p.vec.firstUnused()
	if i < 0 {
		return 0, akri.ErrNoSlot
	}
	p.vec.set(i, wanted)
	return i, nil
}

// FreeSlot releases a slot, re-applying ownership to the cluster. An
// out-of-range index is a silent no-op: it is already effectively
// free.
func (p *InstancePlugin) FreeSlot(ctx context.Context, i int) error {
	p.mu.Lock()
	if i < 0 || i >= p.vec.capacity() {
		p.mu.Unlock()
		return nil
	}
	p.vec.set(i, akri.Usage{Kind: akri.Unused})
	owned := p.vec.ownedByNode(p.nodeName)
	p.mu.Unlock()

	if err := p.store.ApplySlots(ctx, p.namespace, p.name, p.nodeName, owned); err != nil {
		return err
	}

	metrics.SlotFrees.WithLabelValues(p.name).Inc()
	p.mu.Lock()
	p.bcst.Notify()
	p.mu.Unlock()
	return nil
}

// Snapshot returns a defensive copy of the slot vector, for the
// Configuration Device Plugin's instance watchers.
func (p *InstancePlugin) Snapshot() *slotVector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vec.clone()
}

// OwnedUsage returns the slots this node currently owns, under either
// usage kind, keyed by slot id. It is how the plugin manager exports
// its "used slots query" for the slot reconciler without leaking the
// unexported slot vector type.
func (p *InstancePlugin) OwnedUsage() map[string]akri.Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]akri.Usage)
	for i := 0; i < p.vec.capacity(); i++ {
		u := p.vec.get(i)
		if u.OwnedBy(p.nodeName) {
			out[akri.SlotID(p.name, i)] = u
		}
	}
	return out
}

// Watch returns the channel that closes on the plugin's next state
// change (slot update or Stop).
func (p *InstancePlugin) Watch() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bcst.Wait()
}

func (p *InstancePlugin) apiDevices() []*pluginapi.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	devices := make([]*pluginapi.Device, p.vec.capacity())
	for i := 0; i < p.vec.capacity(); i++ {
		health := pluginapi.Unhealthy
		u := p.vec.get(i)
		if u.Kind == akri.Unused || (u.Kind == akri.InstanceNode && u.Node == p.nodeName) {
			health = pluginapi.Healthy
		}
		devices[i] = &pluginapi.Device{ID: akri.SlotID(p.name, i), Health: health}
	}
	return devices
}

// GetDevicePluginOptions reports this plugin never needs
// PreStartContainer, but does implement GetPreferredAllocation.
func (p *InstancePlugin) GetDevicePluginOptions(context.Context, *pluginapi.Empty) (*pluginapi.DevicePluginOptions, error) {
	return &pluginapi.DevicePluginOptions{
		PreStartRequired:                 false,
		GetPreferredAllocationAvailable: true,
	}, nil
}

// ListAndWatch streams the slot health list, re-sending whenever the
// vector changes or the plugin is stopped.
func (p *InstancePlugin) ListAndWatch(_ *pluginapi.Empty, stream pluginapi.DevicePlugin_ListAndWatchServer) error {
	if err := stream.Send(&pluginapi.ListAndWatchResponse{Devices: p.apiDevices()}); err != nil {
		return err
	}
	for {
		watch := p.Watch()
		select {
		case <-stream.Context().Done():
			return nil
		case <-p.grpcStopped():
			return nil
		case <-watch:
			if err := stream.Send(&pluginapi.ListAndWatchResponse{Devices: p.apiDevices()}); err != nil {
				return err
			}
		}
	}
}

func (p *InstancePlugin) grpcStopped() <-chan struct{} {
	if p.grpc == nil {
		return nil
	}
	return p.grpc.stop
}

// Allocate claims one slot per requested device id and builds the CDI
// environment, mounts, and device nodes for each. Every id must parse
// to an in-range slot index; failure of any claim fails the whole
// request.
func (p *InstancePlugin) Allocate(ctx context.Context, req *pluginapi.AllocateRequest) (*pluginapi.AllocateResponse, error) {
	resp := &pluginapi.AllocateResponse{}
	for _, cReq := range req.ContainerRequests {
		cResp := &pluginapi.ContainerAllocateResponse{
			Envs:        make(map[string]string),
			Annotations: make(map[string]string),
		}
		for _, id := range cReq.DevicesIDs {
			i, err := akri.SlotIndex(id, p.name, p.vec.capacity())
			if err != nil {
				return nil, grpcError(err)
			}
			if _, err := p.ClaimSlot(ctx, &i, akri.Usage{Kind: akri.InstanceNode, Node: p.nodeName}); err != nil {
				return nil, grpcError(err)
			}
			p.fillContainerResponse(cResp)
			appendSlotAnnotation(cResp, akri.SlotID(p.name, i))
		}
		resp.ContainerResponses = append(resp.ContainerResponses, cResp)
	}
	return resp, nil
}

// fillContainerResponse copies the plugin's captured CDI descriptor
// into a container allocate response, duplicating every env var under
// a fingerprint-suffixed key so multiple devices of the same
// Configuration allocated into one container don't collide.
func (p *InstancePlugin) fillContainerResponse(resp *pluginapi.ContainerAllocateResponse) {
	suffix := strings.ToUpper(p.device.Name)
	for _, kv := range p.device.ContainerEdits.Env {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		resp.Envs[key] = val
		resp.Envs[key+"_"+suffix] = val
	}
	for _, m := range p.device.ContainerEdits.Mounts {
		resp.Mounts = append(resp.Mounts, &pluginapi.Mount{
			ContainerPath: m.ContainerPath,
			HostPath:      m.HostPath,
			ReadOnly:      containsOpt(m.Options, "ro"),
		})
	}
	for _, n := range p.device.ContainerEdits.DeviceNodes {
		resp.Devices = append(resp.Devices, &pluginapi.DeviceSpec{
			ContainerPath: n.Path,
			HostPath:      n.HostPath,
			Permissions:   n.Permissions,
		})
	}
}

func containsOpt(opts []string, want string) bool {
	for _, o := range opts {
		if o == want {
			return true
		}
	}
	return false
}

// GetPreferredAllocation has no preference to express: every slot of
// an Instance is interchangeable, so it echoes back whatever subset of
// available ids satisfies the requested size.
func (p *InstancePlugin) GetPreferredAllocation(_ context.Context, req *pluginapi.PreferredAllocationRequest) (*pluginapi.PreferredAllocationResponse, error) {
	resp := &pluginapi.PreferredAllocationResponse{}
	for _, cReq := range req.ContainerRequests {
		ids := append([]string(nil), cReq.MustIncludeDeviceIDs...)
		for _, id := range cReq.AvailableDeviceIDs {
			if len(ids) >= int(cReq.AllocationSize) {
				break
			}
			if !containsOpt(ids, id) {
				ids = append(ids, id)
			}
		}
		resp.ContainerResponses = append(resp.ContainerResponses, &pluginapi.ContainerPreferredAllocationResponse{
			DeviceIDs: ids,
		})
	}
	return resp, nil
}

// PreStartContainer is unused: this plugin never sets PreStartRequired.
func (p *InstancePlugin) PreStartContainer(context.Context, *pluginapi.PreStartContainerRequest) (*pluginapi.PreStartContainerResponse, error) {
	return &pluginapi.PreStartContainerResponse{}, nil
}
