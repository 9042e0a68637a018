package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/containerd/nri/pkg/api"
	"github.com/containerd/nri/pkg/stub"
	"k8s.io/klog/v2"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

// maxNRIRestarts bounds how many times in total the NRI stub is run
// (the first connection plus reconnects) before giving up, mirroring the restart
// cap other NRI-based drivers in this family place on their own
// stub.Run loop.
const maxNRIRestarts = 10

// NRIRuntimeView is the ContainerRuntimeView grounded on the container
// runtime's NRI socket: it registers as an NRI plugin, and tracks the
// akri.SlotAnnotationKey annotation of every live container into an
// in-memory set, which is exactly the "crictl ps -v, parsed into
// slot_id" data the reconciler tick needs, without shelling out.
type NRIRuntimeView struct {
	stub stub.Stub

	mu    sync.Mutex
	slots map[string]struct{}
}

// NewNRIRuntimeView connects to the container runtime's NRI socket
// under pluginName. Call Run to start serving; ObservedSlots is safe to
// call concurrently with Run.
func NewNRIRuntimeView(pluginName string) (*NRIRuntimeView, error) {
	v := &NRIRuntimeView{slots: make(map[string]struct{})}

	opts := []stub.Option{
		stub.WithPluginName(pluginName),
		stub.WithPluginIdx("00"),
		stub.WithOnClose(func() {
			klog.InfoS("reconciler: NRI connection closed", "plugin", pluginName)
		}),
	}
	s, err := stub.New(v, opts...)
	if err != nil {
		return nil, fmt.Errorf("reconciler: creating NRI plugin stub: %w", err)
	}
	v.stub = s
	return v, nil
}

// Run serves the NRI connection until ctx is cancelled, reconnecting on
// a dropped connection until the stub has run maxNRIRestarts times.
func (v *NRIRuntimeView) Run(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < maxNRIRestarts; attempt++ {
		lastErr = v.stub.Run(ctx)
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if lastErr == nil {
			return nil
		}
		klog.ErrorS(lastErr, "reconciler: NRI plugin exited, restarting", "attempt", attempt+1)
	}
	return fmt.Errorf("reconciler: NRI plugin failed %d times: %w", maxNRIRestarts, lastErr)
}

// ObservedSlots implements ContainerRuntimeView.
func (v *NRIRuntimeView) ObservedSlots(context.Context) (map[string]struct{}, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]struct{}, len(v.slots))
	for id := range v.slots {
		out[id] = struct{}{}
	}
	return out, nil
}

// Synchronize replaces the tracked slot set with what the runtime
// reports across every already-running container, on first connect or
// reconnect.
func (v *NRIRuntimeView) Synchronize(_ context.Context, _ []*api.PodSandbox, containers []*api.Container) ([]*api.ContainerUpdate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.slots = make(map[string]struct{})
	for _, ctr := range containers {
		v.addLocked(ctr)
	}
	klog.V(4).InfoS("reconciler: synchronized with container runtime", "containers", len(containers), "slots", len(v.slots))
	return nil, nil
}

// CreateContainer records the slot ids a newly created container
// carries via its akri.SlotAnnotationKey annotation.
func (v *NRIRuntimeView) CreateContainer(_ context.Context, _ *api.PodSandbox, ctr *api.Container) (*api.ContainerAdjustment, []*api.ContainerUpdate, error) {
	v.mu.Lock()
	v.addLocked(ctr)
	v.mu.Unlock()
	return nil, nil, nil
}

// RemoveContainer drops the slot ids a removed container was carrying.
func (v *NRIRuntimeView) RemoveContainer(_ context.Context, _ *api.PodSandbox, ctr *api.Container) error {
	v.mu.Lock()
	v.removeLocked(ctr)
	v.mu.Unlock()
	return nil
}

func (v *NRIRuntimeView) addLocked(ctr *api.Container) {
	for _, id := range slotIDsFromAnnotations(ctr.GetAnnotations()) {
		v.slots[id] = struct{}{}
	}
}

func (v *NRIRuntimeView) removeLocked(ctr *api.Container) {
	for _, id := range slotIDsFromAnnotations(ctr.GetAnnotations()) {
		delete(v.slots, id)
	}
}

func slotIDsFromAnnotations(annotations map[string]string) []string {
	raw := annotations[akri.SlotAnnotationKey]
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
