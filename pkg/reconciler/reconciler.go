// Package reconciler implements the slot reconciler: it closes the gap
// left by kubelet having no "deallocate" callback, by periodically
// comparing each Instance's declared slot ownership against the
// container runtime's observed view and repairing drift. Adoption (the
// runtime says a slot is in use here but the Instance disagrees) is
// immediate; release (the Instance says this node owns a slot the
// runtime no longer backs) is gated by a grace period tracked in a
// persistent pending-removal map, so a brief race between Pod death and
// the next tick doesn't flap a slot free and immediately back.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
	"github.com/project-akri/akri-agent/pkg/metrics"
)

// ContainerRuntimeView reports the slot ids currently backing a live
// container on this node, as the container runtime sees it. It is this
// agent's replacement for a `crictl ps -v` parse.
type ContainerRuntimeView interface {
	ObservedSlots(ctx context.Context) (map[string]struct{}, error)
}

// InstanceLister returns the current Instance set this node should
// reconcile against.
type InstanceLister interface {
	ListInstances() ([]*akri.Instance, error)
}

// PodLister returns the Pods scheduled onto a node, for the
// ContainersReady convergence check.
type PodLister interface {
	ListPodsOnNode(ctx context.Context, nodeName string) ([]corev1.Pod, error)
}

// InstanceStore applies this node's full owned slot usage map back onto
// the cluster Instance resource.
type InstanceStore interface {
	ApplySlots(ctx context.Context, namespace, name, nodeName string, deviceUsage map[string]string) error
}

// Reconciler drives one node's slot-reconciliation tick.
type Reconciler struct {
	runtime     ContainerRuntimeView
	instances   InstanceLister
	pods        PodLister
	store       InstanceStore
	nodeName    string
	gracePeriod time.Duration

	// now is overridden in tests so grace-period expiry is deterministic.
	now func() time.Time

	mu             sync.Mutex
	pendingRemoval map[string]time.Time
}

// New constructs a Reconciler. gracePeriod is how long a this-node slot
// must be absent from the runtime view before it is cleared.
func New(runtime ContainerRuntimeView, instances InstanceLister, pods PodLister, store InstanceStore, nodeName string, gracePeriod time.Duration) *Reconciler {
	return &Reconciler{
		runtime:        runtime,
		instances:      instances,
		pods:           pods,
		store:          store,
		nodeName:       nodeName,
		gracePeriod:    gracePeriod,
		now:            time.Now,
		pendingRemoval: make(map[string]time.Time),
	}
}

// Run ticks every interval until ctx is cancelled, logging (but not
// propagating) any error from an individual tick so one bad tick
// doesn't stop the loop.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				klog.ErrorS(err, "reconciler: tick failed")
			}
		}
	}
}

// Tick runs one reconciliation pass over every Instance.
func (r *Reconciler) Tick(ctx context.Context) error {
	observed, err := r.runtime.ObservedSlots(ctx)
	if err != nil {
		metrics.ReconcilerTickErrors.Inc()
		return fmt.Errorf("reconciler: runtime query failed, aborting tick: %w", err)
	}

	r.mu.Lock()
	for slotID := range observed {
		delete(r.pendingRemoval, slotID)
	}
	r.mu.Unlock()

	converged, err := r.podsConverged(ctx)
	if err != nil {
		metrics.ReconcilerTickErrors.Inc()
		return fmt.Errorf("reconciler: checking pod readiness: %w", err)
	}
	if !converged {
		klog.V(5).InfoS("reconciler: a pod on this node is not yet ContainersReady, skipping tick")
		return nil
	}

	instances, err := r.instances.ListInstances()
	if err != nil {
		return fmt.Errorf("reconciler: listing instances: %w", err)
	}

	for _, inst := range instances {
		if !inst.HasNode(r.nodeName) {
			continue
		}
		if err := r.reconcileInstance(ctx, inst, observed); err != nil {
			klog.ErrorS(err, "reconciler: instance reconcile failed", "instance", inst.Name)
		}
	}
	return nil
}

// podsConverged reports whether every non-completed Pod on this node
// has reached the ContainersReady condition, meaning the runtime's view
// of live containers is no longer still catching up with the
// scheduler's.
func (r *Reconciler) podsConverged(ctx context.Context) (bool, error) {
	pods, err := r.pods.ListPodsOnNode(ctx, r.nodeName)
	if err != nil {
		return false, err
	}
	for _, pod := range pods {
		if pod.Status.Reason == "PodCompleted" {
			continue
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.ContainersReady && cond.Status != corev1.ConditionTrue {
				return false, nil
			}
		}
	}
	return true, nil
}

// reconcileInstance computes this node's complete owned-slot set after
// repairing any drift against the observed runtime view, and applies
// that whole set in one Instance update. Applying the full set rather
// than just the changed slots matters: server-side apply under a
// node-scoped field manager replaces everything that manager
// previously owned with exactly what's in this call, so an apply
// carrying only the delta would silently release every other slot
// ClaimSlot/FreeSlot had reserved under the same manager.
func (r *Reconciler) reconcileInstance(ctx context.Context, inst *akri.Instance, observed map[string]struct{}) error {
	owned := make(map[string]string)
	var cleared []string
	changes := 0

	for i := 0; i < inst.Capacity; i++ {
		slotID := akri.SlotID(inst.Name, i)
		raw := inst.DeviceUsage[slotID]
		usage, err := akri.ParseUsage(raw)
		if err != nil {
			klog.ErrorS(err, "reconciler: skipping malformed slot", "slot", slotID)
			continue
		}

		_, isObserved := observed[slotID]
		ownedByThisNode := usage.OwnedBy(r.nodeName)

		switch {
		case isObserved && !ownedByThisNode:
			owned[slotID] = r.nodeName
			changes++
			metrics.ReconcilerDrift.WithLabelValues("adopt").Inc()

		case !isObserved && ownedByThisNode:
			if r.pastGracePeriod(slotID) {
				cleared = append(cleared, slotID)
				changes++
				metrics.ReconcilerDrift.WithLabelValues("free").Inc()
				continue
			}
			owned[slotID] = raw

		case ownedByThisNode:
			owned[slotID] = raw
		}
	}

	if changes == 0 {
		return nil
	}

	if err := r.store.ApplySlots(ctx, inst.Namespace, inst.Name, r.nodeName, owned); err != nil {
		return fmt.Errorf("applying slot drift for %s: %w", inst.Name, err)
	}

	if len(cleared) > 0 {
		r.mu.Lock()
		for _, slotID := range cleared {
			delete(r.pendingRemoval, slotID)
		}
		r.mu.Unlock()
	}

	klog.InfoS("reconciler: repaired slot drift", "instance", inst.Name, "changed", changes, "owned", len(owned))
	return nil
}

// pastGracePeriod records slotID's first sighting as missing-from-
// runtime if this is the first tick to notice, and reports whether
// enough time has elapsed since that sighting to act on it.
func (r *Reconciler) pastGracePeriod(slotID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	first, seen := r.pendingRemoval[slotID]
	if !seen {
		first = r.now()
		r.pendingRemoval[slotID] = first
	}
	return r.now().Sub(first) >= r.gracePeriod
}
