package discovery

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	cdispec "tags.cncf.io/container-device-interface/specs-go"
	"k8s.io/klog/v2"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
	"github.com/project-akri/akri-agent/pkg/cdi"
	"github.com/project-akri/akri-agent/pkg/fingerprint"
	"github.com/project-akri/akri-agent/pkg/metrics"
)

// Request is one Discovery Request: it fans a single logical query out
// to every present and future endpoint of a given handler kind, merges
// their device lists by fingerprint, and publishes the merged set as a
// CDI Kind.
type Request struct {
	key                RequestKey
	handlerName        string
	details            string
	properties         []akri.Property
	resourceNamePrefix string
	solver             PropertySolver
	cdiManager         *cdi.Manager
	registry           *Registry

	appearances <-chan Endpoint
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	receivers []*receiver

	extraMu               sync.Mutex
	extraDeviceProperties map[string]string

	terminated chan struct{}
	termOnce   sync.Once
}

// buildDiscoverRequest solves this request's properties fresh for each
// endpoint query; the endpoint itself plays no part in property solving
// but the parameter keeps the call site self-documenting.
func (r *Request) buildDiscoverRequest(ctx context.Context, _ Endpoint) (DiscoverRequest, error) {
	solved, err := r.solver.Solve(ctx, r.key.Namespace, r.properties)
	if err != nil {
		return DiscoverRequest{}, err
	}
	return DiscoverRequest{Details: r.details, DiscoveryProperties: solved}, nil
}

// caseKind tags each select branch built in buildSelectCases.
type caseKind int

const (
	caseTerminate caseKind = iota
	caseAppearance
	caseReceiverChanged
	caseReceiverDone
)

// run is the fan-in loop: it waits on whichever of (new endpoint
// appeared | a receiver has a fresh snapshot | a receiver's endpoint
// closed | termination requested) fires first. The number of receivers
// varies at runtime, so the select set is built fresh each iteration
// with reflect.Select rather than a fixed select statement.
func (r *Request) run() {
	defer r.registry.removeRequest(r.key)
	defer r.unsubscribe()
	defer r.cdiManager.Remove(r.cdiName())

	r.publish()

	for {
		cases, kinds, recvs := r.buildSelectCases()
		chosen, value, ok := reflect.Select(cases)

		switch kinds[chosen] {
		case caseTerminate:
			klog.InfoS("discovery: request terminated", "key", r.key)
			return
		case caseAppearance:
			if ok {
				r.onAppearance(value.Interface().(Endpoint))
			}
		case caseReceiverChanged:
			// nothing else to do; publish() below re-reads Latest().
		case caseReceiverDone:
			r.dropReceiver(recvs[chosen])
		}

		r.mu.Lock()
		empty := len(r.receivers) == 0
		r.mu.Unlock()
		if empty {
			klog.InfoS("discovery: request has no remaining endpoints, terminating", "key", r.key)
			return
		}

		r.publish()
	}
}

func (r *Request) buildSelectCases() ([]reflect.SelectCase, []caseKind, []*receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.terminated)},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.appearances)},
	}
	kinds := []caseKind{caseTerminate, caseAppearance}
	recvs := []*receiver{nil, nil}

	for _, recv := range r.receivers {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(recv.Changed())})
		kinds = append(kinds, caseReceiverChanged)
		recvs = append(recvs, recv)

		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(recv.Done())})
		kinds = append(kinds, caseReceiverDone)
		recvs = append(recvs, recv)
	}

	return cases, kinds, recvs
}

func (r *Request) dropReceiver(dead *receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.receivers[:0]
	for _, recv := range r.receivers {
		if recv != dead {
			kept = append(kept, recv)
		}
	}
	r.receivers = kept
}

func (r *Request) onAppearance(ep Endpoint) {
	if ep.Name() != r.handlerName {
		return
	}
	discoverReq, err := r.buildDiscoverRequest(r.ctx, ep)
	if err != nil {
		klog.ErrorS(err, "discovery: could not solve properties for new endpoint", "key", r.key, "uid", ep.UID())
		return
	}
	recv, err := newReceiver(r.ctx, ep, discoverReq)
	if err != nil {
		klog.ErrorS(err, "discovery: could not query newly appeared endpoint", "key", r.key, "uid", ep.UID())
		return
	}
	r.mu.Lock()
	r.receivers = append(r.receivers, recv)
	r.mu.Unlock()
	klog.InfoS("discovery: endpoint joined request", "key", r.key, "uid", ep.UID())
}

func (r *Request) cdiName() string {
	return fmt.Sprintf("%s/%s", r.resourceNamePrefix, r.key.Name)
}

// publish recomputes the deduplicated union across all receivers and
// republishes the CDI Kind, keyed by fingerprint so that the same
// physical device reported by two endpoints collapses to one entry.
func (r *Request) publish() {
	r.mu.Lock()
	receivers := append([]*receiver(nil), r.receivers...)
	r.mu.Unlock()

	byFingerprint := make(map[string]cdispec.Device)
	for _, recv := range receivers {
		for _, dd := range recv.Latest() {
			fp := fingerprintOf(dd)
			byFingerprint[fp] = toCDIDevice(fp, dd.Device)
		}
	}

	names := make([]string, 0, len(byFingerprint))
	for k := range byFingerprint {
		names = append(names, k)
	}
	sort.Strings(names)
	devices := make([]cdispec.Device, 0, len(names))
	for _, n := range names {
		devices = append(devices, byFingerprint[n])
	}

	kind := &cdispec.Spec{
		Version: "0.8.0",
		Kind:    r.cdiName(),
		Devices: devices,
		ContainerEdits: cdispec.ContainerEdits{
			Env: flattenExtras(r.currentExtras()),
		},
	}
	r.cdiManager.Set(r.cdiName(), kind)
	metrics.DiscoveredDevices.WithLabelValues(r.key.Name).Set(float64(len(devices)))
}

func fingerprintOf(dd akri.DiscoveredDevice) string {
	if dd.Sharing == akri.Local {
		return fingerprint.Local(dd.Device.ID, dd.NodeName)
	}
	return fingerprint.Shared(dd.Device.ID)
}

func toCDIDevice(name string, d akri.Device) cdispec.Device {
	env := make([]string, 0, len(d.Properties))
	keys := make([]string, 0, len(d.Properties))
	for k := range d.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, d.Properties[k]))
	}

	mounts := make([]*cdispec.Mount, 0, len(d.Mounts))
	for _, m := range d.Mounts {
		opts := []string{"bind"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		}
		mounts = append(mounts, &cdispec.Mount{
			HostPath:      m.HostPath,
			ContainerPath: m.ContainerPath,
			Options:       opts,
		})
	}

	nodes := make([]*cdispec.DeviceNode, 0, len(d.DeviceNodes))
	for _, n := range d.DeviceNodes {
		nodes = append(nodes, &cdispec.DeviceNode{
			Path:        n.ContainerPath,
			HostPath:    n.HostPath,
			Permissions: n.Permissions,
		})
	}

	return cdispec.Device{
		Name: name,
		ContainerEdits: cdispec.ContainerEdits{
			Env:         env,
			Mounts:      mounts,
			DeviceNodes: nodes,
		},
	}
}

func flattenExtras(extras map[string]string) []string {
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, extras[k]))
	}
	return out
}

func (r *Request) currentExtras() map[string]string {
	r.extraMu.Lock()
	defer r.extraMu.Unlock()
	return r.extraDeviceProperties
}

// SetExtraDeviceProperties updates the flattened extras patched onto the
// published Kind's container edits, without re-running discovery.
func (r *Request) SetExtraDeviceProperties(extras map[string]string) {
	r.extraMu.Lock()
	if reflect.DeepEqual(r.extraDeviceProperties, extras) {
		r.extraMu.Unlock()
		return
	}
	r.extraDeviceProperties = extras
	r.extraMu.Unlock()
	r.publish()
}

// terminate ends the fan-in loop explicitly.
func (r *Request) terminate() {
	r.termOnce.Do(func() {
		close(r.terminated)
		r.cancel()
	})
}
