// Package pluginmanager watches the cluster Instance resource and
// drives the lifecycle of this node's Instance and Configuration
// Device Plugins to match it: creating them, updating their slot
// vectors, and tearing them down, with a per-instance exponential
// backoff on error.
package pluginmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cdispec "tags.cncf.io/container-device-interface/specs-go"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
	"github.com/project-akri/akri-agent/pkg/deviceplugin"
	"github.com/project-akri/akri-agent/pkg/metrics"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 5 * time.Minute
	// resyncInterval is the long success requeue interval: once an
	// instance settles, recheck it infrequently rather than not at all,
	// so drift from a missed watch event still self-heals.
	resyncInterval = 10 * time.Minute
)

// InstanceClient is the slice of apiserver.Client the plugin manager
// needs to read and mutate Instance resources.
type InstanceClient interface {
	GetInstance(ctx context.Context, namespace, name string) (*akri.Instance, error)
	ApplySlots(ctx context.Context, namespace, name, nodeName string, deviceUsage map[string]string) error
	AddFinalizer(ctx context.Context, namespace, name, finalizerName string) error
	RemoveFinalizer(ctx context.Context, namespace, name, finalizerName string) error
}

// DeviceManager is the slice of cdi.Manager the plugin manager needs:
// resolving an Instance's cdi_name + fingerprint pair to its CDI device
// descriptor.
type DeviceManager interface {
	DeviceByFingerprint(key, fingerprint string) (cdispec.Device, bool)
}

type instanceEntry struct {
	plugin        *deviceplugin.InstancePlugin
	configuration string
}

type configEntry struct {
	plugin *deviceplugin.ConfigurationDevicePlugin
}

// Manager is the Device Plugin Manager.
type Manager struct {
	store          InstanceClient
	devices        DeviceManager
	nodeName       string
	resourcePrefix string
	pluginDir      string
	kubeletSocket  string

	// serveInstance/serveConfiguration perform the side-effecting half
	// of standing a plugin up (gRPC serve + kubelet registration).
	// Exposed as fields so tests can swap in no-ops.
	serveInstance     func(ctx context.Context, p *deviceplugin.InstancePlugin, resourceName string) error
	serveConfiguration func(ctx context.Context, p *deviceplugin.ConfigurationDevicePlugin, resourceName string) error

	queue workqueue.RateLimitingInterface

	mu        sync.Mutex
	instances map[types.NamespacedName]*instanceEntry
	configs   map[string]*configEntry
}

// New constructs a Manager. pluginDir and kubeletSocket are passed
// through to every plugin's gRPC server.
func New(store InstanceClient, devices DeviceManager, nodeName, resourcePrefix, pluginDir, kubeletSocket string) *Manager {
	limiter := workqueue.NewItemExponentialFailureRateLimiter(backoffBase, backoffCap)
	return &Manager{
		store:          store,
		devices:        devices,
		nodeName:       nodeName,
		resourcePrefix: resourcePrefix,
		pluginDir:      pluginDir,
		kubeletSocket:  kubeletSocket,
		serveInstance: func(ctx context.Context, p *deviceplugin.InstancePlugin, resourceName string) error {
			return p.Serve(ctx, pluginDir, kubeletSocket, resourceName)
		},
		serveConfiguration: func(ctx context.Context, p *deviceplugin.ConfigurationDevicePlugin, resourceName string) error {
			return p.Serve(ctx, pluginDir, kubeletSocket, resourceName)
		},
		queue:     workqueue.NewRateLimitingQueueWithConfig(limiter, workqueue.RateLimitingQueueConfig{Name: "instances"}),
		instances: make(map[types.NamespacedName]*instanceEntry),
		configs:   make(map[string]*configEntry),
	}
}

// EventHandler returns the add/update/delete callbacks for an
// apiserver.InstanceEventHandler that feeds this manager's queue from
// an Instance watch.
func (m *Manager) EventHandler() (onAdd func(*akri.Instance), onUpdate func(old, new *akri.Instance), onDelete func(*akri.Instance)) {
	enqueue := func(inst *akri.Instance) {
		if inst == nil {
			return
		}
		m.queue.Add(types.NamespacedName{Namespace: inst.Namespace, Name: inst.Name})
	}
	return enqueue, func(_, n *akri.Instance) { enqueue(n) }, enqueue
}

// finalizerName is the node-scoped finalizer this agent places on every
// Instance it holds a plugin for, so the Instance survives until the
// plugin has been torn down cleanly.
func (m *Manager) finalizerName() string {
	return m.resourcePrefix + "/" + m.nodeName
}

// Run processes the work queue until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, workers int) {
	defer m.queue.ShutDown()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m.processNextItem(ctx) {
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (m *Manager) processNextItem(ctx context.Context) bool {
	item, shutdown := m.queue.Get()
	if shutdown {
		return false
	}
	key := item.(types.NamespacedName)
	defer m.queue.Done(key)

	requeueAfter, err := m.reconcileKey(ctx, key)
	if err != nil {
		klog.ErrorS(err, "pluginmanager: reconcile failed, backing off", "instance", key)
		m.queue.AddRateLimited(key)
		return true
	}
	m.queue.Forget(key)
	if requeueAfter > 0 {
		m.queue.AddAfter(key, requeueAfter)
	}
	return true
}

// reconcileKey re-fetches the authoritative Instance and dispatches to
// Reconcile, treating a NotFound as an already-complete teardown.
func (m *Manager) reconcileKey(ctx context.Context, key types.NamespacedName) (time.Duration, error) {
	inst, err := m.store.GetInstance(ctx, key.Namespace, key.Name)
	if apierrors.IsNotFound(err) {
		m.teardown(key)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return resyncInterval, m.Reconcile(ctx, inst)
}

// Reconcile brings this node's plugins for one Instance in line with
// its current spec: tearing them down if the Instance no longer
// targets this node or is being deleted, creating them on first sight,
// and pushing slot updates otherwise.
func (m *Manager) Reconcile(ctx context.Context, inst *akri.Instance) error {
	key := types.NamespacedName{Namespace: inst.Namespace, Name: inst.Name}

	if !inst.HasNode(m.nodeName) || inst.IsBeingDeleted() {
		return m.tearDownAndUnfinalize(ctx, inst)
	}

	fingerprint := strings.TrimPrefix(inst.Name, inst.ConfigurationName+"-")
	device, ok := m.devices.DeviceByFingerprint(inst.CDIName, fingerprint)
	if !ok {
		return fmt.Errorf("%w: instance %s cdi_name %s fingerprint %s", akri.ErrUnknownDevice, inst.Name, inst.CDIName, fingerprint)
	}

	if err := m.store.AddFinalizer(ctx, inst.Namespace, inst.Name, m.finalizerName()); err != nil {
		return fmt.Errorf("pluginmanager: add finalizer: %w", err)
	}

	m.mu.Lock()
	entry, exists := m.instances[key]
	m.mu.Unlock()

	if !exists {
		return m.createInstancePlugin(ctx, inst, device)
	}

	if _, err := entry.plugin.UpdateSlots(inst.DeviceUsage); err != nil {
		return fmt.Errorf("pluginmanager: update slots for %s: %w", inst.Name, err)
	}
	return nil
}

func (m *Manager) createInstancePlugin(ctx context.Context, inst *akri.Instance, device cdispec.Device) error {
	plugin, err := deviceplugin.NewInstancePlugin(inst.Namespace, inst.Name, m.nodeName, inst.Capacity, inst.DeviceUsage, device, m.store)
	if err != nil {
		return fmt.Errorf("pluginmanager: build instance plugin for %s: %w", inst.Name, err)
	}

	resourceName := fmt.Sprintf("%s/%s", m.resourcePrefix, inst.Name)
	if err := m.serveInstance(ctx, plugin, resourceName); err != nil {
		return fmt.Errorf("pluginmanager: serve instance plugin for %s: %w", inst.Name, err)
	}

	cfg := m.ensureConfigurationPlugin(ctx, inst.ConfigurationName)
	cfg.plugin.AddInstancePlugin(inst.Name, plugin)

	key := types.NamespacedName{Namespace: inst.Namespace, Name: inst.Name}
	m.mu.Lock()
	m.instances[key] = &instanceEntry{plugin: plugin, configuration: inst.ConfigurationName}
	n := len(m.instances)
	m.mu.Unlock()
	metrics.DevicePlugins.WithLabelValues("instance").Set(float64(n))

	klog.InfoS("pluginmanager: instance plugin created", "instance", inst.Name, "configuration", inst.ConfigurationName)
	return nil
}

// ensureConfigurationPlugin returns the Configuration plugin grouping
// configName, serving it for the first time if this is its first
// instance.
func (m *Manager) ensureConfigurationPlugin(ctx context.Context, configName string) *configEntry {
	m.mu.Lock()
	cfg, ok := m.configs[configName]
	if ok {
		m.mu.Unlock()
		return cfg
	}
	cfg = &configEntry{plugin: deviceplugin.NewConfigurationDevicePlugin(configName, m.nodeName)}
	m.configs[configName] = cfg
	n := len(m.configs)
	m.mu.Unlock()
	metrics.DevicePlugins.WithLabelValues("configuration").Set(float64(n))

	resourceName := fmt.Sprintf("%s/%s", m.resourcePrefix, configName)
	if err := m.serveConfiguration(ctx, cfg.plugin, resourceName); err != nil {
		klog.ErrorS(err, "pluginmanager: serve configuration plugin failed", "configuration", configName)
	}
	return cfg
}

// tearDownAndUnfinalize runs the teardown branch of Reconcile and then
// removes this node's finalizer so the Instance can actually delete.
func (m *Manager) tearDownAndUnfinalize(ctx context.Context, inst *akri.Instance) error {
	key := types.NamespacedName{Namespace: inst.Namespace, Name: inst.Name}
	m.teardown(key)
	if err := m.store.RemoveFinalizer(ctx, inst.Namespace, inst.Name, m.finalizerName()); err != nil {
		return fmt.Errorf("pluginmanager: remove finalizer: %w", err)
	}
	return nil
}

// teardown stops and drops the instance plugin for key, and its
// Configuration plugin too if it was the last instance grouped there.
func (m *Manager) teardown(key types.NamespacedName) {
	m.mu.Lock()
	entry, ok := m.instances[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.instances, key)
	n := len(m.instances)
	cfg := m.configs[entry.configuration]
	m.mu.Unlock()
	metrics.DevicePlugins.WithLabelValues("instance").Set(float64(n))

	if cfg != nil {
		cfg.plugin.RemoveInstancePlugin(key.Name)
		if cfg.plugin.InstanceCount() == 0 {
			m.mu.Lock()
			delete(m.configs, entry.configuration)
			n := len(m.configs)
			m.mu.Unlock()
			metrics.DevicePlugins.WithLabelValues("configuration").Set(float64(n))
			cfg.plugin.Stop()
		}
	}
	entry.plugin.Stop()
	klog.InfoS("pluginmanager: instance plugin torn down", "instance", key.Name)
}

// UsedSlots reports the union, over every instance plugin this manager
// currently serves, of the slot ids this node owns: instance-kind slots
// formatted "<prefix>/<instance>-<i>", and the vdev ids of
// configuration-kind slots. Useful for sanity-checking the manager's
// in-memory state against what the cluster Instance resources say this
// node holds.
func (m *Manager) UsedSlots() map[string]struct{} {
	m.mu.Lock()
	entries := make([]*instanceEntry, 0, len(m.instances))
	for _, e := range m.instances {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make(map[string]struct{})
	for _, e := range entries {
		for slotID, usage := range e.plugin.OwnedUsage() {
			switch usage.Kind {
			case akri.InstanceNode:
				out[m.resourcePrefix+"/"+slotID] = struct{}{}
			case akri.ConfigurationNode:
				out[usage.VDev] = struct{}{}
			}
		}
	}
	return out
}
