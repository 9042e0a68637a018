package apiserver

import (
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

// InstanceEventHandler receives converted Instance add/update/delete
// notifications from WatchInstances.
type InstanceEventHandler struct {
	OnAdd    func(*akri.Instance)
	OnUpdate func(old, new *akri.Instance)
	OnDelete func(*akri.Instance)
}

// WatchInstances starts a SharedIndexInformer over the Instance resource
// and drives handler off its events until stopCh closes. resync governs
// how often the informer replays its full cache as synthetic updates,
// which is how this agent picks up drift without a dedicated poll loop.
func (c *Client) WatchInstances(handler InstanceEventHandler, resync time.Duration, stopCh <-chan struct{}) cache.SharedIndexInformer {
	factory := dynamicinformer.NewDynamicSharedInformerFactory(c.dynamic, resync)
	informer := factory.ForResource(instanceGVR).Informer()

	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if handler.OnAdd == nil {
				return
			}
			inst, err := convertInstanceEvent(obj)
			if err != nil {
				return
			}
			handler.OnAdd(inst)
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			if handler.OnUpdate == nil {
				return
			}
			oldInst, err := convertInstanceEvent(oldObj)
			if err != nil {
				return
			}
			newInst, err := convertInstanceEvent(newObj)
			if err != nil {
				return
			}
			handler.OnUpdate(oldInst, newInst)
		},
		DeleteFunc: func(obj interface{}) {
			if handler.OnDelete == nil {
				return
			}
			if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				obj = tomb.Obj
			}
			inst, err := convertInstanceEvent(obj)
			if err != nil {
				return
			}
			handler.OnDelete(inst)
		},
	})

	go informer.Run(stopCh)
	return informer
}

func convertInstanceEvent(obj interface{}) (*akri.Instance, error) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return nil, errNotUnstructured
	}
	return instanceFromUnstructured(u)
}

// ConfigurationEventHandler receives converted Configuration add/delete
// notifications from WatchConfigurations. There is no OnUpdate:
// WatchConfigurations delivers a changed Configuration as OnDelete
// followed by OnAdd, since discovery requests don't support being
// mutated in place.
type ConfigurationEventHandler struct {
	OnAdd    func(*akri.Configuration)
	OnDelete func(namespace, name string)
}

// WatchConfigurations starts a SharedIndexInformer over the
// Configuration resource and drives handler off its events until stopCh
// closes. This is pure plumbing: it observes whatever Configurations
// already exist in the cluster and reports their appearance/
// disappearance, taking no part in deciding which ones should exist.
func (c *Client) WatchConfigurations(handler ConfigurationEventHandler, resync time.Duration, stopCh <-chan struct{}) cache.SharedIndexInformer {
	factory := dynamicinformer.NewDynamicSharedInformerFactory(c.dynamic, resync)
	informer := factory.ForResource(configurationGVR).Informer()

	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if handler.OnAdd == nil {
				return
			}
			cfg, err := convertConfigurationEvent(obj)
			if err != nil {
				return
			}
			handler.OnAdd(cfg)
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			if handler.OnAdd == nil && handler.OnDelete == nil {
				return
			}
			cfg, err := convertConfigurationEvent(newObj)
			if err != nil {
				return
			}
			if handler.OnDelete != nil {
				handler.OnDelete(cfg.Namespace, cfg.Name)
			}
			if handler.OnAdd != nil {
				handler.OnAdd(cfg)
			}
		},
		DeleteFunc: func(obj interface{}) {
			if handler.OnDelete == nil {
				return
			}
			if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				obj = tomb.Obj
			}
			cfg, err := convertConfigurationEvent(obj)
			if err != nil {
				return
			}
			handler.OnDelete(cfg.Namespace, cfg.Name)
		},
	})

	go informer.Run(stopCh)
	return informer
}

func convertConfigurationEvent(obj interface{}) (*akri.Configuration, error) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return nil, errNotUnstructured
	}
	return configurationFromUnstructured(u)
}

// InstanceIndexer adapts a SharedIndexInformer's local cache into the
// slot reconciler's view of the current Instance set, so it reads from
// the same watch WatchInstances already maintains rather than issuing
// its own list calls every tick.
type InstanceIndexer struct {
	informer cache.SharedIndexInformer
}

// NewInstanceIndexer wraps informer, typically the one returned by
// WatchInstances.
func NewInstanceIndexer(informer cache.SharedIndexInformer) *InstanceIndexer {
	return &InstanceIndexer{informer: informer}
}

// ListInstances returns every Instance currently in the informer's
// local cache. Conversion failures are skipped rather than failing the
// whole list, matching the event handlers' own best-effort conversion.
func (ix *InstanceIndexer) ListInstances() ([]*akri.Instance, error) {
	objs := ix.informer.GetIndexer().List()
	out := make([]*akri.Instance, 0, len(objs))
	for _, obj := range objs {
		inst, err := convertInstanceEvent(obj)
		if err != nil {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}
