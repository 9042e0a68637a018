package apiserver

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

// slotWriteBackoff bounds the local retry on an optimistic-concurrency
// conflict when applying slot usage: two attempts with a small jitter
// before the conflict is surfaced as ErrSlotInUse.
var slotWriteBackoff = wait.Backoff{
	Steps:    2,
	Duration: 50 * time.Millisecond,
	Jitter:   0.5,
}

// GetInstance fetches and converts one Instance by namespaced name.
func (c *Client) GetInstance(ctx context.Context, namespace, name string) (*akri.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	obj, err := c.dynamic.Resource(instanceGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return instanceFromUnstructured(obj)
}

// ApplySlots server-side applies deviceUsage onto the named Instance
// using a node-scoped field manager, retrying a bounded number of times
// on a 409 conflict before surfacing ErrSlotInUse.
func (c *Client) ApplySlots(ctx context.Context, namespace, name, nodeName string, deviceUsage map[string]string) error {
	patch := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": group + "/" + version,
		"kind":       "Instance",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
		},
		"spec": map[string]interface{}{
			"deviceUsage": stringMapToInterface(deviceUsage),
		},
	}}

	fieldManager := fieldManagerFor(nodeName)

	err := retry.OnError(slotWriteBackoff, apierrors.IsConflict, func() error {
		if err := c.writeLimiter.Wait(ctx); err != nil {
			return err
		}
		applyCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		_, err := c.dynamic.Resource(instanceGVR).Namespace(namespace).Apply(
			applyCtx, name, patch, metav1.ApplyOptions{FieldManager: fieldManager, Force: true},
		)
		return err
	})
	if apierrors.IsConflict(err) {
		return fmt.Errorf("%w: %s/%s", akri.ErrSlotInUse, namespace, name)
	}
	return err
}

// AddFinalizer adds finalizerName to the Instance if absent, retrying
// on a conflicting concurrent write as retry.DefaultRetry allows.
func (c *Client) AddFinalizer(ctx context.Context, namespace, name, finalizerName string) error {
	return c.mutateFinalizers(ctx, namespace, name, func(existing []string) ([]string, bool) {
		for _, f := range existing {
			if f == finalizerName {
				return existing, false
			}
		}
		return append(existing, finalizerName), true
	})
}

// RemoveFinalizer removes finalizerName from the Instance if present.
func (c *Client) RemoveFinalizer(ctx context.Context, namespace, name, finalizerName string) error {
	return c.mutateFinalizers(ctx, namespace, name, func(existing []string) ([]string, bool) {
		out := existing[:0]
		changed := false
		for _, f := range existing {
			if f == finalizerName {
				changed = true
				continue
			}
			out = append(out, f)
		}
		return out, changed
	})
}

func (c *Client) mutateFinalizers(ctx context.Context, namespace, name string, mutate func([]string) ([]string, bool)) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		getCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		obj, err := c.dynamic.Resource(instanceGVR).Namespace(namespace).Get(getCtx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}

		next, changed := mutate(obj.GetFinalizers())
		if !changed {
			return nil
		}
		obj.SetFinalizers(next)

		updateCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		_, err = c.dynamic.Resource(instanceGVR).Namespace(namespace).Update(updateCtx, obj, metav1.UpdateOptions{})
		return err
	})
}

func instanceFromUnstructured(obj *unstructured.Unstructured) (*akri.Instance, error) {
	inst := &akri.Instance{
		Name:            obj.GetName(),
		Namespace:       obj.GetNamespace(),
		ResourceVersion: obj.GetResourceVersion(),
		Finalizers:      obj.GetFinalizers(),
	}
	if ts := obj.GetDeletionTimestamp(); ts != nil {
		unix := ts.Unix()
		inst.DeletionTimestamp = &unix
	}

	spec, _, err := unstructured.NestedMap(obj.Object, "spec")
	if err != nil {
		return nil, fmt.Errorf("reading instance spec: %w", err)
	}
	inst.ConfigurationName, _, _ = unstructured.NestedString(spec, "configurationName")
	inst.CDIName, _, _ = unstructured.NestedString(spec, "cdiName")
	inst.Shared, _, _ = unstructured.NestedBool(spec, "shared")
	inst.Nodes, _, _ = unstructured.NestedStringSlice(spec, "nodes")

	capacity, _, _ := unstructured.NestedInt64(spec, "capacity")
	inst.Capacity = int(capacity)

	usage, _, _ := unstructured.NestedStringMap(spec, "deviceUsage")
	inst.DeviceUsage = usage

	brokerProps, _, _ := unstructured.NestedStringMap(spec, "brokerProperties")
	inst.BrokerProperties = brokerProps

	return inst, nil
}

func stringMapToInterface(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Jitter returns d plus a random fraction of d in [0, frac). The slot
// reconciler applies it to its tick interval so every agent in the
// cluster isn't ticking on the exact same cadence.
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*frac*float64(d))
}
