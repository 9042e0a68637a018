package apiserver

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

// GetConfiguration fetches and converts one Configuration by namespaced
// name.
func (c *Client) GetConfiguration(ctx context.Context, namespace, name string) (*akri.Configuration, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	obj, err := c.dynamic.Resource(configurationGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return configurationFromUnstructured(obj)
}

func configurationFromUnstructured(obj *unstructured.Unstructured) (*akri.Configuration, error) {
	cfg := &akri.Configuration{Name: obj.GetName(), Namespace: obj.GetNamespace()}

	spec, _, err := unstructured.NestedMap(obj.Object, "spec")
	if err != nil {
		return nil, fmt.Errorf("reading configuration spec: %w", err)
	}

	cfg.DiscoveryHandler.Name, _, _ = unstructured.NestedString(spec, "discoveryHandler", "name")
	cfg.DiscoveryHandler.Details, _, _ = unstructured.NestedString(spec, "discoveryHandler", "discoveryDetails")

	capacity, _, _ := unstructured.NestedInt64(spec, "capacity")
	cfg.Capacity = int(capacity)

	cfg.ResourceNamePrefix, _, _ = unstructured.NestedString(spec, "resourceNamePrefix")
	cfg.BrokerProperties, _, _ = unstructured.NestedStringMap(spec, "brokerProperties")

	rawProps, found, _ := unstructured.NestedSlice(spec, "discoveryHandler", "properties")
	if found {
		for _, rp := range rawProps {
			pm, ok := rp.(map[string]interface{})
			if !ok {
				continue
			}
			cfg.DiscoveryHandler.Properties = append(cfg.DiscoveryHandler.Properties, propertyFromMap(pm))
		}
	}

	return cfg, nil
}

func propertyFromMap(m map[string]interface{}) akri.Property {
	p := akri.Property{}
	p.Name, _, _ = unstructured.NestedString(m, "name")
	p.Optional, _, _ = unstructured.NestedBool(m, "optional")
	if v, found, _ := unstructured.NestedString(m, "value"); found {
		p.Value = &v
	}
	if src, found, _ := unstructured.NestedMap(m, "valueFrom"); found {
		ps := &akri.PropertySource{}
		ps.ConfigMapName, _, _ = unstructured.NestedString(src, "configMapName")
		ps.SecretName, _, _ = unstructured.NestedString(src, "secretName")
		ps.Key, _, _ = unstructured.NestedString(src, "key")
		p.ValueFrom = ps
	}
	return p
}
