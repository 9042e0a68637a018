package apiserver

import (
	"errors"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

var errNotUnstructured = errors.New("apiserver: watch event object was not unstructured")

const (
	group   = "akri.sh"
	version = "v0"
)

func schemaGVR(resource string) schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: group, Version: version, Resource: resource}
}

// fieldManagerFor returns the node-scoped field manager name used for
// every server-side apply this agent performs against an Instance.
func fieldManagerFor(nodeName string) string {
	return "dp-" + nodeName
}
