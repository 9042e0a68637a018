// Package akri holds the data model shared across the agent: the
// cluster-facing Configuration/Instance resources and the wire-level
// Device/DiscoveredDevice types produced by discovery handlers.
package akri

import "fmt"

// Mount describes a bind mount that a discovered device wants exposed
// inside any container that consumes it.
type Mount struct {
	ContainerPath string
	HostPath      string
	ReadOnly      bool
}

// DeviceNode describes a character/block device node to expose inside
// the container.
type DeviceNode struct {
	ContainerPath string
	HostPath      string
	Permissions   string
}

// Device is the value produced by a discovery endpoint for one
// physical or logical device.
type Device struct {
	ID         string
	Properties map[string]string
	Mounts     []Mount
	DeviceNodes []DeviceNode
}

// Sharing tags a Device with how it was observed.
type Sharing int

const (
	// Shared devices are visible identically from any node that can see
	// them; their fingerprint does not depend on the observing node.
	Shared Sharing = iota
	// Local devices are only meaningful on the node that observed them;
	// their fingerprint embeds the node name.
	Local
)

// DiscoveredDevice wraps a Device with its sharing tag and, for Local
// devices, the observing node's name.
type DiscoveredDevice struct {
	Device   Device
	Sharing  Sharing
	NodeName string // set iff Sharing == Local
}

// Configuration is the cluster resource describing what to discover and
// how to expose it. Fields beyond what the agent consumes are omitted;
// the real CRD carries more (broker pod spec, etc.) but those are the
// controller's concern, not the agent's.
type Configuration struct {
	Name              string
	Namespace         string
	DiscoveryHandler  DiscoveryHandlerInfo
	Capacity          int
	BrokerProperties  map[string]string
	ResourceNamePrefix string
}

// DiscoveryHandlerInfo names the discovery handler kind a Configuration
// wants and carries its details/properties.
type DiscoveryHandlerInfo struct {
	Name       string
	Details    string
	Properties []Property
}

// Property is a Configuration's declarative property: either a literal
// value or an indirection to a ConfigMap/Secret key.
type Property struct {
	Name       string
	Value      *string
	ValueFrom  *PropertySource
	Optional   bool
}

// PropertySource names the ConfigMap or Secret key backing a property.
type PropertySource struct {
	ConfigMapName string
	SecretName    string
	Key           string
}

// Instance is the cluster resource representing one discovered device.
// It is the unit of kubelet allocation.
type Instance struct {
	Name               string
	Namespace          string
	ConfigurationName  string
	CDIName            string
	Shared             bool
	Nodes              []string
	Capacity           int
	DeviceUsage        map[string]string
	BrokerProperties   map[string]string
	ResourceVersion    string
	Finalizers         []string
	DeletionTimestamp  *int64 // unix seconds; nil if not being deleted
}

// IsBeingDeleted reports whether the Instance carries a deletion
// timestamp.
func (i *Instance) IsBeingDeleted() bool {
	return i.DeletionTimestamp != nil
}

// HasNode reports whether nodeName appears in i.Nodes.
func (i *Instance) HasNode(nodeName string) bool {
	for _, n := range i.Nodes {
		if n == nodeName {
			return true
		}
	}
	return false
}

// SlotID formats the slot identifier for index i of instance name.
func SlotID(instanceName string, i int) string {
	return fmt.Sprintf("%s-%d", instanceName, i)
}

// SlotAnnotationKey is the CRI container annotation the device plugins
// set to the comma-joined slot ids a container was allocated. The slot
// reconciler's container-runtime view reads it back off live
// containers to find out what's actually in use, rather than trusting
// kubelet's own bookkeeping.
const SlotAnnotationKey = "akri.sh/slots"
