package akri

import (
	"fmt"
	"strings"
)

// UsageKind distinguishes the three shapes a slot's usage string can
// take.
type UsageKind int

const (
	// Unused means the slot is free.
	Unused UsageKind = iota
	// InstanceNode means the slot is reserved by nodeName's instance
	// plugin.
	InstanceNode
	// ConfigurationNode means the slot is reserved by nodeName's
	// configuration plugin against virtual device id VDev.
	ConfigurationNode
)

// Usage is the parsed form of a slot's usage string.
type Usage struct {
	Kind UsageKind
	Node string
	VDev string
}

// String renders u back into the wire grammar: "" | "<node>" |
// "C:<vdev>:<node>".
func (u Usage) String() string {
	switch u.Kind {
	case Unused:
		return ""
	case InstanceNode:
		return u.Node
	case ConfigurationNode:
		return fmt.Sprintf("C:%s:%s", u.VDev, u.Node)
	default:
		return ""
	}
}

// OwnedBy reports whether u is reserved (by either plugin kind) on
// behalf of nodeName.
func (u Usage) OwnedBy(nodeName string) bool {
	switch u.Kind {
	case InstanceNode:
		return u.Node == nodeName
	case ConfigurationNode:
		return u.Node == nodeName
	default:
		return false
	}
}

// ParseUsage parses a slot usage string. Parsing is total: any string
// not matching the grammar is a discrete error.
func ParseUsage(s string) (Usage, error) {
	if s == "" {
		return Usage{Kind: Unused}, nil
	}
	if strings.HasPrefix(s, "C:") {
		rest := s[2:]
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			return Usage{}, fmt.Errorf("%w: malformed configuration usage %q", ErrUsageParse, s)
		}
		vdev, node := rest[:idx], rest[idx+1:]
		if vdev == "" || node == "" {
			return Usage{}, fmt.Errorf("%w: malformed configuration usage %q", ErrUsageParse, s)
		}
		return Usage{Kind: ConfigurationNode, VDev: vdev, Node: node}, nil
	}
	return Usage{Kind: InstanceNode, Node: s}, nil
}

// SlotIndex parses the trailing integer off a slot id of the form
// "<instance>-<i>" and validates it is within [0, capacity).
func SlotIndex(slotID, instanceName string, capacity int) (int, error) {
	prefix := instanceName + "-"
	if !strings.HasPrefix(slotID, prefix) {
		return 0, fmt.Errorf("%w: slot id %q does not belong to instance %q", ErrUsageParse, slotID, instanceName)
	}
	suffix := slotID[len(prefix):]
	n := 0
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: slot id %q has non-numeric index", ErrUsageParse, slotID)
		}
		n = n*10 + int(c-'0')
	}
	if suffix == "" || n < 0 || n >= capacity {
		return 0, fmt.Errorf("%w: slot index %d out of range [0,%d)", ErrUsageParse, n, capacity)
	}
	return n, nil
}
