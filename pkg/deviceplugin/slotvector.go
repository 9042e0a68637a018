package deviceplugin

import (
	"fmt"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

// slotVector is the dense form of an Instance's device_usage map: index
// i corresponds to slot id "<instanceName>-<i>".
type slotVector struct {
	instanceName string
	slots        []akri.Usage
}

func newSlotVector(instanceName string, capacity int) *slotVector {
	return &slotVector{instanceName: instanceName, slots: make([]akri.Usage, capacity)}
}

// fromSparse lifts a sparse device_usage map onto a dense vector of the
// given capacity. Missing keys default to Unused; any key that doesn't
// parse, or whose index falls outside [0, capacity), is an error.
func fromSparse(instanceName string, capacity int, sparse map[string]string) (*slotVector, error) {
	v := newSlotVector(instanceName, capacity)
	for slotID, raw := range sparse {
		i, err := akri.SlotIndex(slotID, instanceName, capacity)
		if err != nil {
			return nil, err
		}
		usage, err := akri.ParseUsage(raw)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", slotID, err)
		}
		v.slots[i] = usage
	}
	return v, nil
}

// toSparse renders the vector back into a device_usage map, one entry
// per slot (including Unused ones, matching how the cluster resource
// carries a full map rather than omitting empty slots).
func (v *slotVector) toSparse() map[string]string {
	out := make(map[string]string, len(v.slots))
	for i, u := range v.slots {
		out[akri.SlotID(v.instanceName, i)] = u.String()
	}
	return out
}

func (v *slotVector) capacity() int { return len(v.slots) }

func (v *slotVector) get(i int) akri.Usage { return v.slots[i] }

func (v *slotVector) set(i int, u akri.Usage) { v.slots[i] = u }

// firstUnused returns the lowest-index Unused slot, or -1 if none.
func (v *slotVector) firstUnused() int {
	for i, u := range v.slots {
		if u.Kind == akri.Unused {
			return i
		}
	}
	return -1
}

// ownedByNode returns the sparse subset of slots this node currently
// holds under either usage kind, the form applied back to the cluster.
func (v *slotVector) ownedByNode(nodeName string) map[string]string {
	out := make(map[string]string)
	for i, u := range v.slots {
		if u.OwnedBy(nodeName) {
			out[akri.SlotID(v.instanceName, i)] = u.String()
		}
	}
	return out
}

// clone deep-copies the vector so callers can read a snapshot outside
// the owning plugin's lock.
func (v *slotVector) clone() *slotVector {
	out := newSlotVector(v.instanceName, len(v.slots))
	copy(out.slots, v.slots)
	return out
}
