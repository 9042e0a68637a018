package deviceplugin

import (
	"testing"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

func TestFromSparseDefaultsToUnused(t *testing.T) {
	v, err := fromSparse("cam-config-4294ea", 3, map[string]string{
		"cam-config-4294ea-1": "node-a",
	})
	if err != nil {
		t.Fatalf("fromSparse: %v", err)
	}
	if v.get(0).Kind != akri.Unused || v.get(2).Kind != akri.Unused {
		t.Fatalf("expected untouched slots to default Unused, got %+v", v.slots)
	}
	if v.get(1) != (akri.Usage{Kind: akri.InstanceNode, Node: "node-a"}) {
		t.Fatalf("unexpected slot 1: %+v", v.get(1))
	}
}

func TestFromSparseRejectsOutOfRange(t *testing.T) {
	_, err := fromSparse("cam-config-4294ea", 2, map[string]string{
		"cam-config-4294ea-5": "node-a",
	})
	if err == nil {
		t.Fatal("expected an error for an out-of-range slot index")
	}
}

func TestToSparseRoundTrips(t *testing.T) {
	sparse := map[string]string{
		"cam-config-4294ea-0": "node-a",
		"cam-config-4294ea-1": "",
	}
	v, err := fromSparse("cam-config-4294ea", 2, sparse)
	if err != nil {
		t.Fatalf("fromSparse: %v", err)
	}
	if got := v.toSparse(); got["cam-config-4294ea-0"] != "node-a" || got["cam-config-4294ea-1"] != "" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestFirstUnused(t *testing.T) {
	v, _ := fromSparse("inst", 3, map[string]string{"inst-0": "node-a"})
	if i := v.firstUnused(); i != 1 {
		t.Fatalf("expected first unused slot 1, got %d", i)
	}
	v.set(1, akri.Usage{Kind: akri.InstanceNode, Node: "node-b"})
	v.set(2, akri.Usage{Kind: akri.InstanceNode, Node: "node-c"})
	if i := v.firstUnused(); i != -1 {
		t.Fatalf("expected no unused slot, got %d", i)
	}
}

func TestOwnedByNode(t *testing.T) {
	v, _ := fromSparse("inst", 3, map[string]string{
		"inst-0": "node-a",
		"inst-1": "C:vdev1:node-a",
		"inst-2": "node-b",
	})
	owned := v.ownedByNode("node-a")
	if len(owned) != 2 {
		t.Fatalf("expected 2 slots owned by node-a, got %+v", owned)
	}
	if _, ok := owned["inst-2"]; ok {
		t.Fatalf("slot owned by node-b leaked into node-a's set: %+v", owned)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	v, _ := fromSparse("inst", 2, nil)
	clone := v.clone()
	clone.set(0, akri.Usage{Kind: akri.InstanceNode, Node: "node-a"})
	if v.get(0).Kind != akri.Unused {
		t.Fatal("mutating the clone affected the original")
	}
}
