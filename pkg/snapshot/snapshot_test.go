package snapshot

import (
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/okapi/pkg/common"
)

func TestCompute_Symmetry(t *testing.T) {
	a := &common.Snapshot{
		ID:           "snap-a",
		NodeIDs:      []string{"n1", "n2", "n3"},
		EdgeIDs:      []string{"e1", "e2"},
		CommunityIDs: []string{"c0"},
		NodeCount:    3,
		EdgeCount:    2,
		Modularity:   0.41,
	}
	b := &common.Snapshot{
		ID:           "snap-b",
		NodeIDs:      []string{"n2", "n3", "n4", "n5"},
		EdgeIDs:      []string{"e2", "e3"},
		CommunityIDs: []string{"c0", "c1"},
		NodeCount:    4,
		EdgeCount:    2,
		Modularity:   0.52,
	}

	ab := Compute(a, b)
	ba := Compute(b, a)

	if !reflect.DeepEqual(ab.AddedNodeIDs, ba.RemovedNodeIDs) {
		t.Fatalf("added(A,B) != removed(B,A): %v vs %v", ab.AddedNodeIDs, ba.RemovedNodeIDs)
	}
	if !reflect.DeepEqual(ab.RemovedNodeIDs, ba.AddedNodeIDs) {
		t.Fatalf("removed(A,B) != added(B,A): %v vs %v", ab.RemovedNodeIDs, ba.AddedNodeIDs)
	}
	if ab.DeltaNodes != -ba.DeltaNodes || ab.DeltaEdges != -ba.DeltaEdges {
		t.Fatalf("deltas not negated: %+v vs %+v", ab, ba)
	}
	if ab.DeltaModularity != -ba.DeltaModularity {
		t.Fatalf("modularity delta not negated: %f vs %f", ab.DeltaModularity, ba.DeltaModularity)
	}
}

func TestCompute_Sets(t *testing.T) {
	a := &common.Snapshot{ID: "a", NodeIDs: []string{"n1", "n2"}}
	b := &common.Snapshot{ID: "b", NodeIDs: []string{"n2", "n3"}}

	diff := Compute(a, b)

	if !reflect.DeepEqual(diff.AddedNodeIDs, []string{"n3"}) {
		t.Fatalf("unexpected added: %v", diff.AddedNodeIDs)
	}
	if !reflect.DeepEqual(diff.RemovedNodeIDs, []string{"n1"}) {
		t.Fatalf("unexpected removed: %v", diff.RemovedNodeIDs)
	}
}

func TestCompute_Identical(t *testing.T) {
	a := &common.Snapshot{ID: "a", NodeIDs: []string{"n1"}, EdgeIDs: []string{"e1"}}
	diff := Compute(a, a)

	if len(diff.AddedNodeIDs) != 0 || len(diff.RemovedNodeIDs) != 0 ||
		len(diff.AddedEdgeIDs) != 0 || len(diff.RemovedEdgeIDs) != 0 {
		t.Fatalf("identical snapshots produced diff: %+v", diff)
	}
}
