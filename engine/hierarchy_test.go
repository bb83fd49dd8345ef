package engine_test

import (
	"testing"

	"github.com/warp/commission-engine/engine"
)

func link(participant, manager int64) engine.ManagerLink {
	return engine.ManagerLink{ParticipantID: participant, ManagerID: manager}
}

func TestHierarchy_DirectReports(t *testing.T) {
	idx := engine.NewHierarchyIndex([]engine.ManagerLink{
		link(2, 1), link(3, 1), link(4, 2),
	})
	reports := idx.DirectReports(1)
	if len(reports) != 2 {
		t.Fatalf("expected 2 direct reports, got %v", reports)
	}
}

func TestHierarchy_Descendants_TransitiveClosure(t *testing.T) {
	// GIVEN: 1 <- 2 <- 3 (3 reports to 2, 2 reports to 1)
	idx := engine.NewHierarchyIndex([]engine.ManagerLink{
		link(2, 1), link(3, 2),
	})

	descendants, cyclic := idx.Descendants(1)
	if cyclic {
		t.Fatal("forest should not be cyclic")
	}
	if len(descendants) != 2 {
		t.Fatalf("expected {2,3}, got %v", descendants)
	}
	// Breadth-first: direct report before its own report
	if descendants[0] != 2 || descendants[1] != 3 {
		t.Errorf("expected breadth-first [2 3], got %v", descendants)
	}
}

func TestHierarchy_Descendants_LeafIsEmpty(t *testing.T) {
	idx := engine.NewHierarchyIndex([]engine.ManagerLink{link(2, 1)})
	descendants, cyclic := idx.Descendants(2)
	if cyclic || len(descendants) != 0 {
		t.Errorf("leaf should have no descendants, got %v (cyclic=%v)", descendants, cyclic)
	}
}

func TestHierarchy_Descendants_DetectsCycle(t *testing.T) {
	// GIVEN: 1 -> 2 -> 3 -> 1 (corrupted data)
	idx := engine.NewHierarchyIndex([]engine.ManagerLink{
		link(2, 1), link(3, 2), link(1, 3),
	})

	_, cyclic := idx.Descendants(1)
	if !cyclic {
		t.Error("expected cycle to be detected")
	}
}

func TestHierarchy_WouldCycle(t *testing.T) {
	idx := engine.NewHierarchyIndex([]engine.ManagerLink{
		link(2, 1), link(3, 2),
	})

	if !idx.WouldCycle(1, 3) {
		t.Error("manager below participant must be rejected")
	}
	if !idx.WouldCycle(1, 1) {
		t.Error("self-management must be rejected")
	}
	if idx.WouldCycle(3, 1) {
		t.Error("re-linking a leaf higher up is legal")
	}
	if idx.WouldCycle(4, 1) {
		t.Error("a brand-new participant can report to anyone")
	}
}

func TestHierarchy_AllReferencedIDs(t *testing.T) {
	idx := engine.NewHierarchyIndex([]engine.ManagerLink{
		link(2, 1), link(3, 1),
	})
	ids := idx.AllReferencedIDs()
	seen := make(map[int64]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d in %v", id, ids)
		}
		seen[id] = true
	}
	for _, want := range []int64{1, 2, 3} {
		if !seen[want] {
			t.Errorf("missing id %d in %v", want, ids)
		}
	}
}
