/*
hierarchy.go - Organizational roll-up index

PURPOSE:
  Builds a manager -> direct-reports adjacency map from the global
  participant set and answers descendant-closure queries, deciding
  whether a participant evaluates as an individual or a manager roll-up.

CYCLE HANDLING:
  Manager links form a forest only by convention; nothing at the data
  layer structurally prevents a cycle. Link creation validates
  acyclicity (see api/handlers.go), and the traversal here additionally
  detects cycles and reports them so a run can surface a per-participant
  error instead of silently truncating.

SEE ALSO:
  - run.go: Builds one index per run, queries per participant
  - types.go: ManagerLink, RollupMeta
*/
package engine

// HierarchyIndex answers descendant queries over the manager forest.
// Build it once per run from the full participant set.
type HierarchyIndex struct {
	reportsByManager map[int64][]int64
}

// NewHierarchyIndex builds the adjacency map from manager links.
func NewHierarchyIndex(links []ManagerLink) *HierarchyIndex {
	idx := &HierarchyIndex{reportsByManager: make(map[int64][]int64)}
	for _, l := range links {
		idx.reportsByManager[l.ManagerID] = append(idx.reportsByManager[l.ManagerID], l.ParticipantID)
	}
	return idx
}

// DirectReports returns the immediate reports of rootID.
func (idx *HierarchyIndex) DirectReports(rootID int64) []int64 {
	reports := idx.reportsByManager[rootID]
	out := make([]int64, len(reports))
	copy(out, reports)
	return out
}

// Descendants returns the full transitive closure of reports under
// rootID, excluding rootID itself, in breadth-first order. cyclic is
// true when the traversal re-encountered a visited node or the root,
// which indicates a data-integrity error upstream; the returned set is
// still the complete reachable closure.
func (idx *HierarchyIndex) Descendants(rootID int64) (descendants []int64, cyclic bool) {
	visited := make(map[int64]bool)
	queue := append([]int64(nil), idx.reportsByManager[rootID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == rootID || visited[id] {
			cyclic = true
			continue
		}
		visited[id] = true
		descendants = append(descendants, id)
		queue = append(queue, idx.reportsByManager[id]...)
	}
	return descendants, cyclic
}

// AllReferencedIDs returns every id appearing as a manager or a report,
// for display-metadata lookups.
func (idx *HierarchyIndex) AllReferencedIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for manager, reports := range idx.reportsByManager {
		if !seen[manager] {
			seen[manager] = true
			ids = append(ids, manager)
		}
		for _, r := range reports {
			if !seen[r] {
				seen[r] = true
				ids = append(ids, r)
			}
		}
	}
	return ids
}

// WouldCycle reports whether setting managerID as the manager of
// participantID would create a cycle (managerID already sits below
// participantID, or they are the same person). Used to validate links
// before they are written.
func (idx *HierarchyIndex) WouldCycle(participantID, managerID int64) bool {
	if participantID == managerID {
		return true
	}
	descendants, _ := idx.Descendants(participantID)
	for _, id := range descendants {
		if id == managerID {
			return true
		}
	}
	return false
}
