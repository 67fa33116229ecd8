package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tauagent/tau/pkg/models"
)

// Validate checks a session's entry log for duplicate ids, parents
// pointing at unknown ids, and cycles (via Tarjan strongly-connected
// components over the parent-pointer graph — any SCC with more than one
// member, or a single-member SCC with a self-loop, is a cycle).
func (s *FileStore) Validate(ctx context.Context, sessionID string) (models.SessionValidation, error) {
	entries, err := s.readEntries(sessionID)
	if err != nil {
		return models.SessionValidation{}, err
	}

	report := models.SessionValidation{Entries: len(entries)}
	seen := make(map[int64]bool, len(entries))
	byID := make(map[int64]models.SessionEntry, len(entries))
	for _, e := range entries {
		if seen[e.ID] {
			report.DuplicateIDs = append(report.DuplicateIDs, e.ID)
			continue
		}
		seen[e.ID] = true
		byID[e.ID] = e
	}
	for _, e := range entries {
		if e.ParentID != nil && !seen[*e.ParentID] {
			report.InvalidParents = append(report.InvalidParents, e.ID)
		}
	}
	report.Cycles = tarjanCycles(byID)
	return report, nil
}

// tarjanCycles runs Tarjan's strongly-connected-components algorithm over
// the parent-pointer graph (edge id -> parent_id) and returns every SCC of
// size > 1, plus any single-node SCC that is its own parent.
func tarjanCycles(byID map[int64]models.SessionEntry) [][]int64 {
	type nodeState struct {
		index, lowlink int
		onStack        bool
	}
	index := 0
	states := make(map[int64]*nodeState)
	var stack []int64
	var result [][]int64

	var strongconnect func(v int64)
	strongconnect = func(v int64) {
		states[v] = &nodeState{index: index, lowlink: index, onStack: true}
		index++
		stack = append(stack, v)

		if e, ok := byID[v]; ok && e.ParentID != nil {
			w := *e.ParentID
			if _, ok := byID[w]; ok {
				if states[w] == nil {
					strongconnect(w)
					if states[w].lowlink < states[v].lowlink {
						states[v].lowlink = states[w].lowlink
					}
				} else if states[w].onStack {
					if states[w].index < states[v].lowlink {
						states[v].lowlink = states[w].index
					}
				}
			}
		}

		if states[v].lowlink == states[v].index {
			var scc []int64
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				states[w].onStack = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			isCycle := len(scc) > 1
			if len(scc) == 1 {
				if e, ok := byID[scc[0]]; ok && e.ParentID != nil && *e.ParentID == scc[0] {
					isCycle = true
				}
			}
			if isCycle {
				sort.Slice(scc, func(i, j int) bool { return scc[i] < scc[j] })
				result = append(result, scc)
			}
		}
	}

	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if states[id] == nil {
			strongconnect(id)
		}
	}
	return result
}

// Repair rewrites a session's entry log, dropping entries with invalid
// parent references and entries that participate in a cycle, so the
// remaining graph is a valid forest.
func (s *FileStore) Repair(ctx context.Context, sessionID string) (models.SessionRepairReport, error) {
	release, err := s.acquireFileLock(sessionID)
	if err != nil {
		return models.SessionRepairReport{}, err
	}
	defer release()

	entries, err := s.readEntries(sessionID)
	if err != nil {
		return models.SessionRepairReport{}, err
	}

	validation, err := s.Validate(ctx, sessionID)
	if err != nil {
		return models.SessionRepairReport{}, err
	}

	drop := make(map[int64]bool)
	for _, id := range validation.InvalidParents {
		drop[id] = true
	}
	for _, cycle := range validation.Cycles {
		for _, id := range cycle {
			drop[id] = true
		}
	}

	var kept []models.SessionEntry
	for _, e := range entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}

	if err := s.rewriteEntries(sessionID, kept); err != nil {
		return models.SessionRepairReport{}, err
	}

	report := models.SessionRepairReport{RemovedInvalidParents: validation.InvalidParents}
	for _, cycle := range validation.Cycles {
		report.RemovedCycleMembers = append(report.RemovedCycleMembers, cycle...)
	}
	return report, nil
}

func (s *FileStore) rewriteEntries(sessionID string, entries []models.SessionEntry) error {
	tmp := s.sessionPath(sessionID) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(models.SessionMetaRecord{RecordType: "meta", SchemaVersion: 1}); err != nil {
		f.Close()
		return err
	}
	for _, e := range entries {
		record := models.SessionEntryRecord{RecordType: "entry", ID: e.ID, ParentID: e.ParentID, Message: e.Message}
		if err := enc.Encode(record); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.mu.Lock()
	s.heads[sessionID] = latestEntryID(entries)
	s.mu.Unlock()
	return os.Rename(tmp, s.sessionPath(sessionID))
}

// Branch creates a new entry whose parent is fromID rather than the current
// active head, without disturbing the existing head — the caller receives
// the new branch tip id and may later make it the active head by calling
// SetHead.
func (s *FileStore) Branch(ctx context.Context, sessionID string, fromID int64, msg *models.Message) (int64, error) {
	release, err := s.acquireFileLock(sessionID)
	if err != nil {
		return 0, err
	}
	defer release()

	entries, err := s.readEntries(sessionID)
	if err != nil {
		return 0, err
	}
	found := false
	for _, e := range entries {
		if e.ID == fromID {
			found = true
			break
		}
	}
	if !found && fromID != 0 {
		return 0, fmt.Errorf("session store: branch point %d not found in session %q", fromID, sessionID)
	}

	nextID := int64(1)
	for _, e := range entries {
		if e.ID >= nextID {
			nextID = e.ID + 1
		}
	}
	var parentID *int64
	if fromID != 0 {
		parentID = &fromID
	}

	f, err := os.OpenFile(s.sessionPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	record := models.SessionEntryRecord{RecordType: "entry", ID: nextID, ParentID: parentID, Message: msg}
	if err := json.NewEncoder(f).Encode(record); err != nil {
		return 0, err
	}
	return nextID, nil
}

// SetHead makes entryID the session's active head for future AppendMessage/
// GetHistory calls.
func (s *FileStore) SetHead(sessionID string, entryID int64) {
	s.mu.Lock()
	s.heads[sessionID] = entryID
	s.mu.Unlock()
}

// CompactToLineage drops every entry not on the active head's lineage,
// retaining only the linear chain from root to head. Branch tips not on
// that chain are discarded; callers that need them should Export first.
func (s *FileStore) CompactToLineage(ctx context.Context, sessionID string) (models.SessionCompactReport, error) {
	release, err := s.acquireFileLock(sessionID)
	if err != nil {
		return models.SessionCompactReport{}, err
	}
	defer release()

	entries, err := s.readEntries(sessionID)
	if err != nil {
		return models.SessionCompactReport{}, err
	}
	head := s.cachedHead(sessionID, entries)
	chain := lineage(entries, head)

	if err := s.rewriteEntries(sessionID, chain); err != nil {
		return models.SessionCompactReport{}, err
	}

	return models.SessionCompactReport{
		RemovedEntries:  len(entries) - len(chain),
		RetainedEntries: len(chain),
		HeadID:          head,
	}, nil
}

// Diff finds the nearest common ancestor of two entries and the ids unique
// to each side's lineage.
func (s *FileStore) Diff(ctx context.Context, sessionID string, leftID, rightID int64) (models.SessionDiff, error) {
	entries, err := s.readEntries(sessionID)
	if err != nil {
		return models.SessionDiff{}, err
	}
	leftChain := lineage(entries, leftID)
	rightChain := lineage(entries, rightID)

	rightSet := make(map[int64]bool, len(rightChain))
	for _, e := range rightChain {
		rightSet[e.ID] = true
	}
	leftSet := make(map[int64]bool, len(leftChain))
	for _, e := range leftChain {
		leftSet[e.ID] = true
	}

	var common int64
	for i := len(leftChain) - 1; i >= 0; i-- {
		if rightSet[leftChain[i].ID] {
			common = leftChain[i].ID
			break
		}
	}

	diff := models.SessionDiff{CommonAncestor: common}
	for _, e := range leftChain {
		if !rightSet[e.ID] {
			diff.LeftOnly = append(diff.LeftOnly, e.ID)
		}
	}
	for _, e := range rightChain {
		if !leftSet[e.ID] {
			diff.RightOnly = append(diff.RightOnly, e.ID)
		}
	}
	return diff, nil
}

// Search returns entries whose message content contains query
// (case-insensitive), newest first.
func (s *FileStore) Search(ctx context.Context, sessionID, query string) ([]models.SessionSearchHit, error) {
	entries, err := s.readEntries(sessionID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var hits []models.SessionSearchHit
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Message == nil {
			continue
		}
		if !strings.Contains(strings.ToLower(e.Message.Content), needle) {
			continue
		}
		preview := e.Message.Content
		if len(preview) > 200 {
			preview = preview[:200]
		}
		hits = append(hits, models.SessionSearchHit{ID: e.ID, ParentID: e.ParentID, Role: e.Message.Role, Preview: preview})
	}
	return hits, nil
}

// Import merges or replaces a session's entry log from an externally
// produced set of entries, remapping ids to avoid collisions in merge mode.
func (s *FileStore) Import(ctx context.Context, sessionID string, incoming []models.SessionEntry, mode models.SessionImportMode) (models.SessionImportReport, error) {
	release, err := s.acquireFileLock(sessionID)
	if err != nil {
		return models.SessionImportReport{}, err
	}
	defer release()

	if mode == models.ImportModeReplace {
		if err := s.rewriteEntries(sessionID, incoming); err != nil {
			return models.SessionImportReport{}, err
		}
		return models.SessionImportReport{Mode: mode, Appended: len(incoming)}, nil
	}

	existing, err := s.readEntries(sessionID)
	if err != nil {
		return models.SessionImportReport{}, err
	}
	nextID := int64(1)
	for _, e := range existing {
		if e.ID >= nextID {
			nextID = e.ID + 1
		}
	}

	remap := make(map[int64]int64, len(incoming))
	merged := append([]models.SessionEntry(nil), existing...)
	for _, e := range incoming {
		newID := nextID
		nextID++
		remap[e.ID] = newID
		newParent := e.ParentID
		if newParent != nil {
			if mapped, ok := remap[*newParent]; ok {
				mapped := mapped
				newParent = &mapped
			}
		}
		merged = append(merged, models.SessionEntry{ID: newID, ParentID: newParent, Message: e.Message})
	}

	if err := s.rewriteEntries(sessionID, merged); err != nil {
		return models.SessionImportReport{}, err
	}
	return models.SessionImportReport{Mode: mode, Remapped: remap, Appended: len(incoming)}, nil
}

// Stats summarizes a session's entry graph: entry/role counts, branch tips
// (entries with no children), roots (entries with no parent), and depth
// along both the active and latest heads.
func (s *FileStore) Stats(ctx context.Context, sessionID string) (models.SessionStats, error) {
	entries, err := s.readEntries(sessionID)
	if err != nil {
		return models.SessionStats{}, err
	}

	hasChild := make(map[int64]bool, len(entries))
	roleCounts := make(map[models.Role]int)
	for _, e := range entries {
		if e.ParentID != nil {
			hasChild[*e.ParentID] = true
		}
		if e.Message != nil {
			roleCounts[e.Message.Role]++
		}
	}

	var tips, roots []int64
	for _, e := range entries {
		if !hasChild[e.ID] {
			tips = append(tips, e.ID)
		}
		if e.ParentID == nil {
			roots = append(roots, e.ID)
		}
	}
	sort.Slice(tips, func(i, j int) bool { return tips[i] < tips[j] })
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	active := s.cachedHead(sessionID, entries)
	latest := latestEntryID(entries)
	maxDepth := 0
	for _, tip := range tips {
		if d := len(lineage(entries, tip)); d > maxDepth {
			maxDepth = d
		}
	}

	return models.SessionStats{
		Entries:     len(entries),
		BranchTips:  tips,
		Roots:       roots,
		MaxDepth:    maxDepth,
		RoleCounts:  roleCounts,
		ActiveHead:  active,
		LatestHead:  latest,
		DepthActive: len(lineage(entries, active)),
		DepthLatest: len(lineage(entries, latest)),
	}, nil
}
