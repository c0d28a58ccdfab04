// Package inmem implements runledger.Store in memory with no durability,
// grounded on run/inmem.Store's sync.RWMutex-plus-defensive-copy pattern,
// generalized from a single upserted record into the full run/message/
// part/fork-tree model.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/runledgererr"
	"github.com/runledger/runledger/runledger"
)

type storedMessage struct {
	msg ledgermodel.CanonicalMessage
}

// Store implements runledger.Store in memory. All operations are
// thread-safe via sync.Mutex. A single mutex serializes finalizeRun and
// deleteThread at the store level, which trivially satisfies the
// per-run-serialization and single-transaction requirements without
// introducing per-run lock management.
type Store struct {
	mu sync.Mutex

	runs     map[string]ledgermodel.RunRecord   // runID -> record
	messages map[string]storedMessage            // messageID -> message
	byThread map[string][]string                 // threadID -> messageIDs in ordinal order
	nextOrd  map[string]uint64                   // threadID -> next ordinal to assign
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		runs:     make(map[string]ledgermodel.RunRecord),
		messages: make(map[string]storedMessage),
		byThread: make(map[string][]string),
		nextOrd:  make(map[string]uint64),
	}
}

// Reset clears all stored state. Test-only helper, not part of the
// runledger.Store interface.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]ledgermodel.RunRecord)
	s.messages = make(map[string]storedMessage)
	s.byThread = make(map[string][]string)
	s.nextOrd = make(map[string]uint64)
}

func cloneMessage(m ledgermodel.CanonicalMessage) ledgermodel.CanonicalMessage {
	out := m
	if m.ParentMessageID != nil {
		p := *m.ParentMessageID
		out.ParentMessageID = &p
	}
	out.Parts = append([]ledgermodel.CanonicalPart(nil), m.Parts...)
	if m.Metadata.Extra != nil {
		extra := make(map[string]any, len(m.Metadata.Extra))
		for k, v := range m.Metadata.Extra {
			extra[k] = v
		}
		out.Metadata.Extra = extra
	}
	return out
}

func cloneRun(r ledgermodel.RunRecord) ledgermodel.RunRecord {
	out := r
	if r.ForkFromMessageID != nil {
		p := *r.ForkFromMessageID
		out.ForkFromMessageID = &p
	}
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		out.FinishedAt = &f
	}
	return out
}

var now = time.Now

// BeginRun implements runledger.Store.
func (s *Store) BeginRun(_ context.Context, opts runledger.BeginRunOptions) (ledgermodel.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := newULID()
	rec := ledgermodel.RunRecord{
		RunID:             runID,
		ThreadID:          opts.ThreadID,
		StreamID:          "run:" + runID,
		ForkFromMessageID: opts.ForkFromMessageID,
		Status:            ledgermodel.RunCreated,
		CreatedAt:         now(),
	}
	s.runs[runID] = cloneRun(rec)
	return cloneRun(rec), nil
}

// ActivateRun implements runledger.Store.
func (s *Store) ActivateRun(_ context.Context, runID string) (ledgermodel.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return ledgermodel.RunRecord{}, runledgererr.New(runledgererr.NotFound, "runledger.ActivateRun", nil)
	}
	if rec.Status != ledgermodel.RunCreated {
		return ledgermodel.RunRecord{}, runledgererr.New(runledgererr.InvalidState, "runledger.ActivateRun", nil)
	}
	rec.Status = ledgermodel.RunStreaming
	s.runs[runID] = rec
	return cloneRun(rec), nil
}

// GetRun implements runledger.Store.
func (s *Store) GetRun(_ context.Context, runID string) (ledgermodel.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return ledgermodel.RunRecord{}, nil
	}
	return cloneRun(rec), nil
}

// ListRuns implements runledger.Store.
func (s *Store) ListRuns(_ context.Context, threadID string) ([]ledgermodel.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledgermodel.RunRecord
	for _, rec := range s.runs {
		if rec.ThreadID == threadID {
			out = append(out, cloneRun(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FinalizeRun commits messages and applies fork-based supersession, with
// checks applied in a fixed order, under the store-wide lock (which doubles
// as the single-transaction boundary this in-memory backend provides).
func (s *Store) FinalizeRun(_ context.Context, opts runledger.FinalizeOptions) (runledger.FinalizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[opts.RunID]
	if !ok {
		return runledger.FinalizeResult{}, runledgererr.New(runledgererr.NotFound, "runledger.FinalizeRun", nil)
	}
	if rec.Status == opts.Target {
		return runledger.FinalizeResult{Committed: true}, nil
	}
	if rec.Status.Terminal() {
		return runledger.FinalizeResult{Committed: false}, nil
	}

	finishedAt := now()

	if opts.Target != ledgermodel.RunCommitted {
		rec.Status = opts.Target
		rec.FinishedAt = &finishedAt
		s.runs[opts.RunID] = rec
		return runledger.FinalizeResult{Committed: false}, nil
	}

	// Commit path.
	var superseded []string
	if rec.ForkFromMessageID != nil {
		for id, other := range s.runs {
			if id == rec.RunID {
				continue
			}
			if other.ThreadID != rec.ThreadID || other.Status != ledgermodel.RunCommitted {
				continue
			}
			if other.ForkFromMessageID == nil || *other.ForkFromMessageID != *rec.ForkFromMessageID {
				continue
			}
			other.Status = ledgermodel.RunSuperseded
			other.FinishedAt = &finishedAt
			s.runs[id] = other
			superseded = append(superseded, id)
		}
	}

	ordinal := s.nextOrd[rec.ThreadID]
	for _, m := range opts.Messages {
		stored := cloneMessage(m)
		stored.RunID = rec.RunID
		stored.ThreadID = rec.ThreadID
		stored.Ordinal = ordinal
		ordinal++
		s.messages[stored.ID] = storedMessage{msg: stored}
		s.byThread[rec.ThreadID] = append(s.byThread[rec.ThreadID], stored.ID)
	}
	s.nextOrd[rec.ThreadID] = ordinal

	rec.Status = ledgermodel.RunCommitted
	rec.FinishedAt = &finishedAt
	rec.MessageCount = uint32(len(opts.Messages))
	s.runs[opts.RunID] = rec

	return runledger.FinalizeResult{Committed: true, SupersededRunIDs: superseded}, nil
}

// messagesByOrdinal returns the thread's messages sorted by ordinal, with
// child-lists keyed by parent for tree walks.
func (s *Store) messagesByOrdinal(threadID string) []ledgermodel.CanonicalMessage {
	ids := s.byThread[threadID]
	out := make([]ledgermodel.CanonicalMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneMessage(s.messages[id].msg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// GetTranscript implements runledger.Store, resolving the active branch
// by walking down from the thread's roots (see resolveActiveBranch).
func (s *Store) GetTranscript(_ context.Context, opts runledger.TranscriptOptions) ([]ledgermodel.CanonicalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.messagesByOrdinal(opts.ThreadID)
	if opts.Branch == runledger.BranchAll {
		return all, nil
	}
	return resolveActiveBranch(all, s.runs, opts.Selections), nil
}

// resolveActiveBranch walks the tree from roots, at each fork picking the
// map-selected child if present and valid, otherwise the active-mode child:
// the most recently inserted (highest ordinal) child whose producing run is
// committed, or else the most recently inserted child. Orphan parents (a
// parent id absent from the message set) are treated as additional roots,
// ordered by their first child's ordinal.
func resolveActiveBranch(all []ledgermodel.CanonicalMessage, runs map[string]ledgermodel.RunRecord, selections map[string]string) []ledgermodel.CanonicalMessage {
	byID := make(map[string]ledgermodel.CanonicalMessage, len(all))
	childrenOf := make(map[string][]ledgermodel.CanonicalMessage)
	for _, m := range all {
		byID[m.ID] = m
	}
	// A root is a message with no parent (ordered by itself) or the active
	// child of an absent parent (ordered by that parent's first child).
	type root struct{ msg, first ledgermodel.CanonicalMessage }
	var roots []root
	var orphans []string
	for _, m := range all {
		if m.ParentMessageID == nil {
			roots = append(roots, root{m, m})
			continue
		}
		parentID := *m.ParentMessageID
		if _, ok := byID[parentID]; !ok {
			if _, seen := childrenOf[parentID]; !seen {
				orphans = append(orphans, parentID)
			}
		}
		childrenOf[parentID] = append(childrenOf[parentID], m)
	}
	for k := range childrenOf {
		sort.Slice(childrenOf[k], func(i, j int) bool { return childrenOf[k][i].Ordinal < childrenOf[k][j].Ordinal })
	}
	for _, parentID := range orphans {
		children := childrenOf[parentID]
		roots = append(roots, root{pickActiveChild(children, runs, selections), children[0]})
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].first.Ordinal < roots[j].first.Ordinal })

	var out []ledgermodel.CanonicalMessage
	var walk func(node ledgermodel.CanonicalMessage)
	walk = func(node ledgermodel.CanonicalMessage) {
		out = append(out, node)
		children := childrenOf[node.ID]
		if len(children) == 0 {
			return
		}
		chosen := pickActiveChild(children, runs, selections)
		walk(chosen)
	}
	for _, r := range roots {
		walk(r.msg)
	}
	return out
}

func pickActiveChild(children []ledgermodel.CanonicalMessage, runs map[string]ledgermodel.RunRecord, selections map[string]string) ledgermodel.CanonicalMessage {
	if len(selections) > 0 {
		forkID := children[0].ParentMessageID
		if forkID != nil {
			if selected, ok := selections[*forkID]; ok {
				for _, c := range children {
					if c.ID == selected {
						return c
					}
				}
			}
		}
	}
	var best ledgermodel.CanonicalMessage
	haveCommitted := false
	for _, c := range children {
		rec, ok := runs[c.RunID]
		committed := ok && rec.Status == ledgermodel.RunCommitted
		if !haveCommitted {
			if committed {
				best, haveCommitted = c, true
			} else if best.ID == "" || c.Ordinal > best.Ordinal {
				best = c
			}
			continue
		}
		if committed && c.Ordinal > best.Ordinal {
			best = c
		}
	}
	return best
}

// GetThreadTree implements runledger.Store.
func (s *Store) GetThreadTree(_ context.Context, threadID string) (runledger.ThreadTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.messagesByOrdinal(threadID)
	childrenOf := make(map[string][]ledgermodel.CanonicalMessage)
	nodes := make([]ledgermodel.ThreadTreeNode, 0, len(all))
	for _, m := range all {
		var status ledgermodel.RunStatus
		if rec, ok := s.runs[m.RunID]; ok {
			status = rec.Status
		}
		nodes = append(nodes, ledgermodel.ThreadTreeNode{
			MessageID:       m.ID,
			ParentMessageID: m.ParentMessageID,
			Role:            m.Role,
			RunID:           m.RunID,
			RunStatus:       status,
		})
		if m.ParentMessageID != nil {
			childrenOf[*m.ParentMessageID] = append(childrenOf[*m.ParentMessageID], m)
		}
	}
	for k := range childrenOf {
		sort.Slice(childrenOf[k], func(i, j int) bool { return childrenOf[k][i].Ordinal < childrenOf[k][j].Ordinal })
	}

	var forks []ledgermodel.ForkPoint
	for forkID, children := range childrenOf {
		if len(children) < 2 {
			continue
		}
		ids := make([]string, len(children))
		for i, c := range children {
			ids[i] = c.ID
		}
		active := pickActiveChild(children, s.runs, nil)
		forks = append(forks, ledgermodel.ForkPoint{ForkMessageID: forkID, Children: ids, ActiveChildID: active.ID})
	}
	sort.Slice(forks, func(i, j int) bool { return forks[i].ForkMessageID < forks[j].ForkMessageID })

	return runledger.ThreadTree{Nodes: nodes, ForkPoints: forks}, nil
}

// ListStaleRuns implements runledger.Store.
func (s *Store) ListStaleRuns(_ context.Context, threadID string, olderThan time.Duration) ([]runledger.StaleRunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now().Add(-olderThan)
	var out []runledger.StaleRunInfo
	for _, rec := range s.runs {
		if threadID != "" && rec.ThreadID != threadID {
			continue
		}
		if !rec.Status.Active() {
			continue
		}
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, runledger.StaleRunInfo{
			RunID:     rec.RunID,
			ThreadID:  rec.ThreadID,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RecoverRun implements runledger.Store.
func (s *Store) RecoverRun(_ context.Context, runID string, action runledger.RecoverAction) (runledger.RecoverResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return runledger.RecoverResult{}, runledgererr.New(runledgererr.NotFound, "runledger.RecoverRun", nil)
	}
	if !rec.Status.Active() {
		return runledger.RecoverResult{}, runledgererr.New(runledgererr.InvalidState, "runledger.RecoverRun", nil)
	}
	target := ledgermodel.RunFailed
	if action == runledger.RecoverCancel {
		target = ledgermodel.RunCancelled
	}
	finishedAt := now()
	rec.Status = target
	rec.FinishedAt = &finishedAt
	s.runs[runID] = rec
	return runledger.RecoverResult{RunID: runID, NewStatus: target}, nil
}

// DeleteThread implements runledger.Store.
func (s *Store) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.runs {
		if rec.ThreadID == threadID {
			delete(s.runs, id)
		}
	}
	for _, id := range s.byThread[threadID] {
		delete(s.messages, id)
	}
	delete(s.byThread, threadID)
	delete(s.nextOrd, threadID)
	return nil
}
