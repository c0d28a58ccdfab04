// Package sqlite implements runledger.Store against a logical schema of
// runs/messages/parts tables via modernc.org/sqlite, using database/sql's
// *sql.Tx for the atomic finalizeRun/deleteThread paths this store
// requires. Grounded on run/inmem.Store's defensive-copy contract,
// translated to row-level reads/writes inside explicit transactions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/runledger"
	"github.com/runledger/runledger/runledgererr"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id                TEXT PRIMARY KEY,
	thread_id             TEXT NOT NULL,
	stream_id             TEXT NOT NULL,
	fork_from_message_id  TEXT,
	status                TEXT NOT NULL,
	created_at            TEXT NOT NULL,
	finished_at           TEXT,
	message_count         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL,
	thread_id         TEXT NOT NULL,
	parent_message_id TEXT,
	role              TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	metadata          TEXT NOT NULL,
	ordinal           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_ordinal ON messages(thread_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_message_id);
CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id);

CREATE TABLE IF NOT EXISTS parts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	data       TEXT NOT NULL,
	ordinal    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_parts_message_ordinal ON parts(message_id, ordinal);
`

const timeFormat = time.RFC3339Nano

// Store implements runledger.Store against a SQLite database. Construct
// with Open.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ runledger.Store = (*Store)(nil)

// Open opens (creating if absent) a SQLite database at dsn and ensures the
// schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "runledger/sqlite.Open", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, runledgererr.New(runledgererr.StoreError, "runledger/sqlite.Open", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// BeginRun implements runledger.Store.
func (s *Store) BeginRun(ctx context.Context, opts runledger.BeginRunOptions) (ledgermodel.RunRecord, error) {
	runID := ulidNow()
	rec := ledgermodel.RunRecord{
		RunID:             runID,
		ThreadID:          opts.ThreadID,
		StreamID:          "run:" + runID,
		ForkFromMessageID: opts.ForkFromMessageID,
		Status:            ledgermodel.RunCreated,
		CreatedAt:         s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, thread_id, stream_id, fork_from_message_id, status, created_at, finished_at, message_count)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, 0)`,
		rec.RunID, rec.ThreadID, rec.StreamID, nullableString(rec.ForkFromMessageID), string(rec.Status), rec.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return ledgermodel.RunRecord{}, runledgererr.New(runledgererr.StoreError, "runledger.BeginRun", err)
	}
	return rec, nil
}

// ActivateRun implements runledger.Store.
func (s *Store) ActivateRun(ctx context.Context, runID string) (ledgermodel.RunRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledgermodel.RunRecord{}, runledgererr.New(runledgererr.StoreError, "runledger.ActivateRun", err)
	}
	defer tx.Rollback()

	rec, err := getRunTx(ctx, tx, runID)
	if err != nil {
		return ledgermodel.RunRecord{}, err
	}
	if rec.RunID == "" {
		return ledgermodel.RunRecord{}, runledgererr.New(runledgererr.NotFound, "runledger.ActivateRun", nil)
	}
	if rec.Status != ledgermodel.RunCreated {
		return ledgermodel.RunRecord{}, runledgererr.New(runledgererr.InvalidState, "runledger.ActivateRun", nil)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ? WHERE run_id = ?`, string(ledgermodel.RunStreaming), runID); err != nil {
		return ledgermodel.RunRecord{}, runledgererr.New(runledgererr.StoreError, "runledger.ActivateRun", err)
	}
	if err := tx.Commit(); err != nil {
		return ledgermodel.RunRecord{}, runledgererr.New(runledgererr.StoreError, "runledger.ActivateRun", err)
	}
	rec.Status = ledgermodel.RunStreaming
	return rec, nil
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func scanRun(scan func(dest ...any) error) (ledgermodel.RunRecord, error) {
	var rec ledgermodel.RunRecord
	var forkFrom, finishedAt sql.NullString
	var createdAt string
	var status string
	var messageCount int64
	if err := scan(&rec.RunID, &rec.ThreadID, &rec.StreamID, &forkFrom, &status, &createdAt, &finishedAt, &messageCount); err != nil {
		return ledgermodel.RunRecord{}, err
	}
	rec.Status = ledgermodel.RunStatus(status)
	rec.MessageCount = uint32(messageCount)
	rec.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if forkFrom.Valid {
		v := forkFrom.String
		rec.ForkFromMessageID = &v
	}
	if finishedAt.Valid {
		t, _ := time.Parse(timeFormat, finishedAt.String)
		rec.FinishedAt = &t
	}
	return rec, nil
}

func getRunTx(ctx context.Context, tx *sql.Tx, runID string) (ledgermodel.RunRecord, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT run_id, thread_id, stream_id, fork_from_message_id, status, created_at, finished_at, message_count
		 FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return ledgermodel.RunRecord{}, nil
	}
	if err != nil {
		return ledgermodel.RunRecord{}, runledgererr.New(runledgererr.StoreError, "runledger.getRun", err)
	}
	return rec, nil
}

// GetRun implements runledger.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (ledgermodel.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, thread_id, stream_id, fork_from_message_id, status, created_at, finished_at, message_count
		 FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return ledgermodel.RunRecord{}, nil
	}
	if err != nil {
		return ledgermodel.RunRecord{}, runledgererr.New(runledgererr.StoreError, "runledger.GetRun", err)
	}
	return rec, nil
}

// ListRuns implements runledger.Store.
func (s *Store) ListRuns(ctx context.Context, threadID string) ([]ledgermodel.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, thread_id, stream_id, fork_from_message_id, status, created_at, finished_at, message_count
		 FROM runs WHERE thread_id = ? ORDER BY created_at ASC`, threadID)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "runledger.ListRuns", err)
	}
	defer rows.Close()
	var out []ledgermodel.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, runledgererr.New(runledgererr.StoreError, "runledger.ListRuns", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FinalizeRun commits messages and applies fork-based supersession inside a
// single sql.Tx.
func (s *Store) FinalizeRun(ctx context.Context, opts runledger.FinalizeOptions) (runledger.FinalizeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
	}
	defer tx.Rollback()

	rec, err := getRunTx(ctx, tx, opts.RunID)
	if err != nil {
		return runledger.FinalizeResult{}, err
	}
	if rec.RunID == "" {
		return runledger.FinalizeResult{}, runledgererr.New(runledgererr.NotFound, "runledger.FinalizeRun", nil)
	}
	if rec.Status == opts.Target {
		return runledger.FinalizeResult{Committed: true}, nil
	}
	if rec.Status.Terminal() {
		return runledger.FinalizeResult{Committed: false}, nil
	}

	finishedAt := s.now()

	if opts.Target != ledgermodel.RunCommitted {
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
			string(opts.Target), finishedAt.Format(timeFormat), opts.RunID); err != nil {
			return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
		}
		if err := tx.Commit(); err != nil {
			return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
		}
		return runledger.FinalizeResult{Committed: false}, nil
	}

	var superseded []string
	if rec.ForkFromMessageID != nil {
		rows, err := tx.QueryContext(ctx,
			`SELECT run_id FROM runs WHERE thread_id = ? AND status = ? AND fork_from_message_id = ? AND run_id != ?`,
			rec.ThreadID, string(ledgermodel.RunCommitted), *rec.ForkFromMessageID, rec.RunID)
		if err != nil {
			return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
				string(ledgermodel.RunSuperseded), finishedAt.Format(timeFormat), id); err != nil {
				return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
			}
			superseded = append(superseded, id)
		}
	}

	var maxOrdinal sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(ordinal) FROM messages WHERE thread_id = ?`, rec.ThreadID).Scan(&maxOrdinal); err != nil {
		return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
	}
	ordinal := int64(0)
	if maxOrdinal.Valid {
		ordinal = maxOrdinal.Int64 + 1
	}

	msgStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (id, run_id, thread_id, parent_message_id, role, created_at, metadata, ordinal)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
	}
	defer msgStmt.Close()
	partStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO parts (message_id, type, data, ordinal) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
	}
	defer partStmt.Close()

	for _, m := range opts.Messages {
		metaJSON, err := json.Marshal(m.Metadata)
		if err != nil {
			return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
		}
		if _, err := msgStmt.ExecContext(ctx, m.ID, rec.RunID, rec.ThreadID, nullableString(m.ParentMessageID),
			string(m.Role), m.CreatedAt.Format(timeFormat), string(metaJSON), ordinal); err != nil {
			return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
		}
		for pi, p := range m.Parts {
			data, err := json.Marshal(p)
			if err != nil {
				return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
			}
			if _, err := partStmt.ExecContext(ctx, m.ID, string(p.Kind), string(data), pi); err != nil {
				return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
			}
		}
		ordinal++
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ?, message_count = ? WHERE run_id = ?`,
		string(ledgermodel.RunCommitted), finishedAt.Format(timeFormat), len(opts.Messages), rec.RunID); err != nil {
		return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
	}

	if err := tx.Commit(); err != nil {
		return runledger.FinalizeResult{}, runledgererr.New(runledgererr.StoreError, "runledger.FinalizeRun", err)
	}
	return runledger.FinalizeResult{Committed: true, SupersededRunIDs: superseded}, nil
}

func (s *Store) loadMessages(ctx context.Context, threadID string) ([]ledgermodel.CanonicalMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, thread_id, parent_message_id, role, created_at, metadata, ordinal
		 FROM messages WHERE thread_id = ? ORDER BY ordinal ASC`, threadID)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "runledger.loadMessages", err)
	}
	defer rows.Close()

	var out []ledgermodel.CanonicalMessage
	for rows.Next() {
		var m ledgermodel.CanonicalMessage
		var parent sql.NullString
		var createdAt, role, metaJSON string
		var ordinal int64
		if err := rows.Scan(&m.ID, &m.RunID, &m.ThreadID, &parent, &role, &createdAt, &metaJSON, &ordinal); err != nil {
			return nil, runledgererr.New(runledgererr.StoreError, "runledger.loadMessages", err)
		}
		m.Role = ledgermodel.Role(role)
		m.Ordinal = uint64(ordinal)
		m.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if parent.Valid {
			v := parent.String
			m.ParentMessageID = &v
		}
		_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return out, nil
	}
	ids := make([]string, len(out))
	idx := make(map[string]int, len(out))
	for i, m := range out {
		ids[i] = m.ID
		idx[m.ID] = i
	}
	partRows, err := s.db.QueryContext(ctx,
		`SELECT message_id, type, data FROM parts WHERE message_id IN (`+placeholders(len(ids))+`) ORDER BY message_id, ordinal ASC`,
		toArgs(ids)...)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "runledger.loadMessages", err)
	}
	defer partRows.Close()
	for partRows.Next() {
		var messageID, kind, data string
		if err := partRows.Scan(&messageID, &kind, &data); err != nil {
			return nil, runledgererr.New(runledgererr.StoreError, "runledger.loadMessages", err)
		}
		var part ledgermodel.CanonicalPart
		if err := json.Unmarshal([]byte(data), &part); err != nil {
			continue
		}
		i := idx[messageID]
		out[i].Parts = append(out[i].Parts, part)
	}
	return out, partRows.Err()
}

func placeholders(n int) string {
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// GetTranscript implements runledger.Store.
func (s *Store) GetTranscript(ctx context.Context, opts runledger.TranscriptOptions) ([]ledgermodel.CanonicalMessage, error) {
	all, err := s.loadMessages(ctx, opts.ThreadID)
	if err != nil {
		return nil, err
	}
	if opts.Branch == runledger.BranchAll {
		return all, nil
	}
	runStatuses, err := s.runStatusesByID(ctx, opts.ThreadID)
	if err != nil {
		return nil, err
	}
	return resolveActiveBranch(all, runStatuses, opts.Selections), nil
}

func (s *Store) runStatusesByID(ctx context.Context, threadID string) (map[string]ledgermodel.RunStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, status FROM runs WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "runledger.runStatusesByID", err)
	}
	defer rows.Close()
	out := make(map[string]ledgermodel.RunStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = ledgermodel.RunStatus(status)
	}
	return out, rows.Err()
}

// resolveActiveBranch mirrors runledger/inmem's tree walk exactly, keyed
// here by a run-status lookup table rather than full RunRecord values.
func resolveActiveBranch(all []ledgermodel.CanonicalMessage, runStatus map[string]ledgermodel.RunStatus, selections map[string]string) []ledgermodel.CanonicalMessage {
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
		roots = append(roots, root{pickActiveChild(children, runStatus, selections), children[0]})
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
		walk(pickActiveChild(children, runStatus, selections))
	}
	for _, r := range roots {
		walk(r.msg)
	}
	return out
}

func pickActiveChild(children []ledgermodel.CanonicalMessage, runStatus map[string]ledgermodel.RunStatus, selections map[string]string) ledgermodel.CanonicalMessage {
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
		committed := runStatus[c.RunID] == ledgermodel.RunCommitted
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
func (s *Store) GetThreadTree(ctx context.Context, threadID string) (runledger.ThreadTree, error) {
	all, err := s.loadMessages(ctx, threadID)
	if err != nil {
		return runledger.ThreadTree{}, err
	}
	runStatus, err := s.runStatusesByID(ctx, threadID)
	if err != nil {
		return runledger.ThreadTree{}, err
	}

	childrenOf := make(map[string][]ledgermodel.CanonicalMessage)
	nodes := make([]ledgermodel.ThreadTreeNode, 0, len(all))
	for _, m := range all {
		nodes = append(nodes, ledgermodel.ThreadTreeNode{
			MessageID:       m.ID,
			ParentMessageID: m.ParentMessageID,
			Role:            m.Role,
			RunID:           m.RunID,
			RunStatus:       runStatus[m.RunID],
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
		active := pickActiveChild(children, runStatus, nil)
		forks = append(forks, ledgermodel.ForkPoint{ForkMessageID: forkID, Children: ids, ActiveChildID: active.ID})
	}
	sort.Slice(forks, func(i, j int) bool { return forks[i].ForkMessageID < forks[j].ForkMessageID })

	return runledger.ThreadTree{Nodes: nodes, ForkPoints: forks}, nil
}

// ListStaleRuns implements runledger.Store.
func (s *Store) ListStaleRuns(ctx context.Context, threadID string, olderThan time.Duration) ([]runledger.StaleRunInfo, error) {
	cutoff := s.now().Add(-olderThan).Format(timeFormat)
	query := `SELECT run_id, thread_id, status, created_at FROM runs WHERE status IN (?, ?) AND created_at <= ?`
	args := []any{string(ledgermodel.RunCreated), string(ledgermodel.RunStreaming), cutoff}
	if threadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "runledger.ListStaleRuns", err)
	}
	defer rows.Close()
	var out []runledger.StaleRunInfo
	for rows.Next() {
		var info runledger.StaleRunInfo
		var status, createdAt string
		if err := rows.Scan(&info.RunID, &info.ThreadID, &status, &createdAt); err != nil {
			return nil, err
		}
		info.Status = ledgermodel.RunStatus(status)
		info.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// RecoverRun implements runledger.Store.
func (s *Store) RecoverRun(ctx context.Context, runID string, action runledger.RecoverAction) (runledger.RecoverResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runledger.RecoverResult{}, runledgererr.New(runledgererr.StoreError, "runledger.RecoverRun", err)
	}
	defer tx.Rollback()

	rec, err := getRunTx(ctx, tx, runID)
	if err != nil {
		return runledger.RecoverResult{}, err
	}
	if rec.RunID == "" {
		return runledger.RecoverResult{}, runledgererr.New(runledgererr.NotFound, "runledger.RecoverRun", nil)
	}
	if !rec.Status.Active() {
		return runledger.RecoverResult{}, runledgererr.New(runledgererr.InvalidState, "runledger.RecoverRun", nil)
	}
	target := ledgermodel.RunFailed
	if action == runledger.RecoverCancel {
		target = ledgermodel.RunCancelled
	}
	finishedAt := s.now()
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		string(target), finishedAt.Format(timeFormat), runID); err != nil {
		return runledger.RecoverResult{}, runledgererr.New(runledgererr.StoreError, "runledger.RecoverRun", err)
	}
	if err := tx.Commit(); err != nil {
		return runledger.RecoverResult{}, runledgererr.New(runledgererr.StoreError, "runledger.RecoverRun", err)
	}
	return runledger.RecoverResult{RunID: runID, NewStatus: target}, nil
}

// DeleteThread implements runledger.Store: removes parts, messages, and
// runs for threadID in one transaction.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runledgererr.New(runledgererr.StoreError, "runledger.DeleteThread", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM parts WHERE message_id IN (SELECT id FROM messages WHERE thread_id = ?)`, threadID); err != nil {
		return runledgererr.New(runledgererr.StoreError, "runledger.DeleteThread", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return runledgererr.New(runledgererr.StoreError, "runledger.DeleteThread", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE thread_id = ?`, threadID); err != nil {
		return runledgererr.New(runledgererr.StoreError, "runledger.DeleteThread", err)
	}
	return tx.Commit()
}
