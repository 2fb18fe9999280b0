package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"targetline/internal/domain"
)

// Ledger writes and reads the append-only status_history table. Rows are
// never updated or deleted; every package state the system has ever been in
// must be reconstructible from here alone.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

type Metadata map[string]any

// TransitionError reports an attempt to record a move the state machine
// does not allow.
type TransitionError struct {
	PackageID string
	From      domain.PackageStatus
	To        domain.PackageStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("package %s: illegal transition %s -> %s", e.PackageID, e.From, e.To)
}

// Append records one ledger entry inside the caller's transaction. Legal
// entries are creation rows (empty from, to draft), machine transitions,
// and same-status annotations (validation level advancement, retry notes).
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, packageID string, from, to domain.PackageStatus, actor, reason string, meta Metadata) error {
	if l.Now == nil {
		l.Now = time.Now
	}
	switch {
	case from == "" && to == domain.StatusDraft:
	case from == to && from.Valid():
	case from.CanTransitionTo(to):
	default:
		return &TransitionError{PackageID: packageID, From: from, To: to}
	}
	ts := domain.PreciseTimestamp(l.Now())
	if meta == nil {
		meta = Metadata{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal ledger metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO status_history(package_id,from_status,to_status,ts,actor,reason,metadata_json) VALUES (?,?,?,?,?,?,?)`,
		packageID, string(from), string(to), ts, actor, reason, string(data))
	return err
}

const columns = `history_id,package_id,from_status,to_status,ts,actor,reason,metadata_json`

func scanEntry(rows *sql.Rows) (domain.StatusHistoryEntry, error) {
	var e domain.StatusHistoryEntry
	err := rows.Scan(&e.ID, &e.PackageID, &e.FromStatus, &e.ToStatus, &e.TS, &e.Actor, &e.Reason, &e.MetadataJSON)
	return e, err
}

// EntriesForPackage returns the package's full history, oldest first.
func (l Ledger) EntriesForPackage(ctx context.Context, packageID string) ([]domain.StatusHistoryEntry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+columns+` FROM status_history WHERE package_id=? ORDER BY history_id ASC`, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Replay folds the package's history into its final status, verifying the
// chain as it goes. An empty history replays to "".
func (l Ledger) Replay(ctx context.Context, packageID string) (domain.PackageStatus, error) {
	entries, err := l.EntriesForPackage(ctx, packageID)
	if err != nil {
		return "", err
	}
	var current domain.PackageStatus
	for i, e := range entries {
		if e.FromStatus != current {
			return "", fmt.Errorf("history of %s breaks at entry %d: at %q but entry moves %q -> %q",
				packageID, i, current, e.FromStatus, e.ToStatus)
		}
		switch {
		case current == "" && e.ToStatus == domain.StatusDraft:
		case e.FromStatus == e.ToStatus:
		case e.FromStatus.CanTransitionTo(e.ToStatus):
		default:
			return "", fmt.Errorf("history of %s holds illegal transition %s -> %s at entry %d",
				packageID, e.FromStatus, e.ToStatus, i)
		}
		current = e.ToStatus
	}
	return current, nil
}

// CountEdges counts how often the package took one specific transition.
// Retry budgets are derived from these counts so they survive restarts.
func (l Ledger) CountEdges(ctx context.Context, packageID string, from, to domain.PackageStatus) (int, error) {
	var n int
	err := l.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM status_history WHERE package_id=? AND from_status=? AND to_status=?`,
		packageID, string(from), string(to)).Scan(&n)
	return n, err
}

// CountAnnotations counts same-status entries with the given reason, used
// for the ingestion retry budget.
func (l Ledger) CountAnnotations(ctx context.Context, packageID string, status domain.PackageStatus, reason string) (int, error) {
	var n int
	err := l.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM status_history WHERE package_id=? AND from_status=? AND to_status=? AND reason=?`,
		packageID, string(status), string(status), reason).Scan(&n)
	return n, err
}

// EntriesAfter returns entries with ids greater than the cursor in
// ascending order, for tailing consumers.
func (l Ledger) EntriesAfter(ctx context.Context, cursor int64, limit int) ([]domain.StatusHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT `+columns+` FROM status_history WHERE history_id>? ORDER BY history_id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestID returns the most recent history id, 0 when the ledger is empty.
func (l Ledger) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(history_id),0) FROM status_history`).Scan(&id)
	return id, err
}

// FailedEntriesSince returns genuine failure transitions (annotations on an
// already failed package excluded) at or after the given timestamp.
func (l Ledger) FailedEntriesSince(ctx context.Context, ts string) ([]domain.StatusHistoryEntry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+columns+` FROM status_history WHERE to_status=? AND from_status != to_status AND ts >= ? ORDER BY history_id ASC`,
		string(domain.StatusFailed), ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountSince counts entries at or after the timestamp, split by whether
// they moved the package or only annotated it.
func (l Ledger) CountSince(ctx context.Context, ts string) (transitions, annotations int, err error) {
	err = l.DB.QueryRowContext(ctx, `SELECT
COALESCE(SUM(CASE WHEN from_status != to_status THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN from_status = to_status THEN 1 ELSE 0 END),0)
FROM status_history WHERE ts >= ?`, ts).Scan(&transitions, &annotations)
	return transitions, annotations, err
}

// Count returns the total number of ledger rows. Tests lean on it to prove
// a reconciliation pass wrote nothing.
func (l Ledger) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM status_history`).Scan(&n)
	return n, err
}
