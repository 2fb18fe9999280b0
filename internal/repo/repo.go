package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"targetline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale signals that a guarded update lost the race: the row changed
// since it was read. Callers retry by re-reading on the next pass.
var ErrStale = errors.New("stale update")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalStringList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	return string(data), err
}

func marshalStringMap(v map[string]string) (string, error) {
	if v == nil {
		v = map[string]string{}
	}
	data, err := json.Marshal(v)
	return string(data), err
}

func (r Repo) InsertTarget(ctx context.Context, t domain.Target) error {
	metaJSON, err := marshalStringMap(t.Metadata)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO targets(id,name,kind,priority,status,metadata_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Kind, t.Priority, t.Status, metaJSON, t.CreatedAt, t.UpdatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (domain.Target, error) {
	var t domain.Target
	var metaJSON string
	err := row.Scan(&t.ID, &t.Name, &t.Kind, &t.Priority, &t.Status, &metaJSON, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
		return t, fmt.Errorf("target %s metadata: %w", t.ID, err)
	}
	return t, nil
}

const targetColumns = `id,name,kind,priority,status,metadata_json,created_at,updated_at`

func (r Repo) GetTarget(ctx context.Context, id string) (domain.Target, error) {
	return scanTarget(r.DB.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id=?`, id))
}

func (r Repo) GetTargetTx(ctx context.Context, tx *sql.Tx, id string) (domain.Target, error) {
	return scanTarget(tx.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id=?`, id))
}

type TargetFilters struct {
	Kind   string
	Status string
	Limit  int
}

func (r Repo) ListTargets(ctx context.Context, f TargetFilters) ([]domain.Target, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + targetColumns + ` FROM targets ` + where + ` ORDER BY priority DESC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ActiveTargets returns every non-archived target in reconciliation order:
// highest priority first, oldest first within a priority band.
func (r Repo) ActiveTargets(ctx context.Context) ([]domain.Target, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE status != ? ORDER BY priority DESC, created_at ASC, id ASC`, domain.TargetStatusArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTarget rewrites the editable target fields. Nil pointers leave a
// field alone; a non-nil meta replaces the stored document wholesale.
func (r Repo) UpdateTarget(ctx context.Context, id string, name *string, priority *int, meta map[string]string, updatedAt string) error {
	var fields []string
	var args []any
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if priority != nil {
		fields = append(fields, "priority=?")
		args = append(args, *priority)
	}
	if meta != nil {
		metaJSON, err := marshalStringMap(meta)
		if err != nil {
			return err
		}
		fields = append(fields, "metadata_json=?")
		args = append(args, metaJSON)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE targets SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTargetStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.TargetStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE targets SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTargetsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM targets GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

const packageColumns = `package_id,target_id,version,kind,status,plan_summary,collection_items_json,expected_outputs_json,validation_level,created_at,updated_at`

func scanPackage(row rowScanner) (domain.Package, error) {
	var p domain.Package
	var itemsJSON, outputsJSON string
	err := row.Scan(&p.PackageID, &p.TargetID, &p.Version, &p.Kind, &p.Status, &p.PlanSummary, &itemsJSON, &outputsJSON, &p.ValidationLevel, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(itemsJSON), &p.CollectionItems); err != nil {
		return p, fmt.Errorf("package %s collection items: %w", p.PackageID, err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &p.ExpectedOutputs); err != nil {
		return p, fmt.Errorf("package %s expected outputs: %w", p.PackageID, err)
	}
	return p, nil
}

func (r Repo) InsertPackageTx(ctx context.Context, tx *sql.Tx, p domain.Package) error {
	itemsJSON, err := marshalStringList(p.CollectionItems)
	if err != nil {
		return err
	}
	outputs := p.ExpectedOutputs
	if outputs == nil {
		outputs = []domain.ExpectedOutput{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO packages(`+packageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.PackageID, p.TargetID, p.Version, p.Kind, p.Status, p.PlanSummary, itemsJSON, string(outputsJSON), p.ValidationLevel, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPackage(ctx context.Context, id string) (domain.Package, error) {
	return scanPackage(r.DB.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE package_id=?`, id))
}

func (r Repo) GetPackageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Package, error) {
	return scanPackage(tx.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE package_id=?`, id))
}

type PackageFilters struct {
	TargetID string
	Status   string
	Limit    int
}

func (r Repo) ListPackages(ctx context.Context, f PackageFilters) ([]domain.Package, error) {
	var clauses []string
	var args []any
	if f.TargetID != "" {
		clauses = append(clauses, "target_id=?")
		args = append(args, f.TargetID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + packageColumns + ` FROM packages ` + where + ` ORDER BY created_at DESC, package_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ActivePackageForTarget returns the one package holding the target's
// active slot, ErrNotFound when no package is active.
func (r Repo) ActivePackageForTarget(ctx context.Context, targetID string) (domain.Package, error) {
	return scanPackage(r.DB.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE target_id=? AND status NOT IN (?,?) ORDER BY version DESC LIMIT 1`,
		targetID, domain.StatusClosed, domain.StatusFailed))
}

// LatestPackageForTarget returns the highest-version package regardless of
// status, ErrNotFound when the target has no packages at all.
func (r Repo) LatestPackageForTarget(ctx context.Context, targetID string) (domain.Package, error) {
	return scanPackage(r.DB.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE target_id=? ORDER BY version DESC LIMIT 1`, targetID))
}

func (r Repo) MaxPackageVersionTx(ctx context.Context, tx *sql.Tx, targetID string) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM packages WHERE target_id=?`, targetID).Scan(&v)
	return v, err
}

// HasSuccessor reports whether a newer package version exists for the
// target. The replanner uses it to tell an unhandled failure from one it
// has already regenerated for.
func (r Repo) HasSuccessor(ctx context.Context, targetID string, version int) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM packages WHERE target_id=? AND version>?`, targetID, version).Scan(&n)
	return n > 0, err
}

// UpdatePackageStateTx moves a package to a new status and validation level
// guarded by the updated_at value the caller read. Zero rows affected means
// another writer got there first and the caller sees ErrStale.
func (r Repo) UpdatePackageStateTx(ctx context.Context, tx *sql.Tx, id string, status domain.PackageStatus, level domain.ValidationLevel, updatedAt, prevUpdatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE packages SET status=?, validation_level=?, updated_at=? WHERE package_id=? AND updated_at=?`,
		status, level, updatedAt, id, prevUpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := r.GetPackageTx(ctx, tx, id); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

// UpdatePackagePlanTx rewrites a draft's plan fields under the same
// updated_at guard. Only drafts are editable.
func (r Repo) UpdatePackagePlanTx(ctx context.Context, tx *sql.Tx, p domain.Package, prevUpdatedAt string) error {
	itemsJSON, err := marshalStringList(p.CollectionItems)
	if err != nil {
		return err
	}
	outputs := p.ExpectedOutputs
	if outputs == nil {
		outputs = []domain.ExpectedOutput{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE packages SET plan_summary=?, collection_items_json=?, expected_outputs_json=?, updated_at=? WHERE package_id=? AND status=? AND updated_at=?`,
		p.PlanSummary, itemsJSON, string(outputsJSON), p.UpdatedAt, p.PackageID, domain.StatusDraft, prevUpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := r.GetPackageTx(ctx, tx, p.PackageID); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

func (r Repo) CountPackagesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM packages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

const handoffColumns = `handoff_id,package_id,attempt,task_definition_json,status,poll_failures,submitted_at,completed_at,result_json`

func scanHandoff(row rowScanner) (domain.HandoffRecord, error) {
	var h domain.HandoffRecord
	var defJSON string
	var completedAt, resultJSON sql.NullString
	err := row.Scan(&h.HandoffID, &h.PackageID, &h.Attempt, &defJSON, &h.Status, &h.PollFailures, &h.SubmittedAt, &completedAt, &resultJSON)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal([]byte(defJSON), &h.Definition); err != nil {
		return h, fmt.Errorf("handoff %s task definition: %w", h.HandoffID, err)
	}
	if completedAt.Valid {
		h.CompletedAt = &completedAt.String
	}
	if resultJSON.Valid {
		var result domain.TaskResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return h, fmt.Errorf("handoff %s result: %w", h.HandoffID, err)
		}
		h.Result = &result
	}
	return h, nil
}

func (r Repo) InsertHandoffTx(ctx context.Context, tx *sql.Tx, h domain.HandoffRecord) error {
	defJSON, err := json.Marshal(h.Definition)
	if err != nil {
		return err
	}
	var resultJSON any
	if h.Result != nil {
		data, err := json.Marshal(h.Result)
		if err != nil {
			return err
		}
		resultJSON = string(data)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO handoff_records(`+handoffColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		h.HandoffID, h.PackageID, h.Attempt, string(defJSON), h.Status, h.PollFailures, h.SubmittedAt, nullableStringPtr(h.CompletedAt), resultJSON)
	return err
}

func (r Repo) GetHandoff(ctx context.Context, id string) (domain.HandoffRecord, error) {
	return scanHandoff(r.DB.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoff_records WHERE handoff_id=?`, id))
}

// OpenHandoffForPackage returns the package's non-terminal handoff record,
// ErrNotFound when every attempt has finished.
func (r Repo) OpenHandoffForPackage(ctx context.Context, packageID string) (domain.HandoffRecord, error) {
	return scanHandoff(r.DB.QueryRowContext(ctx,
		`SELECT `+handoffColumns+` FROM handoff_records WHERE package_id=? AND status NOT IN (?,?) ORDER BY attempt DESC LIMIT 1`,
		packageID, domain.HandoffCompleted, domain.HandoffFailed))
}

func (r Repo) LatestHandoffForPackage(ctx context.Context, packageID string) (domain.HandoffRecord, error) {
	return scanHandoff(r.DB.QueryRowContext(ctx,
		`SELECT `+handoffColumns+` FROM handoff_records WHERE package_id=? ORDER BY attempt DESC LIMIT 1`, packageID))
}

func (r Repo) ListHandoffsForPackage(ctx context.Context, packageID string) ([]domain.HandoffRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+handoffColumns+` FROM handoff_records WHERE package_id=? ORDER BY attempt ASC`, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HandoffRecord
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) MaxHandoffAttemptTx(ctx context.Context, tx *sql.Tx, packageID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0) FROM handoff_records WHERE package_id=?`, packageID).Scan(&n)
	return n, err
}

func (r Repo) UpdateHandoffTx(ctx context.Context, tx *sql.Tx, h domain.HandoffRecord) error {
	var resultJSON any
	if h.Result != nil {
		data, err := json.Marshal(h.Result)
		if err != nil {
			return err
		}
		resultJSON = string(data)
	}
	res, err := tx.ExecContext(ctx, `UPDATE handoff_records SET status=?, poll_failures=?, completed_at=?, result_json=? WHERE handoff_id=?`,
		h.Status, h.PollFailures, nullableStringPtr(h.CompletedAt), resultJSON, h.HandoffID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountOpenHandoffs(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM handoff_records WHERE status NOT IN (?,?)`,
		domain.HandoffCompleted, domain.HandoffFailed).Scan(&n)
	return n, err
}

const manifestColumns = `package_id,expected_output,source_item,actual_output,validation_status,reason,updated_at`

func scanManifestEntry(row rowScanner) (domain.OutputManifestEntry, error) {
	var e domain.OutputManifestEntry
	var actual sql.NullString
	err := row.Scan(&e.PackageID, &e.ExpectedOutput, &e.SourceItem, &actual, &e.ValidationStatus, &e.Reason, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if actual.Valid {
		e.ActualOutput = &actual.String
	}
	return e, nil
}

// UpsertManifestEntryTx records or refreshes one artifact verdict. Keyed on
// (package_id, expected_output) so re-ingestion overwrites in place.
func (r Repo) UpsertManifestEntryTx(ctx context.Context, tx *sql.Tx, e domain.OutputManifestEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO output_manifest(`+manifestColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(package_id, expected_output) DO UPDATE SET source_item=excluded.source_item, actual_output=excluded.actual_output, validation_status=excluded.validation_status, reason=excluded.reason, updated_at=excluded.updated_at`,
		e.PackageID, e.ExpectedOutput, e.SourceItem, nullableStringPtr(e.ActualOutput), e.ValidationStatus, e.Reason, e.UpdatedAt)
	return err
}

func (r Repo) ListManifest(ctx context.Context, packageID string) ([]domain.OutputManifestEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+manifestColumns+` FROM output_manifest WHERE package_id=? ORDER BY expected_output ASC`, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutputManifestEntry
	for rows.Next() {
		e, err := scanManifestEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EfficacyStats reports how many distinct collection items appear in any
// manifest and how many of them have at least one valid artifact.
func (r Repo) EfficacyStats(ctx context.Context) (total, valid int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
COUNT(DISTINCT source_item),
COUNT(DISTINCT CASE WHEN validation_status=? THEN source_item END)
FROM output_manifest`, domain.ManifestValid).Scan(&total, &valid)
	return total, valid, err
}
