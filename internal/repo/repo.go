package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const tsLayout = time.RFC3339Nano

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,company,created_at,updated_at,config_yaml) VALUES (?,?,?,?,?)`,
		run.ID, run.Company, formatTS(run.CreatedAt), formatTS(run.UpdatedAt), run.ConfigYAML)
	return err
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,company,created_at,updated_at,config_yaml) VALUES (?,?,?,?,?)`,
		run.ID, run.Company, formatTS(run.CreatedAt), formatTS(run.UpdatedAt), run.ConfigYAML)
	return err
}

// TouchRunTx bumps a run's updated_at.
func (r Repo) TouchRunTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET updated_at=? WHERE id=?`, formatTS(at), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run              domain.Run
		created, updated string
	)
	if err := row.Scan(&run.ID, &run.Company, &created, &updated, &run.ConfigYAML); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, ErrNotFound
		}
		return run, err
	}
	var err error
	if run.CreatedAt, err = parseTS(created); err != nil {
		return run, err
	}
	if run.UpdatedAt, err = parseTS(updated); err != nil {
		return run, err
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT id,company,created_at,updated_at,config_yaml FROM runs WHERE id=?`, id))
}

// LatestRun returns the most recently updated run.
func (r Repo) LatestRun(ctx context.Context) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT id,company,created_at,updated_at,config_yaml FROM runs ORDER BY updated_at DESC, created_at DESC LIMIT 1`))
}

func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,company,created_at,updated_at,config_yaml FROM runs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) InsertTransactionsTx(ctx context.Context, tx *sql.Tx, runID string, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions(run_id,id,ts,kind,amount,reference,balance_after,description,shortfall) VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range txs {
		var shortfall any
		if !t.Shortfall.IsZero() {
			shortfall = t.Shortfall.String()
		}
		if _, err := stmt.ExecContext(ctx, runID, t.ID, formatTS(t.Timestamp), string(t.Kind), t.Amount.String(),
			nullable(t.Reference), t.BalanceAfter.String(), nullable(t.Description), shortfall); err != nil {
			return fmt.Errorf("insert transaction %d: %w", t.ID, err)
		}
	}
	return nil
}

type TransactionFilters struct {
	RunID     string
	Kind      domain.TxKind
	Reference string
	AfterID   int64
	Limit     int
}

// ListTransactions returns ledger lines in id order.
func (r Repo) ListTransactions(ctx context.Context, f TransactionFilters) ([]domain.Transaction, error) {
	clauses := []string{"run_id=?"}
	args := []any{f.RunID}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.Reference != "" {
		clauses = append(clauses, "reference=?")
		args = append(args, f.Reference)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,kind,amount,COALESCE(reference,''),balance_after,COALESCE(description,''),COALESCE(shortfall,'0') FROM transactions WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var (
			t                                  domain.Transaction
			ts, kind, amount, after, shortfall string
		)
		if err := rows.Scan(&t.ID, &ts, &kind, &amount, &t.Reference, &after, &t.Description, &shortfall); err != nil {
			return nil, err
		}
		t.Kind = domain.TxKind(kind)
		if t.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		if sf, err := decimal.NewFromString(shortfall); err != nil {
			return nil, err
		} else if !sf.IsZero() {
			t.Shortfall = sf
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertImpactTx appends impact records; seq continues from the stored count.
func (r Repo) InsertImpactTx(ctx context.Context, tx *sql.Tx, runID string, firstSeq int, recs []domain.ImpactRecord) error {
	for i, rec := range recs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO impact_records(run_id,seq,project_id,impact_score,value,roi,notes,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
			runID, firstSeq+i, rec.ProjectID, rec.ImpactScore, rec.Value.String(), rec.ROI.String(), nullable(rec.Notes), formatTS(rec.CompletedAt)); err != nil {
			return fmt.Errorf("insert impact for %s: %w", rec.ProjectID, err)
		}
	}
	return nil
}

func (r Repo) ListImpact(ctx context.Context, runID string) ([]domain.ImpactRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,impact_score,value,roi,COALESCE(notes,''),completed_at FROM impact_records WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ImpactRecord
	for rows.Next() {
		var (
			rec                   domain.ImpactRecord
			value, roi, completed string
		)
		if err := rows.Scan(&rec.ProjectID, &rec.ImpactScore, &value, &roi, &rec.Notes, &completed); err != nil {
			return nil, err
		}
		if rec.Value, err = decimal.NewFromString(value); err != nil {
			return nil, err
		}
		if rec.ROI, err = decimal.NewFromString(roi); err != nil {
			return nil, err
		}
		if rec.CompletedAt, err = parseTS(completed); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type EventFilters struct {
	RunID string
	Type  string
	// Before pages backwards from an event id.
	Before int64
	Limit  int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,run_id,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with ids greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, runID string, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,run_id,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE run_id=? AND id>? ORDER BY id ASC LIMIT ?`, runID, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e  domain.Event
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.RunID, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if e.TS, err = parseTS(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
