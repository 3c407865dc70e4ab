package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"sitesync/internal/ledger"
)

const ledgerColumns = `action_id,action_type,entity_type,COALESCE(entity_id,''),status,actor_id,project_id,COALESCE(reason,''),COALESCE(client_ts,''),processed_at`

func scanLedgerEntry(row rowScanner) (ledger.Entry, error) {
	var e ledger.Entry
	err := row.Scan(&e.ActionID, &e.ActionType, &e.EntityType, &e.EntityID, &e.Status, &e.ActorID, &e.ProjectID,
		&e.Reason, &e.ClientTS, &e.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// InsertLedgerEntry records an action outcome. A second entry for the same
// action id fails with ledger.ErrDuplicate.
func (r Repo) InsertLedgerEntry(ctx context.Context, tx *sql.Tx, e ledger.Entry) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO sync_ledger(action_id,action_type,entity_type,entity_id,status,actor_id,project_id,reason,client_ts,processed_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ActionID, e.ActionType, e.EntityType, nullable(e.EntityID), e.Status, e.ActorID, e.ProjectID,
		nullable(e.Reason), nullable(e.ClientTS), e.ProcessedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicate
	}
	return err
}

func (r Repo) GetLedgerEntry(ctx context.Context, tx *sql.Tx, actionID string) (ledger.Entry, error) {
	return scanLedgerEntry(r.conn(tx).QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM sync_ledger WHERE action_id=?`, actionID))
}

// SetLedgerEntityID fills in the entity id of an entry written before the
// entity existed.
func (r Repo) SetLedgerEntityID(ctx context.Context, tx *sql.Tx, actionID, entityID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `UPDATE sync_ledger SET entity_id=? WHERE action_id=? AND entity_id IS NULL`, entityID, actionID)
	return err
}

type LedgerFilters struct {
	ActorID   string
	ProjectID string
	Status    string
	Limit     int
}

func (r Repo) ListLedgerEntries(ctx context.Context, f LedgerFilters) ([]ledger.Entry, error) {
	var clauses []string
	var args []any
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + ledgerColumns + ` FROM sync_ledger ` + where + ` ORDER BY processed_at DESC, action_id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ledger.Entry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Ledger exposes the sync_ledger table as a ledger.Reader.
type Ledger struct {
	Repo Repo
}

func (l Ledger) Lookup(ctx context.Context, actionID string) (ledger.Entry, bool, error) {
	e, err := l.Repo.GetLedgerEntry(ctx, nil, actionID)
	if errors.Is(err, ErrNotFound) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return e, true, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
