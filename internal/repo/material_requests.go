package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"sitesync/internal/domain"
)

const materialRequestColumns = `id,project_id,requested_by,material_name,quantity,unit,urgency,COALESCE(notes,''),COALESCE(required_by,''),status,created_at,updated_at`

func scanMaterialRequest(row rowScanner) (domain.MaterialRequest, error) {
	var m domain.MaterialRequest
	err := row.Scan(&m.ID, &m.ProjectID, &m.RequestedBy, &m.MaterialName, &m.Quantity, &m.Unit, &m.Urgency,
		&m.Notes, &m.RequiredBy, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMaterialRequest(ctx context.Context, tx *sql.Tx, m domain.MaterialRequest) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO material_requests(id,project_id,requested_by,material_name,quantity,unit,urgency,notes,required_by,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.RequestedBy, m.MaterialName, m.Quantity, m.Unit, m.Urgency,
		nullable(m.Notes), nullable(m.RequiredBy), m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMaterialRequest(ctx context.Context, tx *sql.Tx, id string) (domain.MaterialRequest, error) {
	return scanMaterialRequest(r.conn(tx).QueryRowContext(ctx, `SELECT `+materialRequestColumns+` FROM material_requests WHERE id=?`, id))
}

// MaterialRequestUpdate holds the optional fields of an edit; nil leaves a
// column unchanged.
type MaterialRequestUpdate struct {
	Quantity   *float64
	Unit       *string
	Urgency    *string
	Notes      *string
	RequiredBy *string
	UpdatedAt  string
}

// UpdatePendingMaterialRequest edits a request that is still PENDING and
// returns ErrNotFound when no pending row matched.
func (r Repo) UpdatePendingMaterialRequest(ctx context.Context, tx *sql.Tx, id string, u MaterialRequestUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Quantity != nil {
		fields = append(fields, "quantity=?")
		args = append(args, *u.Quantity)
	}
	if u.Unit != nil {
		fields = append(fields, "unit=?")
		args = append(args, *u.Unit)
	}
	if u.Urgency != nil {
		fields = append(fields, "urgency=?")
		args = append(args, *u.Urgency)
	}
	if u.Notes != nil {
		fields = append(fields, "notes=?")
		args = append(args, nullable(*u.Notes))
	}
	if u.RequiredBy != nil {
		fields = append(fields, "required_by=?")
		args = append(args, nullable(*u.RequiredBy))
	}
	fields = append(fields, "updated_at=?")
	args = append(args, u.UpdatedAt, id, domain.MaterialRequestPending)
	res, err := r.conn(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE material_requests SET %s WHERE id=? AND status=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionMaterialRequest moves a request from one status to another.
func (r Repo) TransitionMaterialRequest(ctx context.Context, tx *sql.Tx, id, from, to, notes, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE material_requests SET status=?, notes=COALESCE(?, notes), updated_at=? WHERE id=? AND status=?`,
		to, nullable(notes), now, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMaterialRequests(ctx context.Context, projectID, status string) ([]domain.MaterialRequest, error) {
	query := `SELECT ` + materialRequestColumns + ` FROM material_requests WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MaterialRequest
	for rows.Next() {
		m, err := scanMaterialRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
