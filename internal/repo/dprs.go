package repo

import (
	"context"
	"database/sql"
	"errors"

	"sitesync/internal/domain"
)

func (r Repo) InsertDPR(ctx context.Context, tx *sql.Tx, d domain.DPR) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO dprs(id,project_id,engineer_id,report_date,work_done,labour_count,weather,issues,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.EngineerID, d.ReportDate, d.WorkDone, d.LabourCount, nullable(d.Weather), nullable(d.Issues), d.CreatedAt)
	return err
}

func (r Repo) GetDPR(ctx context.Context, tx *sql.Tx, id string) (domain.DPR, error) {
	var d domain.DPR
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,project_id,engineer_id,report_date,work_done,labour_count,COALESCE(weather,''),COALESCE(issues,''),created_at FROM dprs WHERE id=?`, id).
		Scan(&d.ID, &d.ProjectID, &d.EngineerID, &d.ReportDate, &d.WorkDone, &d.LabourCount, &d.Weather, &d.Issues, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}
