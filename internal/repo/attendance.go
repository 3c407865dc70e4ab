package repo

import (
	"context"
	"database/sql"
	"errors"

	"sitesync/internal/domain"
)

const attendanceColumns = `id,project_id,actor_id,source,check_in_at,check_in_lat,check_in_lon,check_out_at,check_out_lat,check_out_lon,work_hours,COALESCE(recorded_by,''),COALESCE(reason,''),created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttendance(row rowScanner) (domain.Attendance, error) {
	var (
		a                     domain.Attendance
		inLat, inLon          sql.NullFloat64
		outLat, outLon, hours sql.NullFloat64
		outAt                 sql.NullString
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.ActorID, &a.Source, &a.CheckInAt, &inLat, &inLon,
		&outAt, &outLat, &outLon, &hours, &a.RecordedBy, &a.Reason, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.CheckInLat = floatPtr(inLat)
	a.CheckInLon = floatPtr(inLon)
	a.CheckOutLat = floatPtr(outLat)
	a.CheckOutLon = floatPtr(outLon)
	a.WorkHours = floatPtr(hours)
	if outAt.Valid {
		a.CheckOutAt = &outAt.String
	}
	return a, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (r Repo) InsertAttendance(ctx context.Context, tx *sql.Tx, a domain.Attendance) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO attendance(id,project_id,actor_id,source,check_in_at,check_in_lat,check_in_lon,check_out_at,check_out_lat,check_out_lon,work_hours,recorded_by,reason,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.ActorID, a.Source, a.CheckInAt, nullableFloat(a.CheckInLat), nullableFloat(a.CheckInLon),
		nullableStringPtr(a.CheckOutAt), nullableFloat(a.CheckOutLat), nullableFloat(a.CheckOutLon), nullableFloat(a.WorkHours),
		nullable(a.RecordedBy), nullable(a.Reason), a.CreatedAt)
	return err
}

func (r Repo) GetAttendance(ctx context.Context, tx *sql.Tx, id string) (domain.Attendance, error) {
	return scanAttendance(r.conn(tx).QueryRowContext(ctx, `SELECT `+attendanceColumns+` FROM attendance WHERE id=?`, id))
}

// OpenAttendance returns the actor's most recent self check-in in the
// project that has no check-out yet.
func (r Repo) OpenAttendance(ctx context.Context, tx *sql.Tx, projectID, actorID string) (domain.Attendance, error) {
	return scanAttendance(r.conn(tx).QueryRowContext(ctx, `SELECT `+attendanceColumns+` FROM attendance
		WHERE project_id=? AND actor_id=? AND source=? AND check_out_at IS NULL
		ORDER BY check_in_at DESC, created_at DESC LIMIT 1`, projectID, actorID, domain.AttendanceSelf))
}

// CloseAttendance records the check-out of an open attendance row.
func (r Repo) CloseAttendance(ctx context.Context, tx *sql.Tx, id, checkOutAt string, lat, lon *float64, workHours float64) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE attendance SET check_out_at=?, check_out_lat=?, check_out_lon=?, work_hours=? WHERE id=? AND check_out_at IS NULL`,
		checkOutAt, nullableFloat(lat), nullableFloat(lon), workHours, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type AttendanceFilters struct {
	ProjectID string
	ActorID   string
	Limit     int
}

func (r Repo) ListAttendance(ctx context.Context, f AttendanceFilters) ([]domain.Attendance, error) {
	query := `SELECT ` + attendanceColumns + ` FROM attendance WHERE project_id=?`
	args := []any{f.ProjectID}
	if f.ActorID != "" {
		query += ` AND actor_id=?`
		args = append(args, f.ActorID)
	}
	query += ` ORDER BY check_in_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attendance
	for rows.Next() {
		a, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

const trackColumns = `id,COALESCE(action_id,''),attendance_id,project_id,actor_id,latitude,longitude,tracked_at`

func scanLocationTrack(row rowScanner) (domain.LocationTrack, error) {
	var t domain.LocationTrack
	err := row.Scan(&t.ID, &t.ActionID, &t.AttendanceID, &t.ProjectID, &t.ActorID, &t.Latitude, &t.Longitude, &t.TrackedAt)
	return t, err
}

func (r Repo) InsertLocationTrack(ctx context.Context, tx *sql.Tx, t domain.LocationTrack) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO location_tracks(id,action_id,attendance_id,project_id,actor_id,latitude,longitude,tracked_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, nullable(t.ActionID), t.AttendanceID, t.ProjectID, t.ActorID, t.Latitude, t.Longitude, t.TrackedAt)
	return err
}

// GetLocationTrackByAction returns the track recorded by a TRACK action.
func (r Repo) GetLocationTrackByAction(ctx context.Context, tx *sql.Tx, actionID string) (domain.LocationTrack, error) {
	t, err := scanLocationTrack(r.conn(tx).QueryRowContext(ctx, `SELECT `+trackColumns+` FROM location_tracks WHERE action_id=?`, actionID))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListLocationTracks(ctx context.Context, attendanceID string) ([]domain.LocationTrack, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+trackColumns+` FROM location_tracks WHERE attendance_id=? ORDER BY tracked_at, id`, attendanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LocationTrack
	for rows.Next() {
		t, err := scanLocationTrack(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
