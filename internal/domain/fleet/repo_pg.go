package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lifeline/dispatch/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const ambulanceCols = `id, vehicle_id, driver_id, status,
	location_lat, location_lng, destination_lat, destination_lng, destination_name,
	patient_severity, patient_notes, patient_age, patient_gender, patient_condition,
	eta, hospital_prepared, route_cleared, timestamp, created_at, updated_at`

func scanAmbulance(row pgx.Row) (*Ambulance, error) {
	var (
		a                      Ambulance
		status                 string
		locLat, locLng         *float64
		destLat, destLng       *float64
		destName               *string
		severity, notes        *string
		age, gender, condition *string
	)
	err := row.Scan(&a.ID, &a.VehicleID, &a.DriverID, &status,
		&locLat, &locLng, &destLat, &destLng, &destName,
		&severity, &notes, &age, &gender, &condition,
		&a.ETA, &a.HospitalPrepared, &a.RouteCleared, &a.Timestamp, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if locLat != nil && locLng != nil {
		a.CurrentLocation = &Location{Lat: *locLat, Lng: *locLng}
	}
	if destLat != nil && destLng != nil {
		a.Destination = &Destination{Lat: *destLat, Lng: *destLng, Name: deref(destName)}
	}
	if severity != nil || notes != nil || age != nil || gender != nil || condition != nil {
		a.PatientInfo = &PatientInfo{
			Severity:  Severity(deref(severity)),
			Notes:     deref(notes),
			Age:       deref(age),
			Gender:    deref(gender),
			Condition: deref(condition),
		}
	}
	return &a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func collect(rows pgx.Rows) ([]Ambulance, error) {
	defer rows.Close()
	var items []Ambulance
	for rows.Next() {
		a, err := scanAmbulance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *a)
	}
	return items, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, a *Ambulance) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusAvailable
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ambulances (id, vehicle_id, driver_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		a.ID, a.VehicleID, a.DriverID, string(a.Status),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrVehicleTaken
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Ambulance, error) {
	return scanAmbulance(r.conn(ctx).QueryRow(ctx, `SELECT `+ambulanceCols+` FROM ambulances WHERE id = $1`, id))
}

func (r *repoPG) FindByDriver(ctx context.Context, driverID uuid.UUID) (*Ambulance, error) {
	return scanAmbulance(r.conn(ctx).QueryRow(ctx, `
		SELECT `+ambulanceCols+` FROM ambulances
		WHERE driver_id = $1 ORDER BY created_at LIMIT 1`, driverID))
}

func (r *repoPG) ListActive(ctx context.Context) ([]Ambulance, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ambulanceCols+` FROM ambulances
		WHERE status IN ('on_duty', 'available')
		ORDER BY vehicle_id`)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]Ambulance, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ambulances`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ambulanceCols+` FROM ambulances
		ORDER BY vehicle_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows)
	return items, total, err
}

// setClause accumulates "col = $n" fragments for a partial UPDATE.
type setClause struct {
	cols []string
	args []interface{}
}

func (s *setClause) add(col string, v interface{}) {
	s.args = append(s.args, v)
	s.cols = append(s.cols, fmt.Sprintf("%s = $%d", col, len(s.args)))
}

func (s *setClause) addRaw(expr string) {
	s.cols = append(s.cols, expr)
}

func (r *repoPG) Patch(ctx context.Context, id uuid.UUID, p Patch) error {
	if p.Empty() {
		return nil
	}
	var set setClause
	if p.Status != nil {
		set.add("status", string(*p.Status))
	}
	if p.Location != nil {
		set.add("location_lat", p.Location.Lat)
		set.add("location_lng", p.Location.Lng)
		set.addRaw("timestamp = NOW()")
	}
	if p.Destination != nil {
		set.add("destination_lat", p.Destination.Lat)
		set.add("destination_lng", p.Destination.Lng)
		set.add("destination_name", p.Destination.Name)
	}
	if p.PatientInfo != nil {
		set.add("patient_severity", nullable(string(p.PatientInfo.Severity)))
		set.add("patient_notes", p.PatientInfo.Notes)
		set.add("patient_age", nullable(p.PatientInfo.Age))
		set.add("patient_gender", nullable(p.PatientInfo.Gender))
		set.add("patient_condition", nullable(p.PatientInfo.Condition))
	}
	if p.HospitalPrepared != nil {
		set.add("hospital_prepared", *p.HospitalPrepared)
	}
	if p.RouteCleared != nil {
		set.add("route_cleared", *p.RouteCleared)
	}
	if p.DriverID != nil {
		set.add("driver_id", *p.DriverID)
	}
	set.addRaw("updated_at = NOW()")

	set.args = append(set.args, id)
	sql := fmt.Sprintf("UPDATE ambulances SET %s WHERE id = $%d", strings.Join(set.cols, ", "), len(set.args))
	tag, err := r.conn(ctx).Exec(ctx, sql, set.args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
