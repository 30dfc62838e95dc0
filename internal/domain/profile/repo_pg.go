package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

// RepoPG also serves push device tokens to the notification dispatcher.
type RepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) *RepoPG { return &RepoPG{pool: pool} }

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const userCols = `id, email, password_hash, role, verified, rejected,
	display_name, phone_number, organization,
	id_card_url, selfie_url, vehicle_photo_url, device_token,
	created_at, updated_at, last_login`

func scanUser(row pgx.Row) (*UserProfile, error) {
	var p UserProfile
	var role string
	err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &role, &p.Verified, &p.Rejected,
		&p.DisplayName, &p.PhoneNumber, &p.Organization,
		&p.Documents.IDCardURL, &p.Documents.SelfieURL, &p.Documents.VehiclePhotoURL, &p.DeviceToken,
		&p.CreatedAt, &p.UpdatedAt, &p.LastLogin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Role = Role(role)
	return &p, nil
}

func collectUsers(rows pgx.Rows) ([]*UserProfile, error) {
	defer rows.Close()
	var items []*UserProfile
	for rows.Next() {
		p, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *RepoPG) Create(ctx context.Context, p *UserProfile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, role, verified, rejected,
			display_name, phone_number, organization,
			id_card_url, selfie_url, vehicle_photo_url)
		VALUES ($1,$2,$3,$4,$5,false,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		p.ID, p.Email, p.PasswordHash, string(p.Role), p.Verified,
		p.DisplayName, p.PhoneNumber, p.Organization,
		p.Documents.IDCardURL, p.Documents.SelfieURL, p.Documents.VehiclePhotoURL,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*UserProfile, error) {
	return scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (r *RepoPG) GetByEmail(ctx context.Context, email string) (*UserProfile, error) {
	return scanUser(r.conn(ctx).QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email)))
}

func (r *RepoPG) ListPending(ctx context.Context) ([]*UserProfile, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+userCols+` FROM users
		WHERE verified = false AND rejected = false
			AND role IN ('ambulance', 'hospital', 'police')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func (r *RepoPG) ListByRole(ctx context.Context, role Role, limit, offset int) ([]*UserProfile, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, string(role)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+userCols+` FROM users WHERE role = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, string(role), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectUsers(rows)
	return items, total, err
}

func (r *RepoPG) ListByOrganization(ctx context.Context, role Role, organization string) ([]*UserProfile, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+userCols+` FROM users WHERE role = $1 AND organization = $2`,
		string(role), organization)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func (r *RepoPG) CountByRole(ctx context.Context) (map[Role]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT role, COUNT(*) FROM users GROUP BY role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Role]int)
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, err
		}
		counts[Role(role)] = n
	}
	return counts, rows.Err()
}

func (r *RepoPG) exec(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoPG) SetVerified(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `UPDATE users SET verified = true, updated_at = NOW() WHERE id = $1`, id)
}

func (r *RepoPG) SetRejected(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `UPDATE users SET verified = NULL, rejected = true, updated_at = NOW() WHERE id = $1`, id)
}

func (r *RepoPG) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at)
}

func (r *RepoPG) SetDeviceToken(ctx context.Context, id uuid.UUID, token *string) error {
	return r.exec(ctx, `UPDATE users SET device_token = $2, updated_at = NOW() WHERE id = $1`, id, token)
}

// DeviceTokens maps user id to push token for the users that have one.
func (r *RepoPG) DeviceTokens(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id::text, device_token FROM users
		WHERE id = ANY($1::uuid[]) AND device_token IS NOT NULL`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("device tokens: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, token string
		if err := rows.Scan(&id, &token); err != nil {
			return nil, err
		}
		out[id] = token
	}
	return out, rows.Err()
}

func (r *RepoPG) RoleDeviceTokens(ctx context.Context, role string) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT device_token FROM users
		WHERE role = $1 AND device_token IS NOT NULL AND verified IS TRUE`, role)
	if err != nil {
		return nil, fmt.Errorf("role device tokens: %w", err)
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
