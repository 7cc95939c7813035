package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Repository is the Postgres PrincipalStore and PermissionStore.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const principalColumns = `
	u.id, u.username, u.email, u.password_hash, u.active, u.last_login_at,
	COALESCE(u.reset_token_hash, ''), u.reset_token_expires_at,
	u.created_at, u.updated_at,
	COALESCE(string_agg(ur.role, ',' ORDER BY ur.role), '')
`

func (r *Repository) findOne(ctx context.Context, where string, arg any) (Principal, error) {
	query := `SELECT ` + principalColumns + `
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		WHERE ` + where + `
		GROUP BY u.id`

	var (
		p           Principal
		lastLogin   sql.NullTime
		resetExpiry sql.NullTime
		roles       string
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&p.ID, &p.Username, &p.Email, &p.PasswordHash, &p.Active, &lastLogin,
		&p.ResetTokenHash, &resetExpiry,
		&p.CreatedAt, &p.UpdatedAt,
		&roles,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("query principal: %w", err)
	}

	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		p.LastLoginAt = &t
	}
	if resetExpiry.Valid {
		t := resetExpiry.Time.UTC()
		p.ResetTokenExpiresAt = &t
	}
	if roles != "" {
		p.Roles = strings.Split(roles, ",")
	}
	return p, nil
}

func (r *Repository) FindByUsernameOrEmail(ctx context.Context, identifier string) (Principal, error) {
	return r.findOne(ctx, `u.username = $1 OR u.email = $1`, identifier)
}

func (r *Repository) FindByID(ctx context.Context, id string) (Principal, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Principal{}, ErrPrincipalNotFound
	}
	return r.findOne(ctx, `u.id = $1`, id)
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (Principal, error) {
	return r.findOne(ctx, `u.email = $1`, email)
}

func (r *Repository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = $2 WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, reset_token_hash = NULL, reset_token_expires_at = NULL, updated_at = $3
		WHERE id = $1
	`, id, hash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("password hash rows affected: %w", err)
	}
	if affected == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

// SetResetToken stores the digest and expiry in a single-row update, which
// replaces any token issued earlier.
func (r *Repository) SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET reset_token_hash = $2, reset_token_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, tokenHash, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("set reset token: %w", err)
	}
	return nil
}

// ConsumeResetToken matches a live digest, sets the new hash and clears the
// token in one statement, so concurrent redemptions cannot both succeed.
func (r *Repository) ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET password_hash = $2,
			reset_token_hash = NULL,
			reset_token_expires_at = NULL,
			updated_at = $3
		WHERE reset_token_hash = $1
		  AND reset_token_expires_at > $3
		RETURNING id
	`, tokenHash, newPasswordHash, now.UTC()).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrResetTokenInvalidOrExpired
		}
		return "", fmt.Errorf("consume reset token: %w", err)
	}
	return id, nil
}

func (r *Repository) Create(ctx context.Context, input NewPrincipal) (Principal, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Principal{}, fmt.Errorf("generate uuid v7: %w", err)
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Principal{}, fmt.Errorf("begin create principal tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
	`, id.String(), input.Username, input.Email, input.PasswordHash, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Principal{}, ErrPrincipalExists
		}
		return Principal{}, fmt.Errorf("insert principal: %w", err)
	}

	for _, role := range input.Roles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		`, id.String(), role); err != nil {
			return Principal{}, fmt.Errorf("insert principal role: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Principal{}, fmt.Errorf("commit create principal tx: %w", err)
	}

	return Principal{
		ID:           id.String(),
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
		Active:       true,
		Roles:        input.Roles,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (r *Repository) PermissionsForRole(ctx context.Context, role string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT permission FROM role_permissions WHERE role = $1 ORDER BY permission
	`, role)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()

	perms := make([]string, 0)
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			return nil, fmt.Errorf("scan role permission: %w", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role permissions: %w", err)
	}
	return perms, nil
}

// PurgeExpiredResetTokens clears reset fields whose expiry has passed.
func (r *Repository) PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET reset_token_hash = NULL, reset_token_expires_at = NULL
		WHERE reset_token_expires_at IS NOT NULL AND reset_token_expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired reset tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired reset tokens rows affected: %w", err)
	}
	return affected, nil
}
