package auth

import (
	"context"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin   = "ADMIN"
	RoleManager = "MANAGER"
	RoleUser    = "USER"
)

// Permissions seeded into role_permissions.
const (
	PermUsersManage  = "users:manage"
	PermReportsView  = "reports:view"
	PermRecordsRead  = "records:read"
	PermRecordsWrite = "records:write"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type Principal struct {
	ID                  string
	Username            string
	Email               string
	PasswordHash        string
	Active              bool
	Roles               []string
	LastLoginAt         *time.Time
	ResetTokenHash      string
	ResetTokenExpiresAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Profile is the public view of a principal returned by the API.
type Profile struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Roles       []string   `json:"roles"`
	Active      bool       `json:"active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func (p Principal) Profile() Profile {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return Profile{
		ID:          p.ID,
		Username:    p.Username,
		Email:       p.Email,
		Roles:       roles,
		Active:      p.Active,
		LastLoginAt: p.LastLoginAt,
	}
}

type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Claims is the payload carried by both access and refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
	Type  string   `json:"typ"`
}

// Identity is the authenticated principal attached to a request.
type Identity struct {
	PrincipalID string
	Roles       []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type NewPrincipal struct {
	Username     string
	Email        string
	PasswordHash string
	Roles        []string
}

// PrincipalStore is the persistence boundary for principals. Implementations
// return ErrPrincipalNotFound when no row matches.
type PrincipalStore interface {
	FindByUsernameOrEmail(ctx context.Context, identifier string) (Principal, error)
	FindByID(ctx context.Context, id string) (Principal, error)
	FindByEmail(ctx context.Context, email string) (Principal, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error)
	Create(ctx context.Context, input NewPrincipal) (Principal, error)
}

// PermissionStore resolves the permissions granted to a role.
type PermissionStore interface {
	PermissionsForRole(ctx context.Context, role string) ([]string, error)
}

// OwnershipStore lists the principals assigned to a record. Implementations
// return ErrRecordNotFound when the record does not exist.
type OwnershipStore interface {
	AssignedPrincipals(ctx context.Context, kind, id string) ([]string, error)
}
