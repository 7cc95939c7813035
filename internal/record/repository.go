package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"saas-crm/internal/auth"
)

type Record struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Title      string    `json:"title"`
	AssignedTo []string  `json:"assigned_to"`
	CreatedAt  time.Time `json:"created_at"`
}

type table struct {
	name        string
	titleColumn string
	// assignments is the join table and its foreign key column; empty when
	// the record has a single assignee column instead.
	assignments string
	foreignKey  string
	assignee    string
}

var tables = map[string]table{
	auth.KindCustomer: {name: "customers", titleColumn: "name", assignments: "customer_assignments", foreignKey: "customer_id"},
	auth.KindDeal:     {name: "deals", titleColumn: "title", assignments: "deal_assignments", foreignKey: "deal_id"},
	auth.KindTask:     {name: "tasks", titleColumn: "title", assignee: "assignee_id"},
}

// Repository reads record headers and their assignment sets. It is the
// ownership store behind the authorization evaluator.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (t table) selectQuery() string {
	if t.assignee != "" {
		return fmt.Sprintf(`
			SELECT r.id, r.%s, COALESCE(r.%s::text, ''), r.created_at
			FROM %s r
			WHERE r.id = $1
		`, t.titleColumn, t.assignee, t.name)
	}
	return fmt.Sprintf(`
		SELECT r.id, r.%s, COALESCE(string_agg(a.user_id::text, ',' ORDER BY a.user_id), ''), r.created_at
		FROM %s r
		LEFT JOIN %s a ON a.%s = r.id
		WHERE r.id = $1
		GROUP BY r.id
	`, t.titleColumn, t.name, t.assignments, t.foreignKey)
}

func (r *Repository) Get(ctx context.Context, kind, id string) (Record, error) {
	t, ok := tables[kind]
	if !ok {
		return Record{}, fmt.Errorf("unknown record kind %q", kind)
	}
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, auth.ErrRecordNotFound
	}

	rec := Record{Kind: kind}
	var assigned string
	err := r.db.QueryRowContext(ctx, t.selectQuery(), id).Scan(&rec.ID, &rec.Title, &assigned, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, auth.ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("query %s: %w", t.name, err)
	}

	rec.AssignedTo = []string{}
	if assigned != "" {
		rec.AssignedTo = strings.Split(assigned, ",")
	}
	return rec, nil
}

func (r *Repository) AssignedPrincipals(ctx context.Context, kind, id string) ([]string, error) {
	rec, err := r.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return rec.AssignedTo, nil
}
