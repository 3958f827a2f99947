package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrGrantExists is returned when the (agent, pattern) pair is already stored.
var ErrGrantExists = errors.New("access grant already exists")

// ErrGrantNotFound is returned when revoking a grant that does not exist.
var ErrGrantNotFound = errors.New("access grant not found")

// Grant is one stored door access pattern.
type Grant struct {
	ID        int64
	Agent     string
	Pattern   string
	CreatedAt time.Time
}

// AccessRepository persists door access grants.
type AccessRepository struct {
	db *pgxpool.Pool
}

// NewAccessRepository creates an AccessRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewAccessRepository(db *pgxpool.Pool) *AccessRepository {
	return &AccessRepository{db: db}
}

// Create stores a grant.
//
// Precondition: agent and pattern must be non-empty.
// Postcondition: Returns the stored Grant, or ErrGrantExists for a duplicate pair.
func (r *AccessRepository) Create(ctx context.Context, agent, pattern string) (Grant, error) {
	var g Grant
	err := r.db.QueryRow(ctx,
		`INSERT INTO door_access_grants (agent_key, pattern)
		 VALUES ($1, $2)
		 RETURNING id, agent_key, pattern, created_at`,
		agent, pattern,
	).Scan(&g.ID, &g.Agent, &g.Pattern, &g.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return Grant{}, ErrGrantExists
		}
		return Grant{}, fmt.Errorf("inserting access grant: %w", err)
	}
	return g, nil
}

// Delete removes a grant.
//
// Postcondition: Returns ErrGrantNotFound when no row matched.
func (r *AccessRepository) Delete(ctx context.Context, agent, pattern string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM door_access_grants WHERE agent_key = $1 AND pattern = $2`,
		agent, pattern,
	)
	if err != nil {
		return fmt.Errorf("deleting access grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// ListForAgent returns agent's grants in creation order.
func (r *AccessRepository) ListForAgent(ctx context.Context, agent string) ([]Grant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, agent_key, pattern, created_at
		 FROM door_access_grants WHERE agent_key = $1 ORDER BY id`,
		agent,
	)
	if err != nil {
		return nil, fmt.Errorf("querying access grants: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.ID, &g.Agent, &g.Pattern, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning access grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// LoadAll returns every grant keyed by agent, each list in creation order.
//
// Postcondition: The result is suitable for doors.AccessStore.Replace.
func (r *AccessRepository) LoadAll(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.Query(ctx, `SELECT agent_key, pattern FROM door_access_grants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying access grants: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var agent, pattern string
		if err := rows.Scan(&agent, &pattern); err != nil {
			return nil, fmt.Errorf("scanning access grant: %w", err)
		}
		out[agent] = append(out[agent], pattern)
	}
	return out, rows.Err()
}

// GrantSink receives a complete grant table, keyed by agent.
type GrantSink interface {
	Replace(grants map[string][]string) error
}

// Refresh loads every grant into sink.
//
// Postcondition: Returns the number of agents with grants; sink is untouched on error.
func (r *AccessRepository) Refresh(ctx context.Context, sink GrantSink) (int, error) {
	grants, err := r.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := sink.Replace(grants); err != nil {
		return 0, fmt.Errorf("applying access grants: %w", err)
	}
	return len(grants), nil
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique_violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
