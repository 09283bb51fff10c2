package limits

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps spend rows in the "spend" table. Every mutation is a
// single statement, which makes a multi-scope increment atomic.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) IncrementSpend(ctx context.Context, scopes []SpendScope, amount float64) ([]ExceededScope, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	if err := validateScopes(scopes); err != nil {
		return nil, err
	}

	args := []any{amount}
	values := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		n := len(args)
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $1)", n+1, n+2, n+3, n+4, n+5))
		args = append(args, entityCodes[sc.EntityType], sc.EntityID, scopeCodes[sc.Scope], sc.Interval, sc.Limit)
	}

	query := `
		INSERT INTO spend (entity_type, entity_id, scope, scope_interval, spending_limit, spend)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (entity_type, entity_id, scope, scope_interval)
		DO UPDATE SET spend = spend.spend + EXCLUDED.spend
		RETURNING entity_type, scope, COALESCE(spend > spending_limit, false)
	`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to increment spend: %w", err)
	}
	defer rows.Close()

	var exceeded []ExceededScope
	for rows.Next() {
		var (
			entityCode, scopeCode int16
			over                  bool
		)
		if err := rows.Scan(&entityCode, &scopeCode, &over); err != nil {
			return nil, fmt.Errorf("failed to scan spend row: %w", err)
		}
		if !over {
			continue
		}
		et, _ := entityFromCode(entityCode)
		sc, _ := scopeFromCode(scopeCode)
		exceeded = append(exceeded, ExceededScope{EntityType: et, Scope: sc})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spend rows: %w", err)
	}

	return exceeded, nil
}

func (s *PostgresStore) SpendStatus(ctx context.Context, entityType EntityType, entityID *int64) ([]SpendStatus, error) {
	code, ok := entityCodes[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	query := `
		SELECT entity_id, scope, scope_interval, spending_limit, spend
		FROM spend
		WHERE entity_type = $1`
	args := []any{code}
	if entityID != nil {
		query += ` AND entity_id = $2`
		args = append(args, *entityID)
	}
	query += ` ORDER BY entity_id, scope, scope_interval`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query spend status: %w", err)
	}
	defer rows.Close()

	var out []SpendStatus
	for rows.Next() {
		var (
			st        SpendStatus
			scopeCode int16
			interval  int
		)
		if err := rows.Scan(&st.EntityID, &scopeCode, &interval, &st.Limit, &st.Spend); err != nil {
			return nil, fmt.Errorf("failed to scan spend status: %w", err)
		}
		st.Scope, _ = scopeFromCode(scopeCode)
		st.Interval = decodeInterval(interval)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spend status: %w", err)
	}

	return out, nil
}

func (s *PostgresStore) UpdateProjectLimits(ctx context.Context, projectID int64, update LimitUpdate) error {
	if _, ok := update[ScopeTotal]; ok {
		return ErrTotalNotAllowed
	}
	return s.updateLimits(ctx, EntityProject, projectID, update)
}

func (s *PostgresStore) UpdateUserLimits(ctx context.Context, userID int64, update LimitUpdate) error {
	if _, ok := update[ScopeTotal]; ok {
		return ErrTotalNotAllowed
	}
	return s.updateLimits(ctx, EntityUser, userID, update)
}

func (s *PostgresStore) UpdateKeyLimits(ctx context.Context, keyID int64, update LimitUpdate) error {
	return s.updateLimits(ctx, EntityKey, keyID, update)
}

func (s *PostgresStore) updateLimits(ctx context.Context, entityType EntityType, entityID int64, update LimitUpdate) error {
	if len(update) == 0 {
		return nil
	}

	scopes := make([]Scope, 0, len(update))
	for sc := range update {
		if _, ok := scopeCodes[sc]; !ok {
			return fmt.Errorf("unknown scope %q", sc)
		}
		scopes = append(scopes, sc)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopeCodes[scopes[i]] < scopeCodes[scopes[j]] })

	args := []any{entityCodes[entityType], entityID}
	values := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		n := len(args)
		values = append(values, fmt.Sprintf("($%d::smallint, $%d::double precision)", n+1, n+2))
		args = append(args, scopeCodes[sc], update[sc])
	}

	query := `
		UPDATE spend SET spending_limit = v.lim
		FROM (VALUES ` + strings.Join(values, ", ") + `) AS v(scope, lim)
		WHERE spend.entity_type = $1 AND spend.entity_id = $2 AND spend.scope = v.scope
	`
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s limits: %w", entityType, err)
	}
	return nil
}
