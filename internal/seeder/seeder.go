// Package seeder prepares the database at startup and pushes the limits of
// the deployment file into the spend table.
package seeder

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/ai-gateway/config"
	"github.com/vnmchuo/ai-gateway/internal/limits"
)

//go:embed schema.sql
var schema string

const (
	TestAPIKey    = "gw_test-api-key-12345"
	TestProjectID = 1
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ProjectStateChanger invalidates the cached keys of a project.
type ProjectStateChanger interface {
	ChangeProjectState(ctx context.Context, projectID int64) error
}

// ApplySchema creates the tables the gateway needs if they do not exist.
func ApplySchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	slog.Info("database schema applied")
	return nil
}

func update(l config.LimitsConfig, withTotal bool) limits.LimitUpdate {
	u := limits.LimitUpdate{
		limits.ScopeDaily:   l.Daily,
		limits.ScopeWeekly:  l.Weekly,
		limits.ScopeMonthly: l.Monthly,
	}
	if withTotal {
		u[limits.ScopeTotal] = l.Total
	}
	return u
}

// SyncLimits writes the configured limits over the ones stored with existing
// spend rows, then drops every project's cached keys so the new limits are
// read on the next request.
func SyncLimits(ctx context.Context, d *config.Deployment, store limits.Store, states ProjectStateChanger) error {
	for _, p := range d.Projects {
		if err := store.UpdateProjectLimits(ctx, p.ID, update(p.Limits, false)); err != nil {
			return fmt.Errorf("failed to sync project %d limits: %w", p.ID, err)
		}
		for _, u := range p.Users {
			if err := store.UpdateUserLimits(ctx, u.ID, update(u.Limits, false)); err != nil {
				return fmt.Errorf("failed to sync user %d limits: %w", u.ID, err)
			}
		}
	}
	for _, k := range d.APIKeys {
		if err := store.UpdateKeyLimits(ctx, k.ID, update(k.Limits, true)); err != nil {
			return fmt.Errorf("failed to sync key %d limits: %w", k.ID, err)
		}
	}

	for _, p := range d.Projects {
		if err := states.ChangeProjectState(ctx, p.ID); err != nil {
			return err
		}
	}
	slog.Info("limits synced",
		slog.Int("projects", len(d.Projects)),
		slog.Int("keys", len(d.APIKeys)),
	)
	return nil
}

// TestDeployment is a deployment with one key routed to the local test
// provider. It lets the gateway run without a deployment file.
func TestDeployment() *config.Deployment {
	return &config.Deployment{
		Providers: []config.ProviderConfig{
			{Key: "test", ProviderID: "test"},
		},
		Projects: []config.ProjectConfig{
			{ID: TestProjectID, Name: "test"},
		},
		APIKeys: []config.APIKeyConfig{{
			ID:        1,
			Key:       TestAPIKey,
			Project:   TestProjectID,
			Providers: []string{config.AllProviders},
		}},
	}
}
