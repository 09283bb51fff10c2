// Package spend turns the cost of a request into spend increments across the
// key, project and user scopes, and disables the key when a limit is passed.
package spend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/limits"
)

// Disabler blocks a key in the store and in the auth cache.
type Disabler interface {
	Disable(ctx context.Context, info *keys.APIKeyInfo, reason string, status keys.KeyStatus, ttl *time.Duration) error
}

type Accountant struct {
	store    limits.Store
	disabler Disabler
	now      func() time.Time
}

func NewAccountant(store limits.Store, disabler Disabler) *Accountant {
	return &Accountant{store: store, disabler: disabler, now: time.Now}
}

// Scopes lists every counter a request by info touches at now. User scopes
// are only present when the key belongs to a user.
func Scopes(info *keys.APIKeyInfo, now time.Time) []limits.SpendScope {
	day := limits.DayIndex(now)
	week := limits.DayIndex(StartOfWeek(now))
	month := limits.DayIndex(StartOfMonth(now))

	periodic := func(et limits.EntityType, id int64, l keys.Limits) []limits.SpendScope {
		return []limits.SpendScope{
			{EntityType: et, EntityID: id, Scope: limits.ScopeDaily, Interval: day, Limit: l.Daily},
			{EntityType: et, EntityID: id, Scope: limits.ScopeWeekly, Interval: week, Limit: l.Weekly},
			{EntityType: et, EntityID: id, Scope: limits.ScopeMonthly, Interval: month, Limit: l.Monthly},
		}
	}

	scopes := periodic(limits.EntityKey, info.ID, info.KeyLimits)
	scopes = append(scopes, limits.SpendScope{
		EntityType: limits.EntityKey,
		EntityID:   info.ID,
		Scope:      limits.ScopeTotal,
		Interval:   limits.DistantFuture,
		Limit:      info.KeyLimits.Total,
	})
	scopes = append(scopes, periodic(limits.EntityProject, info.Project, info.ProjectLimits)...)
	if info.User != nil {
		scopes = append(scopes, periodic(limits.EntityUser, *info.User, info.UserLimits)...)
	}
	return scopes
}

// Record adds cost to every scope of info in one store call. When any scope
// goes over its limit the key is disabled until the end of the largest
// exceeded period, or for good if the total limit was passed.
func (a *Accountant) Record(ctx context.Context, info *keys.APIKeyInfo, cost float64) error {
	now := a.now()
	exceeded, err := a.store.IncrementSpend(ctx, Scopes(info, now), cost)
	if err != nil {
		return fmt.Errorf("failed to record spend for key %d: %w", info.ID, err)
	}
	slog.Debug("spend recorded",
		slog.Int64("key_id", info.ID),
		slog.Float64("cost", cost),
		slog.Int("exceeded", len(exceeded)),
	)
	if len(exceeded) == 0 {
		return nil
	}

	names := make([]string, len(exceeded))
	for i, e := range exceeded {
		names[i] = e.String()
	}
	reason := "limits exceeded: " + strings.Join(names, ", ")
	ttl := DisableTTL(exceeded, now)
	return a.disabler.Disable(ctx, info, reason, keys.StatusLimitExceeded, ttl)
}

var scopeRank = map[limits.Scope]int{
	limits.ScopeDaily:   1,
	limits.ScopeWeekly:  2,
	limits.ScopeMonthly: 3,
	limits.ScopeTotal:   4,
}

// DisableTTL is how long a key stays disabled after exceeding scopes at now.
// Nil means permanently.
func DisableTTL(exceeded []limits.ExceededScope, now time.Time) *time.Duration {
	var largest limits.Scope
	for _, e := range exceeded {
		if scopeRank[e.Scope] > scopeRank[largest] {
			largest = e.Scope
		}
	}

	var end time.Time
	switch largest {
	case limits.ScopeTotal:
		return nil
	case limits.ScopeMonthly:
		end = EndOfMonth(now)
	case limits.ScopeWeekly:
		end = EndOfWeek(now)
	default:
		end = EndOfDay(now)
	}
	ttl := end.Sub(now).Truncate(time.Second)
	if ttl < time.Second {
		ttl = time.Second
	}
	return &ttl
}
