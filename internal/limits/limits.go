// Package limits stores accumulated spend per (entity, scope, interval) and
// reports which scopes went over their limit on each increment.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type EntityType string

const (
	EntityProject EntityType = "project"
	EntityUser    EntityType = "user"
	EntityKey     EntityType = "key"
)

type Scope string

const (
	ScopeDaily   Scope = "daily"
	ScopeWeekly  Scope = "weekly"
	ScopeMonthly Scope = "monthly"
	ScopeTotal   Scope = "total"
)

// DistantFuture is the interval used by the total scope. It never matches a
// real day index, so total rows never roll over.
const DistantFuture = 1<<31 - 1

var (
	entityCodes = map[EntityType]int16{EntityProject: 1, EntityUser: 2, EntityKey: 3}
	scopeCodes  = map[Scope]int16{ScopeDaily: 1, ScopeWeekly: 2, ScopeMonthly: 3, ScopeTotal: 4}
)

var ErrTotalNotAllowed = errors.New("total limits only apply to keys")

// SpendScope is one counter affected by a request.
type SpendScope struct {
	EntityType EntityType
	EntityID   int64
	Scope      Scope
	Interval   int
	Limit      *float64
}

// ExceededScope identifies a counter whose spend passed its limit.
type ExceededScope struct {
	EntityType EntityType
	Scope      Scope
}

func (e ExceededScope) String() string {
	return fmt.Sprintf("%s-%s", e.EntityType, e.Scope)
}

// Interval is a decoded scope interval.
type Interval struct {
	Date time.Time `json:"date"`
	Raw  int       `json:"raw"`
}

// SpendStatus is one row of the spend report.
type SpendStatus struct {
	EntityID int64     `json:"entityId"`
	Scope    Scope     `json:"scope"`
	Interval *Interval `json:"scopeInterval"`
	Limit    *float64  `json:"limit"`
	Spend    float64   `json:"spend"`
}

// LimitUpdate lists the scopes whose limit should change. A scope present
// with a nil value clears the limit, an absent scope is left untouched.
type LimitUpdate map[Scope]*float64

type Store interface {
	IncrementSpend(ctx context.Context, scopes []SpendScope, amount float64) ([]ExceededScope, error)
	SpendStatus(ctx context.Context, entityType EntityType, entityID *int64) ([]SpendStatus, error)
	UpdateProjectLimits(ctx context.Context, projectID int64, update LimitUpdate) error
	UpdateUserLimits(ctx context.Context, userID int64, update LimitUpdate) error
	UpdateKeyLimits(ctx context.Context, keyID int64, update LimitUpdate) error
}

const secondsPerDay = 24 * 60 * 60

// DayIndex returns the number of whole UTC days since the Unix epoch.
func DayIndex(t time.Time) int {
	return int(t.UTC().Unix() / secondsPerDay)
}

// DayDate is the inverse of DayIndex.
func DayDate(days int) time.Time {
	return time.Unix(int64(days)*secondsPerDay, 0).UTC()
}

func decodeInterval(raw int) *Interval {
	if raw == DistantFuture {
		return nil
	}
	return &Interval{Date: DayDate(raw), Raw: raw}
}

func entityFromCode(code int16) (EntityType, bool) {
	for k, v := range entityCodes {
		if v == code {
			return k, true
		}
	}
	return "", false
}

func scopeFromCode(code int16) (Scope, bool) {
	for k, v := range scopeCodes {
		if v == code {
			return k, true
		}
	}
	return "", false
}

func validateScopes(scopes []SpendScope) error {
	for _, s := range scopes {
		if _, ok := entityCodes[s.EntityType]; !ok {
			return fmt.Errorf("unknown entity type %q", s.EntityType)
		}
		if _, ok := scopeCodes[s.Scope]; !ok {
			return fmt.Errorf("unknown scope %q", s.Scope)
		}
		if s.Scope == ScopeTotal && s.Interval != DistantFuture {
			return fmt.Errorf("total scope must use the distant future interval, got %d", s.Interval)
		}
	}
	return nil
}
