package spend

import (
	"context"
	"testing"
	"time"

	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/limits"
)

func limit(v float64) *float64 { return &v }

type disableCall struct {
	reason string
	status keys.KeyStatus
	ttl    *time.Duration
}

type mockDisabler struct {
	calls []disableCall
}

func (m *mockDisabler) Disable(_ context.Context, info *keys.APIKeyInfo, reason string, status keys.KeyStatus, ttl *time.Duration) error {
	info.Status = status
	m.calls = append(m.calls, disableCall{reason, status, ttl})
	return nil
}

func date(s string) time.Time {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestEndOfWeek(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"2024-01-07 10:00:00", "2024-01-07 23:59:59"}, // Sunday
		{"2024-01-08 00:00:00", "2024-01-14 23:59:59"}, // Monday
		{"2024-01-10 18:30:00", "2024-01-14 23:59:59"},
		{"2024-12-30 12:00:00", "2025-01-05 23:59:59"},
	}
	for _, tt := range tests {
		if got := EndOfWeek(date(tt.in)); !got.Equal(date(tt.want)) {
			t.Errorf("EndOfWeek(%s): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestEndOfMonthAndDay(t *testing.T) {
	if got := EndOfMonth(date("2024-02-10 08:00:00")); !got.Equal(date("2024-02-29 23:59:59")) {
		t.Errorf("Expected leap day end, got %s", got)
	}
	if got := EndOfMonth(date("2024-12-31 23:59:59")); !got.Equal(date("2024-12-31 23:59:59")) {
		t.Errorf("Expected december end, got %s", got)
	}
	if got := EndOfDay(date("2024-03-01 00:00:01")); !got.Equal(date("2024-03-01 23:59:59")) {
		t.Errorf("Expected end of day, got %s", got)
	}
}

func TestStartOfWeek(t *testing.T) {
	if got := StartOfWeek(date("2024-01-07 10:00:00")); !got.Equal(date("2024-01-01 00:00:00")) {
		t.Errorf("Expected Monday before a Sunday, got %s", got)
	}
	if got := StartOfWeek(date("2024-01-08 10:00:00")); !got.Equal(date("2024-01-08 00:00:00")) {
		t.Errorf("Expected Monday itself, got %s", got)
	}
}

func TestScopes(t *testing.T) {
	now := date("2024-01-10 12:00:00")
	user := int64(5)
	info := &keys.APIKeyInfo{
		ID:            1,
		Project:       2,
		KeyLimits:     keys.Limits{Daily: limit(1), Total: limit(100)},
		ProjectLimits: keys.Limits{Monthly: limit(50)},
	}

	scopes := Scopes(info, now)
	if len(scopes) != 7 {
		t.Fatalf("Expected 7 scopes without a user, got %d", len(scopes))
	}
	for _, s := range scopes {
		switch {
		case s.EntityType == limits.EntityKey && s.Scope == limits.ScopeTotal:
			if s.Interval != limits.DistantFuture || *s.Limit != 100 {
				t.Errorf("Unexpected total scope %+v", s)
			}
		case s.EntityType == limits.EntityKey && s.Scope == limits.ScopeWeekly:
			if s.Interval != limits.DayIndex(date("2024-01-08 00:00:00")) || s.Limit != nil {
				t.Errorf("Unexpected weekly scope %+v", s)
			}
		case s.EntityType == limits.EntityProject && s.Scope == limits.ScopeMonthly:
			if s.Interval != limits.DayIndex(date("2024-01-01 00:00:00")) || *s.Limit != 50 {
				t.Errorf("Unexpected monthly scope %+v", s)
			}
		}
	}

	info.User = &user
	if got := len(Scopes(info, now)); got != 10 {
		t.Errorf("Expected 10 scopes with a user, got %d", got)
	}
}

func TestRecord_SecondIncrementDisables(t *testing.T) {
	store := limits.NewMemoryStore()
	d := &mockDisabler{}
	a := NewAccountant(store, d)
	now := date("2024-01-10 12:00:00")
	a.now = func() time.Time { return now }

	info := &keys.APIKeyInfo{ID: 1, Project: 2, Status: keys.StatusActive, KeyLimits: keys.Limits{Daily: limit(2)}}
	if err := a.Record(context.Background(), info, 1.5); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(d.calls) != 0 {
		t.Fatalf("Expected no disable after the first increment, got %v", d.calls)
	}

	if err := a.Record(context.Background(), info, 1.5); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(d.calls) != 1 {
		t.Fatalf("Expected 1 disable, got %d", len(d.calls))
	}
	call := d.calls[0]
	if call.reason != "limits exceeded: key-daily" || call.status != keys.StatusLimitExceeded {
		t.Errorf("Unexpected disable %+v", call)
	}
	want := date("2024-01-10 23:59:59").Sub(now)
	if call.ttl == nil || (*call.ttl-want).Abs() > 2*time.Second {
		t.Errorf("Expected ttl %v, got %v", want, call.ttl)
	}
	if info.Status != keys.StatusLimitExceeded {
		t.Errorf("Expected info status updated, got %s", info.Status)
	}
}

func TestDisableTTL(t *testing.T) {
	now := date("2024-01-10 12:00:00")

	ttl := DisableTTL([]limits.ExceededScope{
		{EntityType: limits.EntityKey, Scope: limits.ScopeDaily},
		{EntityType: limits.EntityProject, Scope: limits.ScopeWeekly},
	}, now)
	if ttl == nil || *ttl != date("2024-01-14 23:59:59").Sub(now) {
		t.Errorf("Expected weekly boundary, got %v", ttl)
	}

	ttl = DisableTTL([]limits.ExceededScope{
		{EntityType: limits.EntityUser, Scope: limits.ScopeMonthly},
		{EntityType: limits.EntityKey, Scope: limits.ScopeWeekly},
	}, now)
	if ttl == nil || *ttl != date("2024-01-31 23:59:59").Sub(now) {
		t.Errorf("Expected monthly boundary, got %v", ttl)
	}

	if ttl := DisableTTL([]limits.ExceededScope{
		{EntityType: limits.EntityKey, Scope: limits.ScopeTotal},
		{EntityType: limits.EntityKey, Scope: limits.ScopeDaily},
	}, now); ttl != nil {
		t.Errorf("Expected a permanent disable for total, got %v", *ttl)
	}
}

func TestRecord_TotalIsPermanent(t *testing.T) {
	d := &mockDisabler{}
	a := NewAccountant(limits.NewMemoryStore(), d)
	info := &keys.APIKeyInfo{ID: 9, Project: 1, KeyLimits: keys.Limits{Total: limit(1)}}

	if err := a.Record(context.Background(), info, 5); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(d.calls) != 1 || d.calls[0].ttl != nil || d.calls[0].reason != "limits exceeded: key-total" {
		t.Errorf("Expected a permanent key-total disable, got %+v", d.calls)
	}
}
