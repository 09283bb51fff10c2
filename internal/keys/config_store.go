package keys

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vnmchuo/ai-gateway/config"
)

// ConfigStore resolves keys declared in the deployment file. Status
// overrides written by DisableKey live in a StatusStore.
type ConfigStore struct {
	deployment *config.Deployment
	byKey      map[string]*config.APIKeyConfig
	statuses   StatusStore
	now        func() time.Time
}

func NewConfigStore(d *config.Deployment, statuses StatusStore) *ConfigStore {
	byKey := make(map[string]*config.APIKeyConfig, len(d.APIKeys))
	for i := range d.APIKeys {
		byKey[d.APIKeys[i].Key] = &d.APIKeys[i]
	}
	return &ConfigStore{deployment: d, byKey: byKey, statuses: statuses, now: time.Now}
}

func (s *ConfigStore) Deployment() *config.Deployment {
	return s.deployment
}

func (s *ConfigStore) GetAPIKey(ctx context.Context, key string) (*APIKeyInfo, error) {
	kc, ok := s.byKey[key]
	if !ok {
		return nil, ErrKeyNotFound
	}

	info := &APIKeyInfo{
		ID:        kc.ID,
		Key:       kc.Key,
		User:      kc.User,
		Project:   kc.Project,
		Status:    StatusActive,
		Providers: s.providers(kc.Providers),
		KeyLimits: fromConfig(kc.Limits),
	}

	if project, ok := s.deployment.Project(kc.Project); ok {
		info.ProjectLimits = fromConfig(project.Limits)
		if project.Otel != nil {
			info.Otel = &OtelSettings{
				WriteToken: project.Otel.WriteToken,
				BaseURL:    project.Otel.BaseURL,
				Protocol:   project.Otel.Protocol,
			}
		}
	}
	if kc.User != nil {
		if user, _, ok := s.deployment.User(*kc.User); ok {
			info.UserLimits = fromConfig(user.Limits)
		}
	}

	if len(kc.RoutingGroups) > 0 {
		info.RoutingGroups = make(map[string][]RouteEntry, len(kc.RoutingGroups))
		for _, g := range kc.RoutingGroups {
			entries := make([]RouteEntry, 0, len(g.Entries))
			for _, e := range g.Entries {
				entries = append(entries, RouteEntry{Key: e.Key, Priority: e.Priority, Weight: e.Weight})
			}
			info.RoutingGroups[g.Name] = entries
		}
	}

	if kc.Expires != nil && !kc.Expires.After(s.now()) {
		info.Status = StatusExpired
		return info, nil
	}

	rec, err := s.statuses.GetStatus(ctx, kc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key status: %w", err)
	}
	if rec != nil {
		info.Status = rec.Status
	}

	return info, nil
}

func (s *ConfigStore) DisableKey(ctx context.Context, id int64, reason string, status KeyStatus, ttl *time.Duration) error {
	slog.Warn("disabling api key",
		slog.Int64("key_id", id),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
	return s.statuses.SetStatus(ctx, id, reason, status, ttl)
}

func (s *ConfigStore) providers(names []string) []ProviderProxy {
	var out []ProviderProxy
	for _, name := range names {
		if name == config.AllProviders {
			out = out[:0]
			for _, p := range s.deployment.Providers {
				out = append(out, toProxy(p))
			}
			return out
		}
		if p, ok := s.deployment.Provider(name); ok {
			out = append(out, toProxy(p))
		}
	}
	return out
}

func toProxy(p config.ProviderConfig) ProviderProxy {
	return ProviderProxy{
		Key:         p.Key,
		ProviderID:  p.ProviderID,
		BaseURL:     p.BaseURL,
		Credentials: p.Credentials,
		InjectCost:  p.InjectCost,
		DisableKey:  p.DisableKey,
		Profile:     p.Profile,
	}
}

func fromConfig(l config.LimitsConfig) Limits {
	return Limits{Daily: l.Daily, Weekly: l.Weekly, Monthly: l.Monthly, Total: l.Total}
}
