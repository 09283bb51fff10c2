package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AllProviders in an API key's provider list grants every configured provider.
const AllProviders = "__all__"

// Deployment is the static description of providers, projects and API keys.
// It is read from a YAML, JSON or TOML file (format chosen by extension).
//
// Every user supplied identifier lives in a list rather than a map key,
// because viper lowercases map keys.
type Deployment struct {
	Providers []ProviderConfig `mapstructure:"providers"`
	Projects  []ProjectConfig  `mapstructure:"projects"`
	APIKeys   []APIKeyConfig   `mapstructure:"api_keys"`
}

// ProviderConfig is one upstream target. Key is the routing key referenced by
// API keys and routing groups; ProviderID selects the adapter.
type ProviderConfig struct {
	Key         string `mapstructure:"key"`
	ProviderID  string `mapstructure:"provider_id"`
	BaseURL     string `mapstructure:"base_url"`
	Credentials string `mapstructure:"credentials"` // ${VAR} references are expanded from the environment
	InjectCost  bool   `mapstructure:"inject_cost"`
	DisableKey  *bool  `mapstructure:"disable_key"` // nil means true
	Profile     string `mapstructure:"profile"`
}

type LimitsConfig struct {
	Daily   *float64 `mapstructure:"daily"`
	Weekly  *float64 `mapstructure:"weekly"`
	Monthly *float64 `mapstructure:"monthly"`
	Total   *float64 `mapstructure:"total"` // keys only
}

// OtelConfig sends a project's spans to its own OTLP/HTTP collector.
type OtelConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	WriteToken string `mapstructure:"write_token"`
	Protocol   string `mapstructure:"protocol"` // "http/protobuf" or "http/json"
}

type UserConfig struct {
	ID     int64        `mapstructure:"id"`
	Name   string       `mapstructure:"name"`
	Limits LimitsConfig `mapstructure:"limits"`
}

type ProjectConfig struct {
	ID     int64        `mapstructure:"id"`
	Name   string       `mapstructure:"name"`
	Limits LimitsConfig `mapstructure:"limits"`
	Users  []UserConfig `mapstructure:"users"`
	Otel   *OtelConfig  `mapstructure:"otel"`
}

type RouteEntryConfig struct {
	Key      string   `mapstructure:"key"`
	Priority *int     `mapstructure:"priority"`
	Weight   *float64 `mapstructure:"weight"`
}

type RoutingGroupConfig struct {
	Name    string             `mapstructure:"name"`
	Entries []RouteEntryConfig `mapstructure:"entries"`
}

type APIKeyConfig struct {
	ID            int64                `mapstructure:"id"`
	Key           string               `mapstructure:"key"`
	Project       int64                `mapstructure:"project"`
	User          *int64               `mapstructure:"user"`
	Expires       *time.Time           `mapstructure:"expires"`
	Limits        LimitsConfig         `mapstructure:"limits"`
	Providers     []string             `mapstructure:"providers"`
	RoutingGroups []RoutingGroupConfig `mapstructure:"routing_groups"`
}

// LoadDeployment reads and validates the deployment file at path.
func LoadDeployment(path string) (*Deployment, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read deployment config: %w", err)
	}

	var d Deployment
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&d, hook); err != nil {
		return nil, fmt.Errorf("failed to decode deployment config: %w", err)
	}

	for i := range d.Providers {
		d.Providers[i].Credentials = os.ExpandEnv(d.Providers[i].Credentials)
		d.Providers[i].BaseURL = os.ExpandEnv(d.Providers[i].BaseURL)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks cross references between providers, projects, users and keys.
func (d *Deployment) Validate() error {
	var errs []error

	providers := make(map[string]bool, len(d.Providers))
	for _, p := range d.Providers {
		switch {
		case p.Key == "":
			errs = append(errs, errors.New("provider with empty key"))
		case p.ProviderID == "":
			errs = append(errs, fmt.Errorf("provider %q has no provider_id", p.Key))
		case providers[p.Key]:
			errs = append(errs, fmt.Errorf("duplicate provider key %q", p.Key))
		}
		providers[p.Key] = true
	}

	projects := make(map[int64]bool, len(d.Projects))
	userProject := make(map[int64]int64)
	for _, p := range d.Projects {
		if projects[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate project id %d", p.ID))
		}
		projects[p.ID] = true
		if p.Limits.Total != nil {
			errs = append(errs, fmt.Errorf("project %d: total limits only apply to keys", p.ID))
		}
		for _, u := range p.Users {
			if _, ok := userProject[u.ID]; ok {
				errs = append(errs, fmt.Errorf("duplicate user id %d", u.ID))
			}
			userProject[u.ID] = p.ID
			if u.Limits.Total != nil {
				errs = append(errs, fmt.Errorf("user %d: total limits only apply to keys", u.ID))
			}
		}
	}

	keyIDs := make(map[int64]bool, len(d.APIKeys))
	keyValues := make(map[string]bool, len(d.APIKeys))
	for _, k := range d.APIKeys {
		if keyIDs[k.ID] {
			errs = append(errs, fmt.Errorf("duplicate api key id %d", k.ID))
		}
		keyIDs[k.ID] = true
		if k.Key == "" {
			errs = append(errs, fmt.Errorf("api key %d has an empty key", k.ID))
		} else if keyValues[k.Key] {
			errs = append(errs, fmt.Errorf("api key %d reuses a key value", k.ID))
		}
		keyValues[k.Key] = true

		if !projects[k.Project] {
			errs = append(errs, fmt.Errorf("api key %d: unknown project %d", k.ID, k.Project))
		}
		if k.User != nil {
			if pid, ok := userProject[*k.User]; !ok {
				errs = append(errs, fmt.Errorf("api key %d: unknown user %d", k.ID, *k.User))
			} else if pid != k.Project {
				errs = append(errs, fmt.Errorf("api key %d: user %d belongs to project %d", k.ID, *k.User, pid))
			}
		}
		for _, name := range k.Providers {
			if name != AllProviders && !providers[name] {
				errs = append(errs, fmt.Errorf("api key %d: unknown provider %q", k.ID, name))
			}
		}
		for _, g := range k.RoutingGroups {
			if g.Name == "" {
				errs = append(errs, fmt.Errorf("api key %d: routing group with empty name", k.ID))
			}
			for _, e := range g.Entries {
				if !providers[e.Key] {
					errs = append(errs, fmt.Errorf("api key %d: routing group %q references unknown provider %q", k.ID, g.Name, e.Key))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid deployment config: %w", errors.Join(errs...))
	}
	return nil
}

// Provider returns the provider with the given routing key.
func (d *Deployment) Provider(key string) (ProviderConfig, bool) {
	for _, p := range d.Providers {
		if p.Key == key {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Project returns the project with the given id.
func (d *Deployment) Project(id int64) (ProjectConfig, bool) {
	for _, p := range d.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

// User returns a user and its project.
func (d *Deployment) User(id int64) (UserConfig, ProjectConfig, bool) {
	for _, p := range d.Projects {
		for _, u := range p.Users {
			if u.ID == id {
				return u, p, true
			}
		}
	}
	return UserConfig{}, ProjectConfig{}, false
}
