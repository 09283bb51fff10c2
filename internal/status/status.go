// Package status reports configured limits next to recorded spend for every
// project, user and key of the deployment.
package status

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/ai-gateway/config"
	"github.com/vnmchuo/ai-gateway/internal/apierr"
	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/limits"
)

type Entity struct {
	ID           int64                `json:"id"`
	Name         string               `json:"name"`
	LimitDaily   *float64             `json:"spendingLimitDaily,omitempty"`
	LimitWeekly  *float64             `json:"spendingLimitWeekly,omitempty"`
	LimitMonthly *float64             `json:"spendingLimitMonthly,omitempty"`
	Spend        []limits.SpendStatus `json:"spend"`
}

type Project struct {
	Entity
	Users []Entity `json:"users"`
}

type Key struct {
	Entity
	Expires    *time.Time `json:"expires,omitempty"`
	LimitTotal *float64   `json:"spendingLimitTotal,omitempty"`
}

type Report struct {
	Projects []Project `json:"projects"`
	Keys     []Key     `json:"keys"`
}

type Handler struct {
	deployment *config.Deployment
	store      limits.Store
	authKey    string
}

func NewHandler(d *config.Deployment, store limits.Store, authKey string) *Handler {
	return &Handler{deployment: d, store: store, authKey: authKey}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r); err != nil {
		apierr.Write(w, err)
		return
	}

	report, err := h.Report(r.Context())
	if err != nil {
		slog.Error("failed to build status report", slog.Any("error", err))
		apierr.Write(w, err)
		return
	}
	body, err := jsonutil.MarshalIndent(report)
	if err != nil {
		slog.Error("failed to encode status report", slog.Any("error", err))
		apierr.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) authorize(r *http.Request) error {
	if strings.EqualFold(h.authKey, config.DefaultStatusAuthKey) {
		return apierr.New(http.StatusInternalServerError, "Default Password Detected, please change STATUS_AUTH_API_KEY!")
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return apierr.New(http.StatusUnauthorized, `Unauthorized - Missing "Authorization" Header`)
	}
	key := header
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		key = header[7:]
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.authKey)) != 1 {
		return apierr.New(http.StatusUnauthorized, "Unauthorized - Invalid API Key")
	}
	return nil
}

// Report reads the spend of every entity type once and groups it by the
// deployment's projects, users and keys.
func (h *Handler) Report(ctx context.Context) (*Report, error) {
	spend := make(map[limits.EntityType]map[int64][]limits.SpendStatus, 3)
	for _, et := range []limits.EntityType{limits.EntityProject, limits.EntityUser, limits.EntityKey} {
		rows, err := h.store.SpendStatus(ctx, et, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s spend: %w", et, err)
		}
		byID := make(map[int64][]limits.SpendStatus)
		for _, row := range rows {
			byID[row.EntityID] = append(byID[row.EntityID], row)
		}
		spend[et] = byID
	}

	report := &Report{Projects: []Project{}, Keys: []Key{}}
	for _, p := range h.deployment.Projects {
		project := Project{
			Entity: entity(p.ID, p.Name, p.Limits, spend[limits.EntityProject][p.ID]),
			Users:  []Entity{},
		}
		for _, u := range p.Users {
			project.Users = append(project.Users, entity(u.ID, u.Name, u.Limits, spend[limits.EntityUser][u.ID]))
		}
		report.Projects = append(report.Projects, project)
	}
	for _, k := range h.deployment.APIKeys {
		report.Keys = append(report.Keys, Key{
			Entity:     entity(k.ID, mask(k.Key), k.Limits, spend[limits.EntityKey][k.ID]),
			Expires:    k.Expires,
			LimitTotal: k.Limits.Total,
		})
	}
	return report, nil
}

func entity(id int64, name string, l config.LimitsConfig, spend []limits.SpendStatus) Entity {
	if spend == nil {
		spend = []limits.SpendStatus{}
	}
	return Entity{
		ID:           id,
		Name:         name,
		LimitDaily:   l.Daily,
		LimitWeekly:  l.Weekly,
		LimitMonthly: l.Monthly,
		Spend:        spend,
	}
}

func mask(key string) string {
	if len(key) > 5 {
		key = key[:5]
	}
	return key + "..."
}
