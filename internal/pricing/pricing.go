// Package pricing estimates the USD cost of a request from its token usage.
//
// The price table ships embedded in the binary and can be refreshed from a
// remote URL. A refresh is triggered by requests, runs in the background and
// never delays the triggering request.
package pricing

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/metrics"
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
)

//go:embed prices.json
var embeddedPrices []byte

// RefreshTTL is how long fetched price data is considered fresh. A failed
// fetch is retried no sooner than retryBackoff later.
const RefreshTTL = 30 * time.Minute

const (
	fetchTimeout = 10 * time.Second
	retryBackoff = time.Minute
)

type Match struct {
	StartsWith []string `json:"starts_with,omitempty"`
	Contains   []string `json:"contains,omitempty"`
}

// ModelPrice holds USD prices per million tokens. Zero cache and audio
// prices fall back to the plain input or output price.
type ModelPrice struct {
	ID                 string  `json:"id"`
	Match              Match   `json:"match"`
	InputMTok          float64 `json:"input_mtok"`
	OutputMTok         float64 `json:"output_mtok"`
	CacheReadMTok      float64 `json:"cache_read_mtok,omitempty"`
	CacheWriteMTok     float64 `json:"cache_write_mtok,omitempty"`
	InputAudioMTok     float64 `json:"input_audio_mtok,omitempty"`
	CacheAudioReadMTok float64 `json:"cache_audio_read_mtok,omitempty"`
	OutputAudioMTok    float64 `json:"output_audio_mtok,omitempty"`
}

type Provider struct {
	ID     string       `json:"id"`
	Models []ModelPrice `json:"models"`
}

type Table struct {
	Providers []Provider `json:"providers"`
}

func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := jsonutil.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse price table: %w", err)
	}
	if len(t.Providers) == 0 {
		return nil, errors.New("price table has no providers")
	}
	return &t, nil
}

// Calculator looks up prices in the current table. It is safe for
// concurrent use.
type Calculator struct {
	mu          sync.RWMutex
	providers   map[string][]ModelPrice
	fetchedAt   time.Time
	attemptedAt time.Time

	url     string
	client  *http.Client
	group   singleflight.Group
	metrics *metrics.Registry
	now     func() time.Time
}

// New loads the embedded table. remoteURL may be empty to disable refresh.
func New(remoteURL string, m *metrics.Registry) (*Calculator, error) {
	t, err := ParseTable(embeddedPrices)
	if err != nil {
		return nil, err
	}
	c := &Calculator{
		url:     remoteURL,
		client:  &http.Client{Timeout: fetchTimeout},
		metrics: m,
		now:     time.Now,
	}
	c.setTable(t, time.Time{})
	return c, nil
}

func (c *Calculator) setTable(t *Table, fetchedAt time.Time) {
	providers := make(map[string][]ModelPrice, len(t.Providers))
	for _, p := range t.Providers {
		providers[strings.ToLower(p.ID)] = p.Models
	}
	c.mu.Lock()
	c.providers = providers
	c.fetchedAt = fetchedAt
	c.mu.Unlock()
}

// Find returns the price entry for model under provider. An exact id match
// wins, then the longest matching rule.
func (c *Calculator) Find(model, provider string) (ModelPrice, bool) {
	c.mu.RLock()
	models := c.providers[strings.ToLower(provider)]
	c.mu.RUnlock()

	model = strings.ToLower(model)
	var (
		best    ModelPrice
		bestLen = -1
	)
	for _, m := range models {
		if strings.ToLower(m.ID) == model {
			return m, true
		}
		for _, prefix := range m.Match.StartsWith {
			if strings.HasPrefix(model, strings.ToLower(prefix)) && len(prefix) > bestLen {
				best, bestLen = m, len(prefix)
			}
		}
		for _, sub := range m.Match.Contains {
			if strings.Contains(model, strings.ToLower(sub)) && len(sub) > bestLen {
				best, bestLen = m, len(sub)
			}
		}
	}
	return best, bestLen >= 0
}

// Price returns the cost of usage in USD, or false when the model has no
// price entry.
func (c *Calculator) Price(u modelapi.Usage, model, provider string) (float64, bool) {
	p, ok := c.Find(model, provider)
	if !ok {
		return 0, false
	}
	return p.Cost(u), true
}

// Cost prices usage. Cached and audio tokens are subsets of InputTokens and
// are charged at their own rate instead of the plain input rate.
func (p ModelPrice) Cost(u modelapi.Usage) float64 {
	uncachedAudio := max(u.InputAudioTokens-u.CacheAudioReadTokens, 0)
	cachedText := max(u.CacheReadTokens-u.CacheAudioReadTokens, 0)
	text := max(u.InputTokens-u.CacheReadTokens-u.CacheWriteTokens-uncachedAudio, 0)
	outputText := max(u.OutputTokens-u.OutputAudioTokens, 0)

	total := float64(text)*p.InputMTok +
		float64(cachedText)*or(p.CacheReadMTok, p.InputMTok) +
		float64(u.CacheWriteTokens)*or(p.CacheWriteMTok, p.InputMTok) +
		float64(uncachedAudio)*or(p.InputAudioMTok, p.InputMTok) +
		float64(u.CacheAudioReadTokens)*or(p.CacheAudioReadMTok, or(p.CacheReadMTok, p.InputMTok)) +
		float64(outputText)*p.OutputMTok +
		float64(u.OutputAudioTokens)*or(p.OutputAudioMTok, p.OutputMTok)
	return total / 1_000_000
}

func or(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

// MaybeRefresh starts a background refresh when the table is older than
// RefreshTTL. Concurrent callers share one fetch; the call never blocks.
func (c *Calculator) MaybeRefresh() {
	if c.url == "" {
		return
	}
	now := c.now()
	c.mu.Lock()
	fresh := !c.fetchedAt.IsZero() && now.Sub(c.fetchedAt) < RefreshTTL
	recent := !c.attemptedAt.IsZero() && now.Sub(c.attemptedAt) < retryBackoff
	if fresh || recent {
		c.mu.Unlock()
		return
	}
	c.attemptedAt = now
	c.mu.Unlock()

	go func() {
		_, _, _ = c.group.Do("refresh", func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
			defer cancel()
			if err := c.Refresh(ctx); err != nil {
				slog.Error("failed to refresh price table", slog.Any("error", err))
				c.metrics.RecordPriceRefresh("error")
				return nil, err
			}
			c.metrics.RecordPriceRefresh("ok")
			return nil, nil
		})
	}()
}

// Refresh fetches the remote table and swaps it in.
func (c *Calculator) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build price request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch prices: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read prices: %w", err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return err
	}
	c.setTable(t, c.now())
	slog.Debug("price table refreshed", slog.Int("providers", len(t.Providers)))
	return nil
}
