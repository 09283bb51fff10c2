// Package billing keeps a per-request usage log of priced responses, next
// to the spend counters the limit store maintains.
package billing

import (
	"context"
	"time"
)

type UsageLog struct {
	ID            int64
	KeyID         int64
	ProjectID     int64
	RequestID     string
	ProviderKey   string // routing key of the provider proxy that answered
	ProviderID    string
	RequestModel  string
	ResponseModel string
	InputTokens   int64
	OutputTokens  int64
	CostUSD       float64
	Streamed      bool
	LatencyMs     int64
	CreatedAt     time.Time
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByKey(ctx context.Context, keyID int64, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByProject(ctx context.Context, projectID int64, from, to time.Time) (float64, error)
}
