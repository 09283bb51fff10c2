// Package routing orders the provider proxies a request may be sent to.
package routing

import (
	"math/rand/v2"
	"net/http"
	"sort"

	"github.com/vnmchuo/ai-gateway/internal/apierr"
	"github.com/vnmchuo/ai-gateway/internal/keys"
)

// RouteHeader selects a routing group, or a single provider by routing key.
const RouteHeader = "pydantic-ai-gateway-route"

// Rand is the subset of *rand.Rand used for sampling. Pass a seeded
// *rand.Rand for reproducible orderings.
type Rand interface {
	Float64() float64
	Shuffle(n int, swap func(i, j int))
}

type globalRand struct{}

func (globalRand) Float64() float64                   { return rand.Float64() }
func (globalRand) Shuffle(n int, swap func(i, j int)) { rand.Shuffle(n, swap) }

func orDefault(rng Rand) Rand {
	if rng == nil {
		return globalRand{}
	}
	return rng
}

// WeightedRandomSample returns a permutation of items. Items with a positive
// weight are drawn without replacement with probability proportional to
// their weight. Items with weight <= 0 follow in random order.
func WeightedRandomSample[T any](items []T, weight func(T) float64, rng Rand) []T {
	if len(items) <= 1 {
		return append([]T(nil), items...)
	}
	rng = orDefault(rng)

	var (
		positive []T
		weights  []float64
		rest     []T
		total    float64
	)
	for _, it := range items {
		if w := weight(it); w > 0 {
			positive = append(positive, it)
			weights = append(weights, w)
			total += w
		} else {
			rest = append(rest, it)
		}
	}

	out := make([]T, 0, len(items))
	for len(positive) > 0 {
		target := rng.Float64() * total
		idx := len(positive) - 1
		var cum float64
		for i, w := range weights {
			cum += w
			if target < cum {
				idx = i
				break
			}
		}
		out = append(out, positive[idx])
		total -= weights[idx]
		positive = append(positive[:idx], positive[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}

	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	return append(out, rest...)
}

// Candidate is a routing group entry resolved to its provider.
type Candidate struct {
	Proxy    keys.ProviderProxy
	Priority int
	Weight   float64
}

// Order sorts candidates into attempt order: priority buckets from highest
// to lowest, weighted random order inside each bucket.
func Order(cands []Candidate, rng Rand) []Candidate {
	if len(cands) <= 1 {
		return append([]Candidate(nil), cands...)
	}

	buckets := make(map[int][]Candidate)
	var priorities []int
	for _, c := range cands {
		if _, ok := buckets[c.Priority]; !ok {
			priorities = append(priorities, c.Priority)
		}
		buckets[c.Priority] = append(buckets[c.Priority], c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	out := make([]Candidate, 0, len(cands))
	for _, p := range priorities {
		out = append(out, WeightedRandomSample(buckets[p], func(c Candidate) float64 { return c.Weight }, rng)...)
	}
	return out
}

// Resolve returns the provider proxies to try, in order.
//
// With a route name, a routing group of that name wins over a provider with
// the same routing key. Without one, every provider of the key matching
// providerID is used in declared order.
func Resolve(route, providerID string, info *keys.APIKeyInfo, rng Rand) ([]keys.ProviderProxy, error) {
	byKey := make(map[string]keys.ProviderProxy, len(info.Providers))
	for _, p := range info.Providers {
		byKey[p.Key] = p
	}

	if route == "" {
		var out []keys.ProviderProxy
		for _, p := range info.Providers {
			if p.ProviderID == providerID {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return nil, apierr.New(http.StatusForbidden, "Forbidden - Provider not supported by this API Key")
		}
		return out, nil
	}

	if group, ok := info.RoutingGroups[route]; ok {
		cands := make([]Candidate, 0, len(group))
		for i, e := range group {
			p, ok := byKey[e.Key]
			if !ok {
				continue
			}
			c := Candidate{Proxy: p, Priority: -i, Weight: 1}
			if e.Priority != nil {
				c.Priority = *e.Priority
			}
			if e.Weight != nil {
				c.Weight = *e.Weight
			}
			cands = append(cands, c)
		}
		if len(cands) == 0 {
			return nil, apierr.Newf(http.StatusBadRequest, "No providers included in routing group '%s'", route)
		}

		ordered := Order(cands, rng)
		out := make([]keys.ProviderProxy, len(ordered))
		for i, c := range ordered {
			out[i] = c.Proxy
		}
		return out, nil
	}

	if p, ok := byKey[route]; ok {
		return []keys.ProviderProxy{p}, nil
	}

	return nil, apierr.Newf(http.StatusNotFound, "Route not found: %s", route)
}
