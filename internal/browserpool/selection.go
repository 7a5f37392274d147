package browserpool

import (
	"math/rand"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

func xxhashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Strategy picks a preferred endpoint index for a target URL, given the
// current per-endpoint health snapshot. Returns -1 if every endpoint is
// unhealthy — callers still probe all of them in sequence (spec §4.D).
type Strategy interface {
	Select(rawURL string, healthy []bool) int
}

// StrategyType names a Strategy for config/env parsing.
type StrategyType string

const (
	RoundRobin StrategyType = "round-robin"
	Random     StrategyType = "random"
	PerDomain  StrategyType = "per-domain"
)

// ParseStrategyType maps BROWSER_SELECTION values to a StrategyType,
// defaulting to RoundRobin on an unrecognized or empty value.
func ParseStrategyType(s string) StrategyType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "random":
		return Random
	case "per-domain", "perdomain", "per_domain":
		return PerDomain
	default:
		return RoundRobin
	}
}

// NewStrategy builds the Strategy for n endpoints.
func NewStrategy(t StrategyType, n int) Strategy {
	switch t {
	case Random:
		return &randomStrategy{n: n}
	case PerDomain:
		return newPerDomainStrategy(n)
	default:
		return &roundRobinStrategy{n: n}
	}
}

type roundRobinStrategy struct {
	n    int
	next uint64
}

func (s *roundRobinStrategy) Select(rawURL string, healthy []bool) int {
	if s.n == 0 || !anyHealthy(healthy) {
		return -1
	}
	idx := atomic.AddUint64(&s.next, 1) - 1
	return int(idx % uint64(s.n))
}

type randomStrategy struct{ n int }

func (s *randomStrategy) Select(rawURL string, healthy []bool) int {
	if s.n == 0 || !anyHealthy(healthy) {
		return -1
	}
	return rand.Intn(s.n)
}

// perDomainStrategy uses rendezvous (highest random weight) hashing so a
// given host consistently prefers the same endpoint while load still
// spreads across the fleet and re-hashes minimally when membership changes.
type perDomainStrategy struct {
	n    int
	hash *rendezvous.Rendezvous
}

func newPerDomainStrategy(n int) *perDomainStrategy {
	nodes := make([]string, n)
	for i := range nodes {
		nodes[i] = strings.Repeat("x", i+1) // distinct, stable node identities
	}
	return &perDomainStrategy{
		n:    n,
		hash: rendezvous.New(nodes, xxhashString),
	}
}

func (s *perDomainStrategy) Select(rawURL string, healthy []bool) int {
	if s.n == 0 || !anyHealthy(healthy) {
		return -1
	}
	host := hostOf(rawURL)
	node := s.hash.Lookup(host)
	for i, n := range s.nodeNames() {
		if n == node {
			return i
		}
	}
	return 0
}

func (s *perDomainStrategy) nodeNames() []string {
	nodes := make([]string, s.n)
	for i := range nodes {
		nodes[i] = strings.Repeat("x", i+1)
	}
	return nodes
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func anyHealthy(healthy []bool) bool {
	for _, h := range healthy {
		if h {
			return true
		}
	}
	return len(healthy) == 0
}
