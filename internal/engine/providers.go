package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProviderLimits are the restrictions a destination mailbox provider
// imposes on senders. Providers can only tighten the configured limits,
// never loosen them.
type ProviderLimits struct {
	MaxBatchSize   int
	MinBatchPeriod time.Duration
	MinThrottle    time.Duration
}

// ProviderTable maps destination domains to their limits.
type ProviderTable struct {
	limits map[string]ProviderLimits
}

func NewProviderTable() *ProviderTable {
	return &ProviderTable{limits: make(map[string]ProviderLimits)}
}

func (t *ProviderTable) Set(domain string, l ProviderLimits) {
	t.limits[strings.ToLower(domain)] = l
}

// For returns the limits for a destination domain, matching the domain
// itself or any parent domain ("mail.example.com" matches "example.com").
func (t *ProviderTable) For(domain string) (ProviderLimits, bool) {
	domain = strings.ToLower(domain)
	for d := domain; d != ""; {
		if l, ok := t.limits[d]; ok {
			return l, true
		}
		_, rest, found := strings.Cut(d, ".")
		if !found {
			break
		}
		d = rest
	}
	return ProviderLimits{}, false
}

// ParseProviderLimits parses the PROVIDER_LIMITS setting, a semicolon
// separated list of "domain=maxbatch,minperiod,minthrottle" entries, e.g.
// "gmail.example=500,1h,1s;slowhost.example=100,30m,2s".
func ParseProviderLimits(spec string) (*ProviderTable, error) {
	table := NewProviderTable()
	if strings.TrimSpace(spec) == "" {
		return table, nil
	}

	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		domain, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("parsing provider limits: missing '=' in %q", entry)
		}
		fields := strings.Split(rest, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("parsing provider limits: want 3 fields in %q", entry)
		}

		maxBatch, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("parsing provider limits: batch size in %q: %w", entry, err)
		}
		period, err := parseDurationField(fields[1])
		if err != nil {
			return nil, fmt.Errorf("parsing provider limits: period in %q: %w", entry, err)
		}
		throttle, err := parseDurationField(fields[2])
		if err != nil {
			return nil, fmt.Errorf("parsing provider limits: throttle in %q: %w", entry, err)
		}

		table.Set(domain, ProviderLimits{
			MaxBatchSize:   maxBatch,
			MinBatchPeriod: period,
			MinThrottle:    throttle,
		})
	}
	return table, nil
}

func parseDurationField(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	// Bare numbers are seconds.
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
