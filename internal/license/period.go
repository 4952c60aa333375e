package license

import (
	"fmt"
	"strings"
	"time"
)

type PeriodKind string

const (
	PeriodMonthly   PeriodKind = "monthly"
	PeriodQuarterly PeriodKind = "quarterly"
	PeriodYearly    PeriodKind = "yearly"
	PeriodLifetime  PeriodKind = "lifetime"
)

var periodDays = map[PeriodKind]int{
	PeriodMonthly:   30,
	PeriodQuarterly: 90,
	PeriodYearly:    365,
	PeriodLifetime:  36500,
}

// Older clients and the legacy admin panel sent these labels.
var periodAliases = map[string]PeriodKind{
	"1_month":  PeriodMonthly,
	"3_months": PeriodQuarterly,
	"1_year":   PeriodYearly,
}

// ParsePeriodKind accepts canonical names and legacy aliases, case-insensitively.
func ParsePeriodKind(s string) (PeriodKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if p, ok := periodAliases[s]; ok {
		return p, nil
	}
	p := PeriodKind(s)
	if _, ok := periodDays[p]; !ok {
		return "", fmt.Errorf("%w: unknown subscription period %q", ErrInvalidInput, s)
	}
	return p, nil
}

func (p PeriodKind) Valid() bool {
	_, ok := periodDays[p]
	return ok
}

// Duration returns the fixed length of one period.
func (p PeriodKind) Duration() (time.Duration, error) {
	days, ok := periodDays[p]
	if !ok {
		return 0, fmt.Errorf("%w: unknown subscription period %q", ErrInvalidInput, string(p))
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// ExpiryFrom computes the expiry for a period starting at start.
func (p PeriodKind) ExpiryFrom(start time.Time) (time.Time, error) {
	d, err := p.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(d), nil
}

// RenewedExpiry extends from the later of the current expiry and renewedAt,
// so renewing never shortens remaining time and never leaves a license expired.
func (p PeriodKind) RenewedExpiry(current, renewedAt time.Time) (time.Time, error) {
	base := current
	if renewedAt.After(base) {
		base = renewedAt
	}
	return p.ExpiryFrom(base)
}
