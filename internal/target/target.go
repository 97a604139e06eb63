// Package target normalizes campaign recipients.
package target

import (
	"errors"
	"fmt"
	"strings"
)

// Type classifies a recipient
type Type string

const (
	TypeGroup  Type = "group"
	TypeNumber Type = "number"
)

const (
	// groupMarker separates the id and the server part of a gateway group address (e.g. 1203630@g.us)
	groupMarker = "@"

	minDigits = 10
	maxDigits = 15

	countryPrefix = "55"
)

// ErrInvalidTarget is returned for recipients that cannot be addressed
var ErrInvalidTarget = errors.New("invalid target")

// Target is a normalized recipient
type Target struct {
	Original string `json:"original"`
	Number   string `json:"number"`
	Type     Type   `json:"type"`
}

// IsGroup reports whether the target is a group address
func (t Target) IsGroup() bool {
	return t.Type == TypeGroup
}

// Label returns a short human readable name for log entries
func (t Target) Label() string {
	if t.IsGroup() {
		return "group " + t.Number
	}
	return t.Number
}

// Rejection describes a raw target that failed validation
type Rejection struct {
	Original string
	Err      error
}

// Validate classifies and normalizes a raw recipient identifier
func Validate(raw string) (Target, error) {
	if strings.Contains(raw, groupMarker) {
		return Target{Original: raw, Number: raw, Type: TypeGroup}, nil
	}

	digits := onlyDigits(raw)
	if len(digits) < minDigits || len(digits) > maxDigits {
		return Target{}, fmt.Errorf("%w: must have between %d and %d digits", ErrInvalidTarget, minDigits, maxDigits)
	}

	// Brazilian mobile numbers without the country code have 11 digits
	if len(digits) == 11 && !strings.HasPrefix(digits, countryPrefix) {
		return Target{}, fmt.Errorf("%w: Brazilian number must start with %s", ErrInvalidTarget, countryPrefix)
	}

	return Target{Original: raw, Number: digits, Type: TypeNumber}, nil
}

// ValidateAll validates every raw target, keeping submission order in both results
func ValidateAll(raws []string) ([]Target, []Rejection) {
	valid := make([]Target, 0, len(raws))
	var rejected []Rejection

	for _, raw := range raws {
		t, err := Validate(raw)
		if err != nil {
			rejected = append(rejected, Rejection{Original: raw, Err: err})
			continue
		}
		valid = append(valid, t)
	}

	return valid, rejected
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
