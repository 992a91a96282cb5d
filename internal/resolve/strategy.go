// Package resolve decides which version of a record survives when the local
// and remote copies disagree.
package resolve

import (
	"fmt"
	"strconv"
	"strings"
)

// Strategy selects the conflict policy. Ordinals match the values stored by
// earlier clients in the settings document.
type Strategy int

const (
	ServerWins Strategy = iota
	ClientWins
	MostRecent
	KeepBoth
	Manual
	Merge
)

var strategyNames = [...]string{"ServerWins", "ClientWins", "MostRecent", "KeepBoth", "Manual", "Merge"}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// ParseStrategy accepts a strategy name (case-insensitive), the alias
// "AskUser" for Manual, or an ordinal.
func ParseStrategy(s string) (Strategy, error) {
	if strings.EqualFold(s, "AskUser") {
		return Manual, nil
	}
	for i, name := range strategyNames {
		if strings.EqualFold(s, name) {
			return Strategy(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(strategyNames) {
		return Strategy(n), nil
	}
	return ServerWins, fmt.Errorf("unknown conflict strategy %q", s)
}

func (s Strategy) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(strategyNames) {
		return nil, fmt.Errorf("invalid conflict strategy %d", int(s))
	}
	return []byte(strategyNames[s]), nil
}

// UnmarshalText makes Strategy usable in YAML and flag values.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalJSON accepts both names and bare ordinals.
func (s *Strategy) UnmarshalJSON(b []byte) error {
	raw := string(b)
	if raw == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = unq
	}
	return s.UnmarshalText([]byte(raw))
}
