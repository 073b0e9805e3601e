package source

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/reconcile"
)

// Settings is the adapter registry: which sources run, in which order, with
// which precedence.
type Settings struct {
	Sources []Entry `yaml:"sources" json:"sources"`
}

// Entry configures one adapter.
type Entry struct {
	Name       string `yaml:"name" json:"name"`
	Precedence string `yaml:"precedence" json:"precedence"` // incoming (default) | override
	Lookback   string `yaml:"lookback" json:"lookback"`     // Go duration, empty = run default
	Disabled   bool   `yaml:"disabled" json:"disabled"`
}

// ValidationError 검증 실패 (프로그램 중단)
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DefaultSettings merges weather first, nuclear next, prices last, then
// lets ENTSO-E outages override the inferred nuclear forecast.
// ⭐ SSOT: 기본 소스 순서
func DefaultSettings() *Settings {
	return &Settings{
		Sources: []Entry{
			{Name: "fmi"},
			{Name: "fingrid"},
			{Name: "nordpool"},
			{Name: "entsoe", Precedence: "override"},
		},
	}
}

// LoadSettings reads a YAML registry. Unknown fields are rejected.
func LoadSettings(path string) (*Settings, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := Validate(&s); err != nil {
		return nil, data, err
	}
	return &s, data, nil
}

// Validate checks names, precedence values and lookbacks.
func Validate(s *Settings) error {
	if len(s.Sources) == 0 {
		return ValidationError{"sources", "at least one source required"}
	}

	seen := make(map[string]bool, len(s.Sources))
	for i, e := range s.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if e.Name == "" {
			return ValidationError{field + ".name", "required"}
		}
		if seen[e.Name] {
			return ValidationError{field + ".name", "duplicate " + e.Name}
		}
		seen[e.Name] = true

		if _, err := parsePrecedence(e.Precedence); err != nil {
			return ValidationError{field + ".precedence", err.Error()}
		}
		if e.Lookback != "" {
			d, err := time.ParseDuration(e.Lookback)
			if err != nil || d <= 0 {
				return ValidationError{field + ".lookback", "must be a positive duration"}
			}
		}
	}
	return nil
}

// Hash returns the SHA256 of the canonical JSON form of s.
func Hash(s *Settings) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Registration is one adapter wired into a run.
type Registration struct {
	Adapter    contracts.Adapter
	Precedence reconcile.Precedence
	Lookback   time.Duration
}

// Build resolves the registry against the available adapters, keeping the
// declared order. Disabled entries are skipped.
func Build(s *Settings, adapters map[string]contracts.Adapter, defaultLookback time.Duration) ([]Registration, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}

	regs := make([]Registration, 0, len(s.Sources))
	for i, e := range s.Sources {
		if e.Disabled {
			continue
		}
		a, ok := adapters[e.Name]
		if !ok {
			return nil, ValidationError{fmt.Sprintf("sources[%d].name", i), "unknown adapter " + e.Name}
		}

		prec, _ := parsePrecedence(e.Precedence)
		lookback := defaultLookback
		if e.Lookback != "" {
			lookback, _ = time.ParseDuration(e.Lookback)
		}

		regs = append(regs, Registration{
			Adapter:    a,
			Precedence: prec,
			Lookback:   lookback,
		})
	}
	return regs, nil
}

func parsePrecedence(s string) (reconcile.Precedence, error) {
	switch s {
	case "", "incoming":
		return reconcile.PrecedenceIncoming, nil
	case "override":
		return reconcile.PrecedenceOverride, nil
	default:
		return 0, fmt.Errorf("unknown precedence %q", s)
	}
}
