package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicy controls the backoff curve applied to transient step failures.
type RetryPolicy struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// BusinessHours is the fallback calendar for templates that do not carry their own.
type BusinessHours struct {
	Timezone        string `yaml:"timezone"`
	Start           int    `yaml:"start"`
	End             int    `yaml:"end"`
	AllowedWeekdays []int  `yaml:"allowed_weekdays"`
}

// Entry rule actions.
const (
	EntryActionStartCadence = "start_cadence"
	EntryActionCreateTask   = "create_task"
)

// EntryTask describes the task a create_task rule opens.
type EntryTask struct {
	Kind        string `yaml:"kind"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Priority    string `yaml:"priority"`
}

// EntryRule reacts when a card enters a stage. Action defaults to start_cadence.
type EntryRule struct {
	Name         string    `yaml:"name"`
	StageID      string    `yaml:"stage_id"`
	PipelineID   string    `yaml:"pipeline_id"`
	Action       string    `yaml:"action"`
	TemplateID   string    `yaml:"template_id"`
	Task         EntryTask `yaml:"task"`
	DelayMinutes int       `yaml:"delay_minutes"`
	DelayType    string    `yaml:"delay_type"`
}

// Policy is the engine behaviour loaded from YAML.
type Policy struct {
	Retry              RetryPolicy   `yaml:"retry"`
	BusinessHours      BusinessHours `yaml:"business_hours"`
	SuccessfulOutcomes []string      `yaml:"successful_outcomes"`
	EntryRules         []EntryRule   `yaml:"entry_rules"`
}

// LoadPolicy loads a YAML policy file; returns defaults if missing.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	// #nosec G304 -- policy path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultPolicy(), fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses policy data from YAML/JSON bytes, filling unset sections with defaults.
func ParsePolicy(data []byte) (*Policy, error) {
	if len(data) == 0 {
		return DefaultPolicy(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return DefaultPolicy(), fmt.Errorf("parse policy: %w", err)
	}
	def := DefaultPolicy()
	if p.Retry.InitialBackoff == 0 {
		p.Retry.InitialBackoff = def.Retry.InitialBackoff
	}
	if p.Retry.MaxBackoff == 0 {
		p.Retry.MaxBackoff = def.Retry.MaxBackoff
	}
	if p.Retry.Multiplier == 0 {
		p.Retry.Multiplier = def.Retry.Multiplier
	}
	if p.Retry.MaxAttempts == 0 {
		p.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if p.BusinessHours.Timezone == "" {
		p.BusinessHours.Timezone = def.BusinessHours.Timezone
	}
	if p.BusinessHours.Start == 0 && p.BusinessHours.End == 0 {
		p.BusinessHours.Start = def.BusinessHours.Start
		p.BusinessHours.End = def.BusinessHours.End
	}
	if len(p.BusinessHours.AllowedWeekdays) == 0 {
		p.BusinessHours.AllowedWeekdays = def.BusinessHours.AllowedWeekdays
	}
	if p.SuccessfulOutcomes == nil {
		p.SuccessfulOutcomes = def.SuccessfulOutcomes
	}
	if err := p.validate(); err != nil {
		return DefaultPolicy(), err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	if p.Retry.InitialBackoff < 0 || p.Retry.MaxBackoff < 0 {
		return fmt.Errorf("policy: backoff must not be negative")
	}
	if p.Retry.MaxBackoff < p.Retry.InitialBackoff {
		return fmt.Errorf("policy: max_backoff %s below initial_backoff %s", p.Retry.MaxBackoff, p.Retry.InitialBackoff)
	}
	if p.Retry.Multiplier < 1 {
		return fmt.Errorf("policy: multiplier must be >= 1")
	}
	if p.Retry.MaxAttempts < 1 {
		return fmt.Errorf("policy: max_attempts must be >= 1")
	}
	if _, err := time.LoadLocation(p.BusinessHours.Timezone); err != nil {
		return fmt.Errorf("policy: timezone %q: %w", p.BusinessHours.Timezone, err)
	}
	bh := p.BusinessHours
	if bh.Start < 0 || bh.End > 24 || bh.Start >= bh.End {
		return fmt.Errorf("policy: business hours %d-%d invalid", bh.Start, bh.End)
	}
	for _, d := range bh.AllowedWeekdays {
		if d < 1 || d > 7 {
			return fmt.Errorf("policy: weekday %d out of range 1..7", d)
		}
	}
	for i, r := range p.EntryRules {
		if err := r.validate(); err != nil {
			return fmt.Errorf("policy: entry rule %d: %w", i, err)
		}
	}
	return nil
}

func (r EntryRule) validate() error {
	if strings.TrimSpace(r.StageID) == "" {
		return fmt.Errorf("stage_id required")
	}
	switch r.Action {
	case "", EntryActionStartCadence:
		if strings.TrimSpace(r.TemplateID) == "" {
			return fmt.Errorf("template_id required")
		}
	case EntryActionCreateTask:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if r.DelayMinutes < 0 {
		return fmt.Errorf("delay_minutes must not be negative")
	}
	switch r.DelayType {
	case "", "calendar", "business":
	default:
		return fmt.Errorf("delay_type %q must be calendar or business", r.DelayType)
	}
	return nil
}

// DefaultPolicy mirrors the engine's built-in behaviour.
func DefaultPolicy() *Policy {
	return &Policy{
		Retry: RetryPolicy{
			InitialBackoff: time.Minute,
			MaxBackoff:     time.Hour,
			Multiplier:     2,
			MaxAttempts:    5,
		},
		BusinessHours: BusinessHours{
			Timezone:        "America/Sao_Paulo",
			Start:           9,
			End:             18,
			AllowedWeekdays: []int{1, 2, 3, 4, 5},
		},
		SuccessfulOutcomes: []string{"respondido_pelo_cliente", "answered"},
	}
}
