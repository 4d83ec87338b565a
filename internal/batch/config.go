package batch

import (
	"encoding/json"
	"fmt"
)

// Schedule is one recurring benchmark submission
type Schedule struct {
	Name  string          `toml:"name" json:"name"`
	Cron  string          `toml:"cron" json:"cron"`
	Owner string          `toml:"owner" json:"owner"`
	Spec  json.RawMessage `toml:"spec" json:"spec"`
}

// Validate checks if the schedule is well formed
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if s.Owner == "" {
		return fmt.Errorf("schedule owner is required")
	}
	if s.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if len(s.Spec) == 0 {
		return fmt.Errorf("schedule spec is required")
	}
	return nil
}
