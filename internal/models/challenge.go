package models

import "time"

// Difficulty of a challenge
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// Step is one ordered unit of work inside a challenge
type Step struct {
	Title         string   `yaml:"title" json:"title"`
	Description   string   `yaml:"description" json:"description"`
	Tasks         []string `yaml:"tasks" json:"tasks"`
	EstimatedTime int      `yaml:"estimated_time" json:"estimated_time"` // minutes
	Resources     []string `yaml:"resources" json:"resources"`
}

// ChallengeDefinition is an immutable catalog entry. Content authors own it;
// trackers only read it.
type ChallengeDefinition struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Difficulty    Difficulty `json:"difficulty"`
	DurationHours int        `json:"duration_hours"`
	XPReward      int        `json:"xp_reward"`
	Icon          string     `json:"icon,omitempty"`
	Category      string     `json:"category"`
	TechStack     []string   `json:"tech_stack"`
	Steps         []Step     `json:"steps"`
	IsActive      bool       `json:"is_active"`
	OrderIndex    int        `json:"order_index"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TotalSteps returns the number of steps (0 for a nil definition)
func (c *ChallengeDefinition) TotalSteps() int {
	if c == nil {
		return 0
	}
	return len(c.Steps)
}

// IsValidDifficulty reports whether d is one of the known difficulties
func IsValidDifficulty(d Difficulty) bool {
	switch d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced:
		return true
	}
	return false
}
