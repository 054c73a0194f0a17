package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/terra-clan/progress-engine/internal/models"
	"github.com/terra-clan/progress-engine/internal/storage"
)

// Loader manages loading and caching of challenge definitions
type Loader struct {
	mu         sync.RWMutex
	challenges map[string]*models.ChallengeDefinition
}

// NewLoader creates an empty catalog
func NewLoader() *Loader {
	return &Loader{
		challenges: make(map[string]*models.ChallengeDefinition),
	}
}

// challengeFile is the YAML representation of a challenge
type challengeFile struct {
	ID            string        `yaml:"id"`
	Title         string        `yaml:"title"`
	Description   string        `yaml:"description"`
	Difficulty    string        `yaml:"difficulty"`
	DurationHours int           `yaml:"duration_hours"`
	XPReward      int           `yaml:"xp_reward"`
	Icon          string        `yaml:"icon"`
	Category      string        `yaml:"category"`
	TechStack     []string      `yaml:"tech_stack"`
	Steps         []models.Step `yaml:"steps"`
	Active        *bool         `yaml:"active"`
	OrderIndex    int           `yaml:"order_index"`
}

// LoadFromDir loads all YAML files in dir. Invalid files are logged and skipped.
func (l *Loader) LoadFromDir(dir string) error {
	slog.Info("loading challenges from directory", "dir", dir)

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", dir, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	loaded := 0
	for _, file := range files {
		n, err := l.LoadFromFile(file)
		if err != nil {
			slog.Warn("failed to load challenge file", "file", file, "error", err)
			continue
		}
		loaded += n
	}

	slog.Info("challenges loaded", "count", loaded, "total_files", len(files))
	return nil
}

// LoadFromFile loads one challenge or a list of challenges from a YAML file.
// Returns the number of challenges added.
func (l *Loader) LoadFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read file: %w", err)
	}
	return l.Load(data)
}

// Load parses YAML holding either a single challenge or a sequence of them
func (l *Loader) Load(data []byte) (int, error) {
	var list []challengeFile
	if err := yaml.Unmarshal(data, &list); err != nil {
		var single challengeFile
		if err := yaml.Unmarshal(data, &single); err != nil {
			return 0, fmt.Errorf("failed to parse YAML: %w", err)
		}
		list = []challengeFile{single}
	}

	defs := make([]*models.ChallengeDefinition, 0, len(list))
	for i := range list {
		def, err := list[i].toDefinition()
		if err != nil {
			return 0, err
		}
		defs = append(defs, def)
	}

	l.mu.Lock()
	for _, def := range defs {
		l.challenges[def.ID] = def
	}
	l.mu.Unlock()

	for _, def := range defs {
		slog.Debug("challenge loaded", "id", def.ID, "steps", def.TotalSteps())
	}
	return len(defs), nil
}

func (f *challengeFile) toDefinition() (*models.ChallengeDefinition, error) {
	if f.ID == "" {
		return nil, fmt.Errorf("challenge id is required")
	}
	if f.Title == "" {
		return nil, fmt.Errorf("challenge %s: title is required", f.ID)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("challenge %s: at least one step is required", f.ID)
	}

	difficulty := models.Difficulty(f.Difficulty)
	if difficulty == "" {
		difficulty = models.DifficultyBeginner
	}
	if !models.IsValidDifficulty(difficulty) {
		return nil, fmt.Errorf("challenge %s: unknown difficulty %q", f.ID, f.Difficulty)
	}

	active := true
	if f.Active != nil {
		active = *f.Active
	}

	return &models.ChallengeDefinition{
		ID:            f.ID,
		Title:         f.Title,
		Description:   f.Description,
		Difficulty:    difficulty,
		DurationHours: f.DurationHours,
		XPReward:      f.XPReward,
		Icon:          f.Icon,
		Category:      f.Category,
		TechStack:     f.TechStack,
		Steps:         f.Steps,
		IsActive:      active,
		OrderIndex:    f.OrderIndex,
	}, nil
}

// Get retrieves a challenge by id, nil when unknown
func (l *Loader) Get(id string) *models.ChallengeDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.challenges[id]
}

// TotalSteps returns the step count of a challenge, 0 when unknown
func (l *Loader) TotalSteps(id string) int {
	return l.Get(id).TotalSteps()
}

// List returns active challenges ordered by order_index
func (l *Loader) List() []*models.ChallengeDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*models.ChallengeDefinition, 0, len(l.challenges))
	for _, c := range l.challenges {
		if c.IsActive {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OrderIndex != result[j].OrderIndex {
			return result[i].OrderIndex < result[j].OrderIndex
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Add programmatically adds a challenge
func (l *Loader) Add(c *models.ChallengeDefinition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.challenges[c.ID] = c
}

// SyncToRepository upserts every loaded challenge so progress rows can reference them
func (l *Loader) SyncToRepository(ctx context.Context, repo storage.Repository) error {
	l.mu.RLock()
	defs := make([]*models.ChallengeDefinition, 0, len(l.challenges))
	for _, c := range l.challenges {
		defs = append(defs, c)
	}
	l.mu.RUnlock()

	for _, c := range defs {
		if err := repo.UpsertChallenge(ctx, c); err != nil {
			return fmt.Errorf("failed to sync challenge %s: %w", c.ID, err)
		}
	}

	slog.Info("challenge catalog synced", "count", len(defs))
	return nil
}

// LoadFromRepository adds every stored challenge to the catalog.
// Used when no YAML directory is configured.
func (l *Loader) LoadFromRepository(ctx context.Context, repo storage.Repository) error {
	defs, err := repo.ListChallenges(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to load challenges from store: %w", err)
	}

	l.mu.Lock()
	for _, c := range defs {
		l.challenges[c.ID] = c
	}
	l.mu.Unlock()

	slog.Info("challenges loaded from store", "count", len(defs))
	return nil
}
