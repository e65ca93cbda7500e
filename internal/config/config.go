package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/crewkit/crew/internal/models"
)

type Config struct {
	DataDir        string
	DBPath         string
	UserItemDir    string
	ProjectItemDir string
	RoutingPath    string
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("CREW_DATA_DIR", filepath.Join(homeDir, ".crew"))

	c := &Config{
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "crew.db"),
		UserItemDir:    filepath.Join(dataDir, "items"),
		ProjectItemDir: ".crew/items",
		RoutingPath:    filepath.Join(dataDir, "routing.yaml"),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserItemDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.WorkspacesDir(), 0755)
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

func (c *Config) ItemDirs() []string {
	return []string{c.ProjectItemDir, c.UserItemDir}
}

// DefaultSettings returns the run settings used when no flag overrides
// them. Environment variables take precedence over built-in values.
func DefaultSettings() models.Settings {
	return models.Settings{
		MaxParallel:      getEnvInt("CREW_MAX_PARALLEL", 3),
		RetryBudget:      getEnvInt("CREW_RETRY_BUDGET", 1),
		ExpectedDuration: getEnvDuration("CREW_EXPECTED_DURATION", 10*time.Minute),
		StuckMultiplier:  2.0,
		PhaseTimeout:     getEnvDuration("CREW_PHASE_TIMEOUT", 2*time.Hour),
		RunTimeout:       getEnvDuration("CREW_RUN_TIMEOUT", 8*time.Hour),
		DefaultWorker:    getEnv("CREW_WORKER", "claude"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
