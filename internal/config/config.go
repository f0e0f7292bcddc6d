package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models mobiflow.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Mail struct {
		Mode           string `yaml:"mode"` // log or smtp
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		From           string `yaml:"from"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"mail"`
	Notifier struct {
		MaxAttempts int    `yaml:"max_attempts"`
		DedupHours  int    `yaml:"dedup_hours"`
		ScanCron    string `yaml:"scan_cron"`
	} `yaml:"notifier"`
	Pipeline struct {
		Stages []StageSeed `yaml:"stages"`
	} `yaml:"pipeline"`
}

// StageSeed describes one pipeline stage for catalog bootstrap.
type StageSeed struct {
	Name                string     `yaml:"name"`
	Position            int        `yaml:"position"`
	Description         string     `yaml:"description"`
	DeadlineDays        int        `yaml:"deadline_days"`
	InactivityAlertDays int        `yaml:"inactivity_alert_days"`
	OwnerEmail          string     `yaml:"owner_email"`
	Checklist           []TaskSeed `yaml:"checklist"`
}

type TaskSeed struct {
	Task        string `yaml:"task"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
	Position    int    `yaml:"position"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mf pipeline import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Mail.Mode {
	case "", "log", "smtp":
	default:
		return fmt.Errorf("config.mail.mode must be log or smtp")
	}
	if c.Mail.Mode == "smtp" && c.Mail.Host == "" {
		return fmt.Errorf("config.mail.host is required for smtp mode")
	}
	if c.Notifier.MaxAttempts < 0 {
		return fmt.Errorf("config.notifier.max_attempts must not be negative")
	}
	if c.Notifier.DedupHours < 0 {
		return fmt.Errorf("config.notifier.dedup_hours must not be negative")
	}
	seen := map[int]string{}
	for _, s := range c.Pipeline.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("pipeline stage with position %d has empty name", s.Position)
		}
		if s.Position <= 0 {
			return fmt.Errorf("pipeline stage %s must have positive position", s.Name)
		}
		if prev, ok := seen[s.Position]; ok {
			return fmt.Errorf("pipeline stages %s and %s share position %d", prev, s.Name, s.Position)
		}
		seen[s.Position] = s.Name
		if s.DeadlineDays <= 0 {
			return fmt.Errorf("pipeline stage %s must have positive deadline_days", s.Name)
		}
		if s.OwnerEmail == "" {
			return fmt.Errorf("pipeline stage %s has no owner_email", s.Name)
		}
		taskSeen := map[int]bool{}
		for _, task := range s.Checklist {
			if strings.TrimSpace(task.Task) == "" {
				return fmt.Errorf("pipeline stage %s has a checklist entry with empty task", s.Name)
			}
			if taskSeen[task.Position] {
				return fmt.Errorf("pipeline stage %s has duplicate checklist position %d", s.Name, task.Position)
			}
			taskSeen[task.Position] = true
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mobiflow.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: :8087
  base_path: /v1
  jwt_secret: ""
  allow_legacy_actor_header: true

mail:
  mode: log
  host: ""
  port: 587
  username: ""
  password: ""
  from: mobiflow@example.com
  timeout_seconds: 10

notifier:
  max_attempts: 5
  dedup_hours: 24
  scan_cron: "0 * * * *"

pipeline:
  stages:
    - name: Requisition
      position: 1
      description: "Opening data collected, offer accepted"
      deadline_days: 3
      inactivity_alert_days: 2
      owner_email: recruiting@example.com
      checklist:
        - { task: "Signed offer letter on file", required: true, position: 1 }
        - { task: "Employee record created", required: true, position: 2 }
        - { task: "Background check requested", required: false, position: 3 }

    - name: Documentation
      position: 2
      description: "Contract and personal documents"
      deadline_days: 5
      inactivity_alert_days: 3
      owner_email: hr-docs@example.com
      checklist:
        - { task: "Identity documents received", required: true, position: 1 }
        - { task: "Employment contract signed", required: true, position: 2 }
        - { task: "Bank details collected", required: true, position: 3 }
        - { task: "Emergency contact registered", required: false, position: 4 }

    - name: Provisioning
      position: 3
      description: "Accounts, equipment and access"
      deadline_days: 5
      inactivity_alert_days: 3
      owner_email: it-onboarding@example.com
      checklist:
        - { task: "Corporate account created", required: true, position: 1 }
        - { task: "Laptop assigned", required: true, position: 2 }
        - { task: "Badge issued", required: false, position: 3 }

    - name: First day
      position: 4
      description: "Welcome and orientation"
      deadline_days: 2
      inactivity_alert_days: 2
      owner_email: people-ops@example.com
      checklist:
        - { task: "Orientation session completed", required: true, position: 1 }
        - { task: "Buddy assigned", required: false, position: 2 }
`
