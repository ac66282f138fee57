package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"runbox/internal/sandbox"
	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/profile"
	"runbox/internal/sandbox/spec"
	"runbox/internal/sandbox/workspace"
	"runbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultConcurrency = 4
	// nobody:nogroup on most distributions.
	defaultSandboxUID = 65534
	defaultSandboxGID = 65534
	defaultWaitDelay  = 500 * time.Millisecond
)

// WorkspaceConfig holds workspace settings.
type WorkspaceConfig struct {
	Root            string `yaml:"root"`
	MaxFixtureBytes int64  `yaml:"maxFixtureBytes"`
}

// SandboxConfig holds sandbox engine settings.
type SandboxConfig struct {
	CgroupRoot       string        `yaml:"cgroupRoot"`
	SeccompDir       string        `yaml:"seccompDir"`
	HelperPath       string        `yaml:"helperPath"`
	OutputMaxBytes   int64         `yaml:"outputMaxBytes"`
	EnableSeccomp    bool          `yaml:"enableSeccomp"`
	EnableCgroup     bool          `yaml:"enableCgroup"`
	EnableNamespaces bool          `yaml:"enableNamespaces"`
	UID              *int          `yaml:"uid"`
	GID              *int          `yaml:"gid"`
	WaitDelay        time.Duration `yaml:"waitDelay"`
}

// WorkerConfig holds orchestration settings.
type WorkerConfig struct {
	Concurrency       int                `yaml:"concurrency"`
	BudgetOverhead    time.Duration      `yaml:"budgetOverhead"`
	DefaultWallTimeMs int64              `yaml:"defaultWallTimeMs"`
	MaxSourceBytes    int64              `yaml:"maxSourceBytes"`
	MaxLimits         spec.ResourceLimit `yaml:"maxLimits"`
}

// MetricsConfig holds the Prometheus endpoint settings. An empty Addr
// disables the endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// LanguageConfig holds language definitions.
type LanguageConfig struct {
	Languages []profile.LanguageSpec `yaml:"languages"`
	Profiles  []profile.TaskProfile  `yaml:"profiles"`
}

// AppConfig holds runbox config.
type AppConfig struct {
	Logger    logger.Config   `yaml:"logger"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Worker    WorkerConfig    `yaml:"worker"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Language  LanguageConfig  `yaml:"language"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Language.Languages) == 0 {
		return nil, fmt.Errorf("at least one language is required")
	}
	if cfg.Sandbox.EnableCgroup && cfg.Sandbox.CgroupRoot == "" {
		return nil, fmt.Errorf("sandbox cgroupRoot is required when cgroups are enabled")
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = filepath.Join(os.TempDir(), "runbox")
	}
	if cfg.Sandbox.UID == nil {
		uid := defaultSandboxUID
		cfg.Sandbox.UID = &uid
	}
	if cfg.Sandbox.GID == nil {
		gid := defaultSandboxGID
		cfg.Sandbox.GID = &gid
	}
	if cfg.Sandbox.WaitDelay == 0 {
		cfg.Sandbox.WaitDelay = defaultWaitDelay
	}
	if cfg.Sandbox.SeccompDir != "" && !filepath.IsAbs(cfg.Sandbox.SeccompDir) {
		cfg.Sandbox.SeccompDir = filepath.Join(filepath.Dir(path), cfg.Sandbox.SeccompDir)
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = defaultConcurrency
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	return &cfg, nil
}

func (s SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		CgroupRoot:       s.CgroupRoot,
		SeccompDir:       s.SeccompDir,
		HelperPath:       s.HelperPath,
		OutputMaxBytes:   s.OutputMaxBytes,
		EnableSeccomp:    s.EnableSeccomp,
		EnableCgroup:     s.EnableCgroup,
		EnableNamespaces: s.EnableNamespaces,
		UID:              derefOr(s.UID, -1),
		GID:              derefOr(s.GID, -1),
		WaitDelay:        s.WaitDelay,
	}
}

// toWorkspaceConfig gives workspaces the sandbox identity so the program can
// write into its own directory.
func (c AppConfig) toWorkspaceConfig() workspace.Config {
	return workspace.Config{
		Root:            c.Workspace.Root,
		UID:             derefOr(c.Sandbox.UID, -1),
		GID:             derefOr(c.Sandbox.GID, -1),
		MaxFixtureBytes: c.Workspace.MaxFixtureBytes,
	}
}

func (w WorkerConfig) toWorkerConfig() sandbox.Config {
	return sandbox.Config{
		BudgetOverhead:    w.BudgetOverhead,
		DefaultWallTimeMs: w.DefaultWallTimeMs,
		MaxSourceBytes:    w.MaxSourceBytes,
		MaxLimits:         w.MaxLimits,
	}
}

func derefOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
