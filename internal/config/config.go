// Package config loads the engine configuration file: global settings plus
// the list of applications to reconcile. Defaults are seeded before
// unmarshaling so an empty file is a valid (if idle) configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/piercuta/gyre/internal/manifest"
	"github.com/piercuta/gyre/pkg/types"
)

// Config is the engine configuration, read from a single YAML file.
type Config struct {
	// Listener addresses.
	StatusAddr  string `json:"statusAddr,omitempty"`
	HealthAddr  string `json:"healthAddr,omitempty"`
	MetricsAddr string `json:"metricsAddr,omitempty"`
	WebhookAddr string `json:"webhookAddr,omitempty"`

	// Kubeconfig is a path to a kubeconfig file. Empty means in-cluster.
	Kubeconfig string `json:"kubeconfig,omitempty"`

	// CacheDir holds per-application git checkouts.
	CacheDir string `json:"cacheDir,omitempty"`

	// SyncConcurrency bounds in-flight destination API calls across all
	// applications.
	SyncConcurrency int `json:"syncConcurrency,omitempty"`

	// SyncInterval is the default poll interval for applications that do
	// not set their own.
	SyncInterval metav1.Duration `json:"syncInterval,omitempty"`

	// ObserveTimeout bounds how long a cycle waits for a fresh live
	// snapshot before proceeding on the last good one.
	ObserveTimeout metav1.Duration `json:"observeTimeout,omitempty"`

	// HistoryLimit caps the per-application cycle history.
	HistoryLimit int `json:"historyLimit,omitempty"`

	// DefaultPolicy applies to applications without an explicit policy.
	DefaultPolicy types.SyncPolicy `json:"defaultPolicy,omitempty"`

	// Notifier configures the dashboard notification reporter. Nil
	// disables it.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// WebhookSecretFile is a path to the shared HMAC secret for the
	// refresh webhook. Empty disables signature validation.
	WebhookSecretFile string `json:"webhookSecretFile,omitempty"`

	Applications []Application `json:"applications,omitempty"`
}

// NotifierConfig points cycle notifications at an external dashboard.
type NotifierConfig struct {
	Endpoint   string `json:"endpoint"`
	APIKeyFile string `json:"apiKeyFile,omitempty"`
}

// Application declares one reconciled application.
type Application struct {
	Name        string          `json:"name"`
	Source      manifest.Source `json:"source"`
	Destination Destination     `json:"destination"`

	// Policy replaces the engine's default policy wholesale when set.
	Policy *types.SyncPolicy `json:"policy,omitempty"`

	// SyncInterval overrides the engine's default poll interval.
	SyncInterval *metav1.Duration `json:"syncInterval,omitempty"`

	// Paused suspends execution. Cycles still observe, diff and report.
	Paused bool `json:"paused,omitempty"`
}

// Destination names the target namespace for an application's resources.
type Destination struct {
	Namespace string `json:"namespace"`
}

// Default returns the engine configuration before any file is applied.
func Default() *Config {
	return &Config{
		StatusAddr:      ":8080",
		HealthAddr:      ":8081",
		MetricsAddr:     ":8084",
		WebhookAddr:     ":9443",
		CacheDir:        "/var/cache/gyre",
		SyncConcurrency: 4,
		SyncInterval:    metav1.Duration{Duration: 3 * time.Minute},
		ObserveTimeout:  metav1.Duration{Duration: 30 * time.Second},
		HistoryLimit:    20,
		DefaultPolicy: types.SyncPolicy{
			Automated: true,
			PruneLast: true,
			Retry: types.RetryPolicy{
				Limit:     3,
				BaseDelay: metav1.Duration{Duration: 2 * time.Second},
				Factor:    2,
				MaxDelay:  metav1.Duration{Duration: 30 * time.Second},
			},
			HealthTimeout: metav1.Duration{Duration: 2 * time.Minute},
		},
	}
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults materializes per-application settings so the scheduler
// never needs to consult globals.
func (c *Config) applyDefaults() {
	for i := range c.Applications {
		app := &c.Applications[i]
		if app.Policy == nil {
			policy := c.DefaultPolicy
			app.Policy = &policy
		}
		if app.Policy.Retry.Limit < 0 {
			app.Policy.Retry.Limit = 0
		}
		if app.Policy.Retry.BaseDelay.Duration <= 0 {
			app.Policy.Retry.BaseDelay = c.DefaultPolicy.Retry.BaseDelay
		}
		if app.Policy.Retry.Factor <= 0 {
			app.Policy.Retry.Factor = c.DefaultPolicy.Retry.Factor
		}
		if app.Policy.Retry.MaxDelay.Duration <= 0 {
			app.Policy.Retry.MaxDelay = c.DefaultPolicy.Retry.MaxDelay
		}
		if app.SyncInterval == nil {
			interval := c.SyncInterval
			app.SyncInterval = &interval
		}
	}
}

// expandEnv expands environment references in credential file paths, so
// deployments can write e.g. $CREDENTIALS_DIR/token without templating the
// whole config.
func (c *Config) expandEnv() {
	c.WebhookSecretFile = os.ExpandEnv(c.WebhookSecretFile)
	if c.Notifier != nil {
		c.Notifier.APIKeyFile = os.ExpandEnv(c.Notifier.APIKeyFile)
	}
	for i := range c.Applications {
		auth := c.Applications[i].Source.Auth
		if auth == nil {
			continue
		}
		if auth.SSHKey != nil {
			auth.SSHKey.PrivateKeyFile = os.ExpandEnv(auth.SSHKey.PrivateKeyFile)
			auth.SSHKey.KnownHostsFile = os.ExpandEnv(auth.SSHKey.KnownHostsFile)
		}
		if auth.Token != nil {
			auth.Token.TokenFile = os.ExpandEnv(auth.Token.TokenFile)
		}
		if auth.GitHubApp != nil {
			auth.GitHubApp.PrivateKeyFile = os.ExpandEnv(auth.GitHubApp.PrivateKeyFile)
		}
	}
}

// Validate rejects configurations the engine cannot run.
func (c *Config) Validate() error {
	if c.SyncConcurrency < 1 {
		return fmt.Errorf("syncConcurrency must be at least 1")
	}
	if c.SyncInterval.Duration <= 0 {
		return fmt.Errorf("syncInterval must be positive")
	}
	if c.ObserveTimeout.Duration <= 0 {
		return fmt.Errorf("observeTimeout must be positive")
	}
	if c.Notifier != nil && c.Notifier.Endpoint == "" {
		return fmt.Errorf("notifier.endpoint is required when notifier is set")
	}

	seen := make(map[string]bool, len(c.Applications))
	for i := range c.Applications {
		app := &c.Applications[i]
		if app.Name == "" {
			return fmt.Errorf("applications[%d]: name is required", i)
		}
		if seen[app.Name] {
			return fmt.Errorf("duplicate application name %q", app.Name)
		}
		seen[app.Name] = true

		if app.Source.RepoURL == "" {
			return fmt.Errorf("application %q: source.repoURL is required", app.Name)
		}
		if app.Source.Revision == "" {
			return fmt.Errorf("application %q: source.revision is required", app.Name)
		}
		if app.Destination.Namespace == "" {
			return fmt.Errorf("application %q: destination.namespace is required", app.Name)
		}
		if app.SyncInterval.Duration <= 0 {
			return fmt.Errorf("application %q: syncInterval must be positive", app.Name)
		}
	}
	return nil
}

// WebhookSecret reads the webhook HMAC secret from the configured file.
func (c *Config) WebhookSecret() string {
	return readCredential(c.WebhookSecretFile)
}

// NotifierAPIKey reads the dashboard API key from the configured file.
func (c *Config) NotifierAPIKey() string {
	if c.Notifier == nil {
		return ""
	}
	return readCredential(c.Notifier.APIKeyFile)
}

func readCredential(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
