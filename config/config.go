// Package config loads the service configuration from a YAML file and the
// environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loiht2/ml-platform-retrain/k8s"
)

// Config holds all configuration for the backend
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Auth       AuthConfig       `yaml:"auth"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

type GatewayConfig struct {
	BaseURL string `yaml:"baseURL"`
	APIKey  string `yaml:"apiKey"`
	// APIKeySecret is read at startup when APIKey is empty.
	APIKeySecret  k8s.SecretRef `yaml:"apiKeySecret"`
	Timeout       time.Duration `yaml:"timeout"`
	SubmitTimeout time.Duration `yaml:"submitTimeout"`
	MaxWords      int           `yaml:"maxWords"`
	MaxLen        int           `yaml:"maxLen"`
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwtSecret"`
	TrustedHeader string `yaml:"trustedHeader"`
	HeaderPrefix  string `yaml:"headerPrefix"`
}

type MonitorConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// ArchiveConfig configures the MinIO promotion manifest archive. Credentials
// come from CredentialsSecret when AccessKey is empty.
type ArchiveConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Endpoint          string `yaml:"endpoint"`
	Bucket            string `yaml:"bucket"`
	AccessKey         string `yaml:"accessKey"`
	SecretKey         string `yaml:"secretKey"`
	Region            string `yaml:"region"`
	UseSSL            bool   `yaml:"useSSL"`
	// CredentialsSecret holds endpoint, accesskey, secretkey and region keys.
	CredentialsSecret SecretName `yaml:"credentialsSecret"`
}

type SecretName struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
}

type KubernetesConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`
}

type LogConfig struct {
	Mode string `yaml:"mode"`
}

// Default returns the configuration used when neither file nor environment
// sets a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
			AutoMigrate:     true,
		},
		Gateway: GatewayConfig{
			Timeout:       30 * time.Second,
			SubmitTimeout: 2 * time.Minute,
			MaxWords:      50000,
			MaxLen:        256,
		},
		Auth:       AuthConfig{TrustedHeader: "kubeflow-userid"},
		Monitor:    MonitorConfig{Interval: 10 * time.Second, Concurrency: 4},
		Archive:    ArchiveConfig{Bucket: "retrain-promotions"},
		Kubernetes: KubernetesConfig{Namespace: "default"},
		Log:        LogConfig{Mode: "development"},
	}
}

// Load reads path (optional), applies environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Server.Port)
	str("DATABASE_URL", &c.Database.URL)
	str("GATEWAY_URL", &c.Gateway.BaseURL)
	str("GATEWAY_API_KEY", &c.Gateway.APIKey)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("TRUSTED_HEADER", &c.Auth.TrustedHeader)
	str("LOG_MODE", &c.Log.Mode)
	str("KUBECONFIG", &c.Kubernetes.Kubeconfig)
	str("POD_NAMESPACE", &c.Kubernetes.Namespace)
	str("MINIO_ENDPOINT", &c.Archive.Endpoint)
	str("MINIO_ACCESS_KEY", &c.Archive.AccessKey)
	str("MINIO_SECRET_KEY", &c.Archive.SecretKey)
	str("ARCHIVE_BUCKET", &c.Archive.Bucket)

	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	for key, dst := range map[string]*bool{
		"MONITOR_ENABLED":       &c.Monitor.Enabled,
		"ARCHIVE_ENABLED":       &c.Archive.Enabled,
		"DATABASE_AUTO_MIGRATE": &c.Database.AutoMigrate,
	} {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
	}

	if v, ok := lookup("MONITOR_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid MONITOR_INTERVAL: %w", err)
		}
		c.Monitor.Interval = d
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway.baseURL is required"))
	}
	if c.Gateway.APIKey == "" && c.Gateway.APIKeySecret.IsZero() {
		errs = append(errs, errors.New("gateway.apiKey or gateway.apiKeySecret is required"))
	}
	if c.Gateway.MaxWords < 0 || c.Gateway.MaxLen < 0 {
		errs = append(errs, errors.New("gateway.maxWords and gateway.maxLen must not be negative"))
	}
	if c.Auth.JWTSecret == "" && c.Auth.TrustedHeader == "" {
		errs = append(errs, errors.New("auth.jwtSecret or auth.trustedHeader is required"))
	}
	if c.Monitor.Enabled && c.Monitor.Interval < time.Second {
		errs = append(errs, errors.New("monitor.interval must be at least 1s"))
	}
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required"))
		}
		if c.Archive.CredentialsSecret.Name == "" {
			if c.Archive.Endpoint == "" {
				errs = append(errs, errors.New("archive.endpoint is required"))
			}
			if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
				errs = append(errs, errors.New("archive.accessKey and archive.secretKey or archive.credentialsSecret are required"))
			}
		}
	}
	switch strings.ToLower(c.Log.Mode) {
	case "development", "dev", "production", "prod", "test":
	default:
		errs = append(errs, fmt.Errorf("log.mode %q is not supported", c.Log.Mode))
	}
	return errors.Join(errs...)
}

// NeedsKubernetes reports whether any secret reference must be resolved.
func (c *Config) NeedsKubernetes() bool {
	if c.Gateway.APIKey == "" && !c.Gateway.APIKeySecret.IsZero() {
		return true
	}
	return c.Archive.Enabled && c.Archive.CredentialsSecret.Name != ""
}

// SecretSource reads a single key from a Kubernetes Secret.
type SecretSource interface {
	SecretValue(ctx context.Context, ref k8s.SecretRef) (string, error)
}

// ResolveGatewayKey fills Gateway.APIKey from its secret reference.
func (c *Config) ResolveGatewayKey(ctx context.Context, secrets SecretSource) error {
	if c.Gateway.APIKey != "" || c.Gateway.APIKeySecret.IsZero() {
		return nil
	}
	key, err := secrets.SecretValue(ctx, c.Gateway.APIKeySecret)
	if err != nil {
		return fmt.Errorf("failed to resolve gateway API key: %w", err)
	}
	c.Gateway.APIKey = key
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
