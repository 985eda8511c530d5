package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/asierdev/annovault/internal/alerts"
)

// Annovault is the root configuration for the server. One YAML file covers
// listening, storage, authentication policy and alerting.
type Annovault struct {
	Host      string        `yaml:"host"`         // Listen address. Empty means all interfaces.
	Port      int           `yaml:"port"`         // Listen port.
	Database  Database      `yaml:"database"`     // Account and audit storage.
	Auth      Auth          `yaml:"auth"`         // Credential and session policy.
	Gate      Gate          `yaml:"gate"`         // Per-IP limiter in front of authenticated routes.
	Storage   Storage       `yaml:"storage"`      // Protected image object store.
	Alerting  alerts.Config `yaml:"alerting"`     // Operator email notifications.
	CORS      []string      `yaml:"cors_origins"` // Origins allowed to call the API. Empty disables CORS headers.
	Logging   Logging       `yaml:"logging"`      // Log config file location.
	Bootstrap Bootstrap     `yaml:"bootstrap"`    // Initial admin provisioning.
}

type Database struct {
	Path string `yaml:"path"` // SQLite file path.
}

type Auth struct {
	JWTSecret        string        `yaml:"jwt_secret"`        // HMAC secret for session tokens. Required.
	CapabilitySecret string        `yaml:"capability_secret"` // HMAC secret for image capability tokens. Random per process when empty.
	SessionTTL       time.Duration `yaml:"session_ttl"`       // e.g. "30m"
	LockoutThreshold int           `yaml:"lockout_threshold"` // Failed attempts before permanent lock.
	RateWindow       time.Duration `yaml:"rate_window"`       // Per-account request accounting window.
	RateLimit        int           `yaml:"rate_limit"`        // Requests allowed per window.
	ActivityHistory  int           `yaml:"activity_history"`  // Request history rows kept per account.
	PasswordMin      int           `yaml:"password_min_length"`
}

type Gate struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Storage selects the image backend. "dir" serves from a local directory,
// "s3" from a bucket (MinIO works via endpoint).
type Storage struct {
	Backend     string `yaml:"backend"` // "dir" or "s3"
	Dir         string `yaml:"dir"`
	S3          S3     `yaml:"s3"`
	GatedImages bool   `yaml:"gated_images"` // When true the image path also sits behind the session gate.
}

type S3 struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type Logging struct {
	ConfigPath string `yaml:"config_path"` // JSON logger config. Optional.
}

type Bootstrap struct {
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
}

func Load(path string) (*Annovault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Annovault
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate fills defaults and rejects configurations the server cannot
// start with.
func (cfg *Annovault) Validate(logger *zap.Logger) error {
	if cfg.Port == 0 {
		cfg.Port = 8443
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "annovault.db"
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		logger.Warn("auth.jwt_secret is shorter than 32 bytes")
	}
	if cfg.Auth.SessionTTL <= 0 {
		cfg.Auth.SessionTTL = 30 * time.Minute
	}
	if cfg.Auth.LockoutThreshold <= 0 {
		cfg.Auth.LockoutThreshold = 5
	}
	if cfg.Auth.RateWindow <= 0 {
		cfg.Auth.RateWindow = time.Minute
	}
	if cfg.Auth.RateLimit <= 0 {
		cfg.Auth.RateLimit = 100
	}
	if cfg.Auth.ActivityHistory <= 0 {
		cfg.Auth.ActivityHistory = 100
	}

	if cfg.Gate.RequestsPerSecond <= 0 {
		cfg.Gate.RequestsPerSecond = 10
	}
	if cfg.Gate.Burst <= 0 {
		cfg.Gate.Burst = 30
	}

	switch cfg.Storage.Backend {
	case "", "dir":
		cfg.Storage.Backend = "dir"
		if cfg.Storage.Dir == "" {
			cfg.Storage.Dir = "./objects"
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Alerting.Enabled {
		if cfg.Alerting.SMTPHost == "" || len(cfg.Alerting.ToEmails) == 0 {
			return fmt.Errorf("alerting requires smtp_host and to_emails")
		}
	}

	return nil
}
