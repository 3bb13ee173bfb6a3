// Package config loads service settings from an optional .env file, an optional YAML file
// named by CONFIG_FILE and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Liveness backends.
const (
	LivenessOpenCV = "opencv"
	LivenessRemote = "remote"
	LivenessNone   = "none"
)

// Match backends.
const (
	MatchDlib   = "dlib"
	MatchRemote = "remote"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Match     MatchConfig     `yaml:"match"`
	Inference InferenceConfig `yaml:"inference"`
	Cache     CacheConfig     `yaml:"cache"`
	Auth      AuthConfig      `yaml:"auth"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gt=0"`
	MaxConcurrent   int64         `yaml:"max_concurrent" validate:"gte=1"`
	CORSOrigins     []string      `yaml:"cors_origins" validate:"min=1"`
	// RateLimit is requests per second per client IP on /api routes. Zero disables it.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	// MaxImagePixels caps the declared width*height of each uploaded image.
	MaxImagePixels int64 `yaml:"max_image_pixels" validate:"gte=1"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
}

type LivenessConfig struct {
	Backend             string   `yaml:"backend" validate:"oneof=opencv remote none"`
	Threshold           float64  `yaml:"threshold" validate:"gt=0,lte=1"`
	ModelDir            string   `yaml:"model_dir"`
	DetectorDir         string   `yaml:"detector_dir"`
	DetectionConfidence float64  `yaml:"detection_confidence" validate:"gte=0,lte=1"`
	SubModels           []string `yaml:"sub_models"`
	FailurePolicy       string   `yaml:"failure_policy" validate:"oneof=open closed"`
}

type MatchConfig struct {
	Backend string `yaml:"backend" validate:"oneof=dlib remote"`
	// Threshold is the distance cut-off. Zero means the backend's own default.
	Threshold    float64 `yaml:"threshold" validate:"gte=0"`
	DlibModelDir string  `yaml:"dlib_model_dir"`
}

type InferenceConfig struct {
	Addr        string        `yaml:"addr"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
}

type CacheConfig struct {
	// RedisAddr selects Redis for verification results. Empty keeps them in process.
	RedisAddr string        `yaml:"redis_addr"`
	ResultTTL time.Duration `yaml:"result_ttl" validate:"gt=0"`
}

type AuthConfig struct {
	// JWTSecret enables bearer authentication on /api routes when set.
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

// Default returns the stock settings.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8000",
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  30 * time.Second,
			MaxConcurrent:   4,
			CORSOrigins:     []string{"*"},
			RateLimit:       5,
			MaxImagePixels:  40_000_000,
		},
		Log: LogConfig{Level: "info"},
		Liveness: LivenessConfig{
			Backend:             LivenessOpenCV,
			Threshold:           0.8,
			ModelDir:            "models/anti_spoof_models",
			DetectorDir:         "models/detection_model",
			DetectionConfidence: 0.6,
			SubModels:           []string{"2.7_80x80_MiniFASNetV2", "4_0_0_80x80_MiniFASNetV1SE"},
			FailurePolicy:       "open",
		},
		Match: MatchConfig{
			Backend:      MatchDlib,
			DlibModelDir: "models/dlib",
		},
		Inference: InferenceConfig{DialTimeout: 5 * time.Second},
		Cache:     CacheConfig{ResultTTL: 5 * time.Minute},
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then environment overrides,
// and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	if port := os.Getenv("PORT"); port != "" && os.Getenv("HTTP_ADDR") == "" {
		c.HTTP.Addr = ":" + port
	}
	collect(getEnvDuration("SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout))
	collect(getEnvDuration("REQUEST_TIMEOUT", &c.HTTP.RequestTimeout))
	collect(getEnvInt("MAX_CONCURRENT_VERIFICATIONS", &c.HTTP.MaxConcurrent))
	c.HTTP.CORSOrigins = getEnvList("CORS_ORIGINS", c.HTTP.CORSOrigins)
	collect(getEnvFloat("RATE_LIMIT_RPS", &c.HTTP.RateLimit))
	collect(getEnvInt("MAX_IMAGE_PIXELS", &c.HTTP.MaxImagePixels))

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	c.Liveness.Backend = getEnv("LIVENESS_BACKEND", c.Liveness.Backend)
	collect(getEnvFloat("LIVENESS_THRESHOLD", &c.Liveness.Threshold))
	c.Liveness.ModelDir = getEnv("LIVENESS_MODEL_DIR", c.Liveness.ModelDir)
	c.Liveness.DetectorDir = getEnv("LIVENESS_DETECTOR_DIR", c.Liveness.DetectorDir)
	collect(getEnvFloat("LIVENESS_DETECTION_CONFIDENCE", &c.Liveness.DetectionConfidence))
	c.Liveness.SubModels = getEnvList("LIVENESS_SUB_MODELS", c.Liveness.SubModels)
	c.Liveness.FailurePolicy = getEnv("LIVENESS_FAILURE_POLICY", c.Liveness.FailurePolicy)

	c.Match.Backend = getEnv("MATCH_BACKEND", c.Match.Backend)
	collect(getEnvFloat("MATCH_THRESHOLD", &c.Match.Threshold))
	c.Match.DlibModelDir = getEnv("DLIB_MODEL_DIR", c.Match.DlibModelDir)

	c.Inference.Addr = getEnv("INFERENCE_ADDR", c.Inference.Addr)
	collect(getEnvDuration("INFERENCE_DIAL_TIMEOUT", &c.Inference.DialTimeout))

	c.Cache.RedisAddr = getEnv("REDIS_ADDR", c.Cache.RedisAddr)
	collect(getEnvDuration("RESULT_TTL", &c.Cache.ResultTTL))

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTAudience = getEnv("JWT_AUDIENCE", c.Auth.JWTAudience)

	return errors.Join(errs...)
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.UsesRemote() && c.Inference.Addr == "" {
		return errors.New("invalid config: INFERENCE_ADDR is required for remote backends")
	}
	if c.Liveness.Backend == LivenessOpenCV && c.Liveness.ModelDir == "" {
		return errors.New("invalid config: LIVENESS_MODEL_DIR is required for the opencv backend")
	}
	if c.Match.Backend == MatchDlib && c.Match.DlibModelDir == "" {
		return errors.New("invalid config: DLIB_MODEL_DIR is required for the dlib backend")
	}
	return nil
}

// UsesRemote reports whether any backend needs the inference sidecar.
func (c *Config) UsesRemote() bool {
	return c.Liveness.Backend == LivenessRemote || c.Match.Backend == MatchRemote
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDuration(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func getEnvFloat(key string, dst *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func getEnvInt(key string, dst *int64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
