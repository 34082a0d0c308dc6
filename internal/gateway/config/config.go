package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultPort        = ":8081"
	DefaultComfyURL    = "http://127.0.0.1:8188"
	DefaultClientID    = "comfy-mobile-chain-executor-v1"
	DefaultSettleDelay = 10 * time.Second
)

type Config struct {
	Port string
	Env  string

	Comfy ComfyConfig

	// ChainStoreDir is used when DatabaseURL is empty.
	ChainStoreDir string
	DatabaseURL   string

	Settle   SettleConfig
	TraceDir string
	Archive  ArchiveConfig
}

type ComfyConfig struct {
	ServerURL string
	ClientID  string
	// BasePath is the server root holding output/ and input/.
	BasePath string
}

type SettleConfig struct {
	Mode  string // "fixed" or "stable"
	Delay time.Duration
}

type ArchiveConfig struct {
	Backend string // none, disk, postgres, s3
	Dir     string
	S3      ArtifactConfig
}

type ArtifactConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Load reads .env, then the environment, then args. args excludes the
// program name.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("api", flag.ContinueOnError)
	port := fs.String("port", DefaultPort, "server port")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	basePath := strings.TrimSpace(os.Getenv("COMFY_BASE_PATH"))
	return &Config{
		Port: *port,
		Env:  env,
		Comfy: ComfyConfig{
			ServerURL: firstNonEmpty(strings.TrimSpace(os.Getenv("COMFY_SERVER_URL")), DefaultComfyURL),
			ClientID:  firstNonEmpty(strings.TrimSpace(os.Getenv("COMFY_CLIENT_ID")), DefaultClientID),
			BasePath:  basePath,
		},
		ChainStoreDir: firstNonEmpty(strings.TrimSpace(os.Getenv("CHAIN_STORE_DIR")), filepath.Join(basePath, "mobile_data", "workflow_chains")),
		DatabaseURL:   firstNonEmpty(strings.TrimSpace(os.Getenv("DATABASE_URL")), strings.TrimSpace(os.Getenv("CHAIN_STORE_PG_DSN"))),
		Settle:        loadSettleConfig(),
		TraceDir:      firstNonEmpty(strings.TrimSpace(os.Getenv("CHAIN_TRACE_DIR")), filepath.Join("tmp", "chain_logs")),
		Archive:       loadArchiveConfig(env),
	}, nil
}

func loadSettleConfig() SettleConfig {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("CHAIN_SETTLE_MODE")))
	if mode != "stable" {
		mode = "fixed"
	}
	delay := DefaultSettleDelay
	if raw := strings.TrimSpace(os.Getenv("CHAIN_SETTLE_DELAY")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			delay = d
		}
	}
	return SettleConfig{Mode: mode, Delay: delay}
}

func loadArchiveConfig(env string) ArchiveConfig {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("ARCHIVE_BACKEND")))
	switch backend {
	case "disk", "postgres", "s3":
	default:
		backend = "none"
	}
	return ArchiveConfig{
		Backend: backend,
		Dir:     firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_DIR")), filepath.Join("tmp", "chain_archive")),
		S3:      loadArtifactConfig(env),
	}
}

func loadArtifactConfig(env string) ArtifactConfig {
	return ArtifactConfig{
		Endpoint:  resolveArtifactEndpoint(env),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "chain-artifacts"),
		UseSSL:    resolveArtifactUseSSL(env),
	}
}

func resolveArtifactEndpoint(env string) string {
	if isLocal(env) {
		return firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MINIO_ENDPOINT")), "minio:9000")
	}
	return strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT"))
}

func resolveArtifactUseSSL(env string) bool {
	if isLocal(env) {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("ARTIFACT_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func isLocal(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "local")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
