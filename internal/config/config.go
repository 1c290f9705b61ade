package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every knob the gateway reads. Defaults match the wire
// contract the device firmware was built against, so changing them is a
// fleet-wide event.
type Config struct {
	WSPort  int    `yaml:"ws_port"`
	WSTLS   bool   `yaml:"ws_tls"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	OpsPort int    `yaml:"ops_port"`

	ProxyPort int `yaml:"proxy_port"`

	CamUser  string `yaml:"cam_user"`
	CamPass  string `yaml:"cam_pass"`
	RTSPPath string `yaml:"rtsp_path"`

	OutDir string `yaml:"out_dir"`

	AutoCapture bool `yaml:"auto_capture"`
	RequireAuth bool `yaml:"require_auth"`

	HelloWait      time.Duration `yaml:"hello_wait"`
	CaptureTimeout time.Duration `yaml:"capture_timeout"`

	StorageMode        string `yaml:"storage_mode"` // "local" or "s3"
	StorageConcurrency int    `yaml:"storage_concurrency"`
	StorageDeleteLocal bool   `yaml:"storage_delete_local"`
	StorageLocalDir    string `yaml:"storage_local_dir"`
	UseDeviceTZOffset  bool   `yaml:"use_device_tz_offset"`

	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	NATSURL       string `yaml:"nats_url"`
	RegistryDSN   string `yaml:"registry_dsn"`
}

// Defaults returns the baseline configuration before any file or env input.
func Defaults() Config {
	return Config{
		WSPort:             7443,
		OpsPort:            9090,
		ProxyPort:          8554,
		CamUser:            "admin",
		RTSPPath:           "/stream2",
		OutDir:             filepath.Join(os.TempDir(), "hyphen-rtsp-tunnel", "snapshots"),
		AutoCapture:        true,
		RequireAuth:        false,
		HelloWait:          2000 * time.Millisecond,
		CaptureTimeout:     45000 * time.Millisecond,
		StorageMode:        "local",
		StorageConcurrency: 2,
		StorageDeleteLocal: true,
		RedisAddr:          "localhost:6379",
	}
}

// Load builds the config: defaults, then the optional YAML file named by
// CONFIG_FILE, then env overrides on top.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt(&c.WSPort, "WS_PORT")
	envBool(&c.WSTLS, "WS_TLS")
	envStr(&c.TLSCert, "TLS_CERT")
	envStr(&c.TLSKey, "TLS_KEY")
	envInt(&c.OpsPort, "OPS_PORT")
	envInt(&c.ProxyPort, "PROXY_PORT")
	envStr(&c.CamUser, "CAM_USER")
	envStr(&c.CamPass, "CAM_PASS")
	envStr(&c.RTSPPath, "RTSP_PATH")
	envStr(&c.OutDir, "OUT_DIR")
	envBool(&c.AutoCapture, "AUTO_CAPTURE")
	envBool(&c.RequireAuth, "REQUIRE_AUTH")
	envMillis(&c.HelloWait, "HELLO_WAIT_MS")
	envMillis(&c.CaptureTimeout, "CAPTURE_TIMEOUT_MS")
	envStr(&c.StorageMode, "STORAGE_MODE")
	envInt(&c.StorageConcurrency, "STORAGE_CONCURRENCY")
	envBool(&c.StorageDeleteLocal, "STORAGE_DELETE_LOCAL")
	envStr(&c.StorageLocalDir, "STORAGE_LOCAL_DIR")
	envBool(&c.UseDeviceTZOffset, "USE_DEVICE_TZ_OFFSET")
	envStr(&c.S3Endpoint, "S3_ENDPOINT")
	envStr(&c.S3Region, "S3_REGION")
	envStr(&c.S3Bucket, "S3_BUCKET")
	envStr(&c.S3AccessKey, "S3_ACCESS_KEY")
	envStr(&c.S3SecretKey, "S3_SECRET_KEY")
	envBool(&c.S3UseSSL, "S3_USE_SSL")
	envStr(&c.RedisAddr, "REDIS_ADDR")
	envStr(&c.RedisPassword, "REDIS_PASSWORD")
	envStr(&c.NATSURL, "NATS_URL")
	envStr(&c.RegistryDSN, "REGISTRY_DSN")
}

// Validate rejects combinations that would only fail later at listen time.
func (c *Config) Validate() error {
	if c.WSTLS && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("WS_TLS=1 requires TLS_CERT and TLS_KEY")
	}
	if c.StorageMode != "local" && c.StorageMode != "s3" {
		return fmt.Errorf("STORAGE_MODE must be local or s3, got %q", c.StorageMode)
	}
	if c.StorageMode == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("STORAGE_MODE=s3 requires S3_BUCKET")
	}
	if c.StorageConcurrency < 1 {
		c.StorageConcurrency = 1
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "on"
	}
}

func envMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
