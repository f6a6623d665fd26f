package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Backend       string         `yaml:"backend"`
	Proxmox       ProxmoxConfig  `yaml:"proxmox"`
	Transfer      TransferConfig `yaml:"transfer"`
	Upload        UploadConfig   `yaml:"upload"`
	Store         StoreConfig    `yaml:"store"`
	GC            GCConfig       `yaml:"gc"`
	Observability ObsConfig      `yaml:"observability"`
}

type ProxmoxConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Node               string `yaml:"node"`
	APIToken           string `yaml:"api_token"`
	TLSInsecure        bool   `yaml:"tls_insecure"`
	TaskPollMillis     int    `yaml:"task_poll_millis"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
}

type TransferConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	RemoteDir             string `yaml:"remote_dir"`
	CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
}

type UploadConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

type StoreConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

type GCConfig struct {
	LabRetentionDays int    `yaml:"lab_retention_days"`
	VMRetentionDays  int    `yaml:"vm_retention_days"`
	TimeOfDay        string `yaml:"time_of_day"`
}

type ObsConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func Default() Config {
	return Config{
		Backend: "proxmox",
		Proxmox: ProxmoxConfig{
			Port:               8006,
			Node:               "pve",
			TaskPollMillis:     500,
			TaskTimeoutSeconds: 600,
		},
		Transfer: TransferConfig{
			Port:                  22,
			RemoteDir:             "/var/lib/vz/uploads/",
			CommandTimeoutSeconds: 900,
		},
		Upload: UploadConfig{
			MaxSizeBytes: 10 * 1024 * 1024 * 1024,
		},
		Store: StoreConfig{
			Dir: "/var/lib/labd/store",
		},
		GC: GCConfig{
			LabRetentionDays: 7,
			VMRetentionDays:  7,
			TimeOfDay:        "02:00",
		},
		Observability: ObsConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9100",
		},
	}
}

func Load() (Config, error) {
	cfg := Default()

	configFile := os.Getenv("LABD_CONFIG_FILE")
	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Backend, "LABD_BACKEND")

	setString(&cfg.Proxmox.Host, "LABD_PROXMOX_HOST")
	setInt(&cfg.Proxmox.Port, "LABD_PROXMOX_PORT")
	setString(&cfg.Proxmox.Node, "LABD_PROXMOX_NODE")
	setString(&cfg.Proxmox.APIToken, "LABD_PROXMOX_API_TOKEN")
	setBool(&cfg.Proxmox.TLSInsecure, "LABD_PROXMOX_TLS_INSECURE")
	setInt(&cfg.Proxmox.TaskPollMillis, "LABD_PROXMOX_TASK_POLL_MILLIS")
	setInt(&cfg.Proxmox.TaskTimeoutSeconds, "LABD_PROXMOX_TASK_TIMEOUT_SECONDS")

	setString(&cfg.Transfer.Host, "LABD_TRANSFER_HOST")
	setInt(&cfg.Transfer.Port, "LABD_TRANSFER_PORT")
	setString(&cfg.Transfer.Username, "LABD_TRANSFER_USERNAME")
	setString(&cfg.Transfer.Password, "LABD_TRANSFER_PASSWORD")
	setString(&cfg.Transfer.RemoteDir, "LABD_TRANSFER_REMOTE_DIR")
	setInt(&cfg.Transfer.CommandTimeoutSeconds, "LABD_TRANSFER_COMMAND_TIMEOUT_SECONDS")

	setInt64(&cfg.Upload.MaxSizeBytes, "LABD_UPLOAD_MAX_SIZE_BYTES")

	setString(&cfg.Store.Dir, "LABD_STORE_DIR")
	setBool(&cfg.Store.InMemory, "LABD_STORE_IN_MEMORY")

	setInt(&cfg.GC.LabRetentionDays, "LABD_GC_LAB_RETENTION_DAYS")
	setInt(&cfg.GC.VMRetentionDays, "LABD_GC_VM_RETENTION_DAYS")
	setString(&cfg.GC.TimeOfDay, "LABD_GC_TIME_OF_DAY")

	setString(&cfg.Observability.LogLevel, "LABD_LOG_LEVEL")
	setString(&cfg.Observability.LogFormat, "LABD_LOG_FORMAT")
	setString(&cfg.Observability.MetricsAddr, "LABD_METRICS_ADDR")
}

func Validate(cfg Config) error {
	switch strings.ToLower(cfg.Backend) {
	case "proxmox":
		if cfg.Proxmox.Host == "" {
			return errors.New("proxmox host is required")
		}
		if cfg.Proxmox.APIToken == "" {
			return errors.New("proxmox api token is required")
		}
		if cfg.Proxmox.Node == "" {
			return errors.New("proxmox node is required")
		}
		if cfg.Proxmox.Port <= 0 {
			return errors.New("proxmox port must be > 0")
		}
		if cfg.Proxmox.TaskTimeoutSeconds <= 0 {
			return errors.New("proxmox task timeout must be > 0 seconds")
		}
		if cfg.Transfer.Host == "" || cfg.Transfer.Username == "" || cfg.Transfer.Password == "" {
			return errors.New("transfer host, username and password are required")
		}
		if cfg.Transfer.RemoteDir == "" {
			return errors.New("transfer remote dir is required")
		}
		if cfg.Transfer.CommandTimeoutSeconds <= 0 {
			return errors.New("transfer command timeout must be > 0 seconds")
		}
	case "fake":
	default:
		return fmt.Errorf("invalid backend: %s", cfg.Backend)
	}

	if cfg.Upload.MaxSizeBytes <= 0 {
		return errors.New("upload max size must be > 0")
	}
	if cfg.Store.Dir == "" && !cfg.Store.InMemory {
		return errors.New("store dir is required unless in-memory")
	}
	if cfg.GC.LabRetentionDays <= 0 || cfg.GC.VMRetentionDays <= 0 {
		return errors.New("gc retention windows must be > 0 days")
	}
	if _, _, err := ParseTimeOfDay(cfg.GC.TimeOfDay); err != nil {
		return err
	}
	return nil
}

// ParseTimeOfDay parses an "HH:MM" wall-clock trigger.
func ParseTimeOfDay(v string) (hour, minute int, err error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid gc time of day: %q", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid gc time of day: %q", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid gc time of day: %q", v)
	}
	return hour, minute, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = p
		}
	}
}
