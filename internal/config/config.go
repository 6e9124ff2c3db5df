// Package config loads the broker's settings via viper, grounded on
// JackYinpei-magnet's internal/config.Load (dotenv bootstrap +
// viper.AutomaticEnv + SetDefault per key). Unlike that config's nested
// Server/Database/Storage struct, the keys here are the flat, uppercase
// environment names spec.md §6's Configuration table names verbatim
// (STORAGE_TYPE, DEBRID_API_KEY, ...), since those names are also the
// deployment-facing contract qBittorrent-surface operators already expect.
package config

import (
	"bufio"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the broker's fully resolved settings.
type Config struct {
	StorageType         string // auto | hdd | ssd
	MaxConcurrentLarge  int
	MaxConcurrentSmall  int
	LargeThresholdBytes int64
	DiskBufferBytes     int64
	WriteBatchBytes     int64
	FlushIntervalSecs   int
	MaxConnsPerJob      int
	FileAllocate        bool

	// Overridden records which of the six per-medium tunables above were
	// explicitly set (env var or config file) rather than left at their
	// viper default, so resolveProfile in cmd/app can tell "operator chose
	// this" from "untouched" and only clobber the Storage Probe's own
	// per-medium value in the former case.
	Overridden struct {
		MaxConcurrentLarge bool
		MaxConcurrentSmall bool
		DiskBufferBytes    bool
		FlushIntervalSecs  bool
		MaxConnsPerJob     bool
		FileAllocate       bool
	}

	DebridAPIKey  string
	DebridBaseURL string

	APIBind      string
	DownloadPath string
	StatePath    string
}

// Load reads settings from environment variables (optionally bootstrapped
// from a ".env" file) and an optional config.yaml, with spec.md §6's
// defaults. cmd/app applies its flag overrides to the result afterwards.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("STORAGE_TYPE", "auto")
	v.SetDefault("MAX_CONCURRENT_LARGE", 1)
	v.SetDefault("MAX_CONCURRENT_SMALL", 3)
	v.SetDefault("LARGE_THRESHOLD_BYTES", int64(21474836480))
	v.SetDefault("DISK_BUFFER_BYTES", int64(67108864))
	v.SetDefault("WRITE_BATCH_BYTES", int64(67108864))
	v.SetDefault("FLUSH_INTERVAL_SECONDS", 5)
	v.SetDefault("MAX_CONNECTIONS_PER_JOB", 1)
	v.SetDefault("FILE_ALLOCATE", true)
	v.SetDefault("DEBRID_API_KEY", "")
	v.SetDefault("DEBRID_BASE_URL", "")
	v.SetDefault("API_BIND", "0.0.0.0:6500")
	v.SetDefault("DOWNLOAD_PATH", "/downloads")
	v.SetDefault("STATE_PATH", "/config")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file, silently skipped if absent

	cfg := Config{
		StorageType:         v.GetString("STORAGE_TYPE"),
		MaxConcurrentLarge:  v.GetInt("MAX_CONCURRENT_LARGE"),
		MaxConcurrentSmall:  v.GetInt("MAX_CONCURRENT_SMALL"),
		LargeThresholdBytes: v.GetInt64("LARGE_THRESHOLD_BYTES"),
		DiskBufferBytes:     v.GetInt64("DISK_BUFFER_BYTES"),
		WriteBatchBytes:     v.GetInt64("WRITE_BATCH_BYTES"),
		FlushIntervalSecs:   v.GetInt("FLUSH_INTERVAL_SECONDS"),
		MaxConnsPerJob:      v.GetInt("MAX_CONNECTIONS_PER_JOB"),
		FileAllocate:        v.GetBool("FILE_ALLOCATE"),
		DebridAPIKey:        v.GetString("DEBRID_API_KEY"),
		DebridBaseURL:       v.GetString("DEBRID_BASE_URL"),
		APIBind:             v.GetString("API_BIND"),
		DownloadPath:        v.GetString("DOWNLOAD_PATH"),
		StatePath:           v.GetString("STATE_PATH"),
	}

	// viper's IsSet also reports keys that only carry a SetDefault value, so
	// an explicit setting is detected from the environment and config file.
	explicit := func(key string) bool {
		return os.Getenv(key) != "" || v.InConfig(key)
	}
	cfg.Overridden.MaxConcurrentLarge = explicit("MAX_CONCURRENT_LARGE")
	cfg.Overridden.MaxConcurrentSmall = explicit("MAX_CONCURRENT_SMALL")
	cfg.Overridden.DiskBufferBytes = explicit("DISK_BUFFER_BYTES")
	cfg.Overridden.FlushIntervalSecs = explicit("FLUSH_INTERVAL_SECONDS")
	cfg.Overridden.MaxConnsPerJob = explicit("MAX_CONNECTIONS_PER_JOB")
	cfg.Overridden.FileAllocate = explicit("FILE_ALLOCATE")

	return cfg, nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
