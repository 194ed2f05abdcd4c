// Package config loads process settings from the environment. A .env file in
// the working directory is read first when present; real environment
// variables win over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Share backends.
const (
	ShareWebDAV = "webdav"
	ShareGCS    = "gcs"
)

// Store backends for the ledger and state blobs.
const (
	StoreShare  = "share"
	StoreSQLite = "sqlite"
)

// Config is the complete process configuration.
type Config struct {
	Server  ServerConfig
	Share   ShareConfig
	Store   StoreConfig
	AI      AIConfig
	Sync    SyncConfig
	Jobs    JobsConfig
	Export  ExportConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Port               string
	AllowedOriginHosts []string
	LedgerToken        string
	ShutdownTimeout    time.Duration
}

// ShareConfig selects where receipts, the ledger and the state live.
type ShareConfig struct {
	Backend string

	// Nextcloud public shares.
	RootURL         string
	ReceiptShareID  string
	ReceiptPassword string
	LedgerShareID   string
	LedgerPassword  string
	StateShareID    string
	StatePassword   string

	// Google Cloud Storage.
	Bucket         string
	ReceiptsPrefix string
	LedgerObject   string
	StateObject    string

	RequestTimeout time.Duration
	Retries        int
	RetryDelay     time.Duration
}

type StoreConfig struct {
	Backend    string
	SQLitePath string
}

type AIConfig struct {
	APIKey            string
	Model             string
	RequestTimeout    time.Duration
	PollInterval      time.Duration
	MaxProcessingWait time.Duration
}

type SyncConfig struct {
	// Interval between scheduled full scans. Zero disables the schedule.
	Interval time.Duration
	// LockFile extends sync exclusion across processes. Empty disables it.
	LockFile      string
	SyncOnStartup bool
}

type JobsConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	// Store is "memory" or "sqlite"; sqlite keeps job history in Store.SQLitePath.
	Store string
}

type ExportConfig struct {
	BigQueryProject string
	BigQueryDataset string
	BigQueryTable   string
	NotionToken     string
	NotionDatabase  string
}

type LoggingConfig struct {
	Level string
	JSON  bool
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config.Load: reading .env: %w", err)
	}
	return FromEnv(), nil
}

// FromEnv builds a Config from the current environment only.
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			AllowedOriginHosts: getListEnv("ALLOWED_ORIGIN_HOSTS"),
			LedgerToken:        getEnv("LEDGER_TOKEN", ""),
			ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Share: ShareConfig{
			Backend:         getEnv("SHARE_BACKEND", ShareWebDAV),
			RootURL:         getEnv("NEXTCLOUD_ROOT_URL", ""),
			ReceiptShareID:  getEnv("RECEIPT_SHARE_ID", ""),
			ReceiptPassword: getEnv("RECEIPT_SHARE_PASSWORD", ""),
			LedgerShareID:   getEnv("LEDGER_SHARE_ID", ""),
			LedgerPassword:  getEnv("LEDGER_SHARE_PASSWORD", ""),
			StateShareID:    getEnv("STATE_SHARE_ID", ""),
			StatePassword:   getEnv("STATE_SHARE_PASSWORD", ""),
			Bucket:          getEnv("GCS_BUCKET", ""),
			ReceiptsPrefix:  getEnv("GCS_RECEIPTS_PREFIX", "receipts/"),
			LedgerObject:    getEnv("GCS_LEDGER_OBJECT", "ledger.csv"),
			StateObject:     getEnv("GCS_STATE_OBJECT", "state.txt"),
			RequestTimeout:  getDurationEnv("SHARE_REQUEST_TIMEOUT", 20*time.Second),
			Retries:         getIntEnv("SHARE_RETRIES", 1),
			RetryDelay:      getDurationEnv("SHARE_RETRY_DELAY", time.Second),
		},
		Store: StoreConfig{
			Backend:    getEnv("STORE_BACKEND", StoreShare),
			SQLitePath: getEnv("SQLITE_PATH", "data/receipt-ledger.db"),
		},
		AI: AIConfig{
			APIKey:            getEnv("GEMINI_API_KEY", ""),
			Model:             getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			RequestTimeout:    getDurationEnv("GEMINI_REQUEST_TIMEOUT", 60*time.Second),
			PollInterval:      getDurationEnv("GEMINI_POLL_INTERVAL", 1500*time.Millisecond),
			MaxProcessingWait: getDurationEnv("GEMINI_MAX_PROCESSING_WAIT", 2*time.Minute),
		},
		Sync: SyncConfig{
			Interval:      getDurationEnv("SYNC_INTERVAL", 0),
			LockFile:      getEnv("SYNC_LOCK_FILE", ""),
			SyncOnStartup: getBoolEnv("SYNC_ON_STARTUP", true),
		},
		Jobs: JobsConfig{
			Workers:    getIntEnv("JOB_WORKERS", 1),
			BufferSize: getIntEnv("JOB_BUFFER_SIZE", 100),
			MaxRetries: getIntEnv("JOB_MAX_RETRIES", 0),
			Store:      getEnv("JOB_STORE", "memory"),
		},
		Export: ExportConfig{
			BigQueryProject: getEnv("BIGQUERY_PROJECT", ""),
			BigQueryDataset: getEnv("BIGQUERY_DATASET", ""),
			BigQueryTable:   getEnv("BIGQUERY_TABLE", "line_items"),
			NotionToken:     getEnv("NOTION_TOKEN", ""),
			NotionDatabase:  getEnv("NOTION_DATABASE_ID", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			JSON:  getBoolEnv("LOG_JSON", false),
		},
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	missing := func(name string) {
		errs = append(errs, fmt.Errorf("%s is required", name))
	}

	switch c.Share.Backend {
	case ShareWebDAV:
		if c.Share.RootURL == "" {
			missing("NEXTCLOUD_ROOT_URL")
		}
		if c.Share.ReceiptShareID == "" {
			missing("RECEIPT_SHARE_ID")
		}
		if c.Store.Backend == StoreShare {
			if c.Share.LedgerShareID == "" {
				missing("LEDGER_SHARE_ID")
			}
			if c.Share.StateShareID == "" {
				missing("STATE_SHARE_ID")
			}
		}
	case ShareGCS:
		if c.Share.Bucket == "" {
			missing("GCS_BUCKET")
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SHARE_BACKEND %q", c.Share.Backend))
	}

	switch c.Store.Backend {
	case StoreShare:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			missing("SQLITE_PATH")
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}

	switch c.Jobs.Store {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			missing("SQLITE_PATH")
		}
	default:
		errs = append(errs, fmt.Errorf("unknown JOB_STORE %q", c.Jobs.Store))
	}

	if c.AI.APIKey == "" {
		missing("GEMINI_API_KEY")
	}
	if c.Jobs.Workers < 1 {
		errs = append(errs, errors.New("JOB_WORKERS must be at least 1"))
	}
	if c.Sync.Interval < 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must not be negative"))
	}
	if (c.Export.BigQueryProject == "") != (c.Export.BigQueryDataset == "") {
		errs = append(errs, errors.New("BIGQUERY_PROJECT and BIGQUERY_DATASET must be set together"))
	}
	if (c.Export.NotionToken == "") != (c.Export.NotionDatabase == "") {
		errs = append(errs, errors.New("NOTION_TOKEN and NOTION_DATABASE_ID must be set together"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// BigQueryEnabled reports whether the BigQuery export is configured.
func (c *Config) BigQueryEnabled() bool {
	return c.Export.BigQueryProject != "" && c.Export.BigQueryDataset != ""
}

// NotionEnabled reports whether the Notion export is configured.
func (c *Config) NotionEnabled() bool {
	return c.Export.NotionToken != "" && c.Export.NotionDatabase != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getBoolEnv(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
