package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// CoinbaseProWebsocketURL is the coinbase-pro exchange websocket url.
	CoinbaseProWebsocketURL = "wss://ws-feed.pro.coinbase.com"
	// CoinbaseProRESTBaseURL is the coinbase-pro exchange base REST url.
	CoinbaseProRESTBaseURL = "https://api.pro.coinbase.com/"

	// BigQueryAPIBaseURL is the base url of the BigQuery v2 REST api.
	BigQueryAPIBaseURL = "https://www.googleapis.com/bigquery/v2"
)

// Storage names accepted in a feed's storages list.
const (
	StorageBigQuery      = "bigquery"
	StorageMySQL         = "mysql"
	StorageElasticSearch = "elastic_search"
	StorageTerminal      = "terminal"
)

// Default values applied by Load for unset fields.
const (
	DefaultHeartbeatSec      = 15
	DefaultConnTimeoutSec    = 10
	DefaultReqTimeoutSec     = 30
	DefaultBatchSize         = 500
	DefaultSnapshotChunkSize = 500
	DefaultRESTSnapshotEvery = 1000000
	DefaultRetryGapSec       = 5
)

// DefaultChannels are subscribed when a feed lists none.
var DefaultChannels = []string{"full", "level2"}

// UnsupportedChannels cannot be ingested by the pipeline.
var UnsupportedChannels = []string{"ticker", "user", "matches", "heartbeat"}

// Config contains config values for the app.
// Struct values are loaded from user defined JSON or YAML config file.
type Config struct {
	Feeds      []Feed     `json:"feeds" yaml:"feeds"`
	Connection Connection `json:"connection" yaml:"connection"`
	Log        Log        `json:"log" yaml:"log"`
}

// Feed contains config values for one exchange feed connection.
// Each feed runs its own ingestion pipeline. RESTSnapshotEvery set to zero disables REST snapshots.
type Feed struct {
	Name              string   `json:"name" yaml:"name"`
	ProductIDs        []string `json:"product_ids" yaml:"product_ids"`
	Channels          []string `json:"channels" yaml:"channels"`
	Storages          []string `json:"storages" yaml:"storages"`
	BatchSize         int      `json:"batch_size" yaml:"batch_size"`
	SnapshotChunkSize int      `json:"snapshot_chunk_size" yaml:"snapshot_chunk_size"`
	RESTSnapshotEvery *int64   `json:"rest_snapshot_every" yaml:"rest_snapshot_every"`
	Retry             Retry    `json:"retry" yaml:"retry"`
}

// Retry contains config values for retry process.
// Number zero means the feed is restarted indefinitely.
type Retry struct {
	Number   int `json:"number" yaml:"number"`
	GapSec   int `json:"gap_sec" yaml:"gap_sec"`
	ResetSec int `json:"reset_sec" yaml:"reset_sec"`
}

// Connection contains config values for different API and storage connections.
type Connection struct {
	WS       WS       `json:"websocket" yaml:"websocket"`
	REST     REST     `json:"rest" yaml:"rest"`
	BigQuery BigQuery `json:"bigquery" yaml:"bigquery"`
	MySQL    MySQL    `json:"mysql" yaml:"mysql"`
	ES       ES       `json:"elastic_search" yaml:"elastic_search"`
}

// WS contains config values for websocket connection.
// HeartbeatSec is both the ping interval and the maximum silent receive time.
type WS struct {
	URL            string `json:"url" yaml:"url"`
	ConnTimeoutSec int    `json:"conn_timeout_sec" yaml:"conn_timeout_sec"`
	HeartbeatSec   int    `json:"heartbeat_sec" yaml:"heartbeat_sec"`
}

// REST contains config values for REST API connection.
type REST struct {
	URL                 string `json:"url" yaml:"url"`
	ReqTimeoutSec       int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	MaxIdleConns        int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int    `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
}

// BigQuery contains config values for the streaming insert destination.
type BigQuery struct {
	ServiceFile         string   `json:"service_file" yaml:"service_file"`
	ProjectID           string   `json:"project_id" yaml:"project_id"`
	APIBaseURL          string   `json:"api_base_url" yaml:"api_base_url"`
	TokenURL            string   `json:"token_url" yaml:"token_url"`
	Scopes              []string `json:"scopes" yaml:"scopes"`
	SkipInvalidRows     *bool    `json:"skip_invalid_rows" yaml:"skip_invalid_rows"`
	IgnoreUnknownValues *bool    `json:"ignore_unknown_values" yaml:"ignore_unknown_values"`
	TemplateSuffix      string   `json:"template_suffix" yaml:"template_suffix"`
	RequestsPerSec      float64  `json:"requests_per_sec" yaml:"requests_per_sec"`
	Burst               int      `json:"burst" yaml:"burst"`
}

// MySQL contains config values for mysql.
type MySQL struct {
	User               string `json:"user" yaml:"user"`
	Password           string `json:"password" yaml:"password"`
	URL                string `json:"URL" yaml:"url"`
	Schema             string `json:"schema" yaml:"schema"`
	ReqTimeoutSec      int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec" yaml:"conn_max_lifetime_sec"`
	MaxOpenConns       int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns" yaml:"max_idle_conns"`
}

// ES contains config values for elastic search.
type ES struct {
	Addresses           []string `json:"addresses" yaml:"addresses"`
	Username            string   `json:"username" yaml:"username"`
	Password            string   `json:"password" yaml:"password"`
	IndexName           string   `json:"index_name" yaml:"index_name"`
	ReqTimeoutSec       int      `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	MaxIdleConns        int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int      `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
}

// Log contains config values for logging.
type Log struct {
	Level      string `json:"level" yaml:"level"`
	FilePath   string `json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// Load reads the config file at path, applies env overrides and defaults and validates the result.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "not able to read config file: %v", path)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = jsoniter.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "not able to parse config file: %v", path)
	}

	// A missing .env file is fine, variables may come from the real environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "not able to load .env file")
	}
	overrideWithEnv(&cfg)

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overrideWithEnv replaces credentials with environment values when they are set.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("CRYPTOQUERY_SERVICE_FILE"); v != "" {
		cfg.Connection.BigQuery.ServiceFile = v
	}
	if v := os.Getenv("CRYPTOQUERY_PROJECT_ID"); v != "" {
		cfg.Connection.BigQuery.ProjectID = v
	}
	if v := os.Getenv("CRYPTOQUERY_MYSQL_PASSWORD"); v != "" {
		cfg.Connection.MySQL.Password = v
	}
	if v := os.Getenv("CRYPTOQUERY_ES_PASSWORD"); v != "" {
		cfg.Connection.ES.Password = v
	}
}

// SetDefaults fills every unset value with its default.
// Unnamed feeds are called coinbase-pro, suffixed with their position after the first.
func (c *Config) SetDefaults() {
	if c.Connection.WS.URL == "" {
		c.Connection.WS.URL = CoinbaseProWebsocketURL
	}
	if c.Connection.WS.ConnTimeoutSec == 0 {
		c.Connection.WS.ConnTimeoutSec = DefaultConnTimeoutSec
	}
	if c.Connection.WS.HeartbeatSec == 0 {
		c.Connection.WS.HeartbeatSec = DefaultHeartbeatSec
	}
	if c.Connection.REST.URL == "" {
		c.Connection.REST.URL = CoinbaseProRESTBaseURL
	}
	if c.Connection.REST.ReqTimeoutSec == 0 {
		c.Connection.REST.ReqTimeoutSec = DefaultReqTimeoutSec
	}
	if c.Connection.BigQuery.APIBaseURL == "" {
		c.Connection.BigQuery.APIBaseURL = BigQueryAPIBaseURL
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.Name == "" {
			f.Name = "coinbase-pro"
			if i > 0 {
				f.Name += "-" + strconv.Itoa(i)
			}
		}
		if len(f.Channels) == 0 {
			f.Channels = append([]string(nil), DefaultChannels...)
		}
		if f.BatchSize == 0 {
			f.BatchSize = DefaultBatchSize
		}
		if f.SnapshotChunkSize == 0 {
			f.SnapshotChunkSize = DefaultSnapshotChunkSize
		}
		if f.RESTSnapshotEvery == nil {
			every := int64(DefaultRESTSnapshotEvery)
			f.RESTSnapshotEvery = &every
		}
		if f.Retry.GapSec == 0 {
			f.Retry.GapSec = DefaultRetryGapSec
		}
	}
}

// Validate checks configuration validity.
// All failures are config errors, which are never retried.
func (c *Config) Validate() error {
	if len(c.Feeds) == 0 {
		return failure.Config("config", "at least one feed is required")
	}
	names := make(map[string]bool, len(c.Feeds))
	for _, f := range c.Feeds {
		if names[f.Name] {
			return failure.Config("config", "feed name %v is used more than once", f.Name)
		}
		names[f.Name] = true
		if len(f.ProductIDs) == 0 {
			return failure.Config("config", "feed %v has no product_ids", f.Name)
		}
		if err := ValidateChannels(f.Channels); err != nil {
			return err
		}
		if f.BatchSize < 1 || f.SnapshotChunkSize < 1 {
			return failure.Config("config", "feed %v batch_size and snapshot_chunk_size should be greater than zero", f.Name)
		}
		if f.RESTSnapshotEvery != nil && *f.RESTSnapshotEvery < 0 {
			return failure.Config("config", "feed %v rest_snapshot_every should not be negative", f.Name)
		}
		if len(f.Storages) == 0 {
			return failure.Config("config", "feed %v has no storages", f.Name)
		}
		storages := make(map[string]bool, len(f.Storages))
		for _, str := range f.Storages {
			if storages[str] {
				return failure.Config("config", "storage %v is listed more than once in feed %v", str, f.Name)
			}
			storages[str] = true
			switch str {
			case StorageBigQuery:
				if c.Connection.BigQuery.ServiceFile == "" {
					return failure.Config("config", "bigquery storage needs a service_file")
				}
			case StorageMySQL, StorageElasticSearch, StorageTerminal:
			default:
				return failure.Config("config", "unknown storage %q in feed %v", str, f.Name)
			}
		}
	}
	return nil
}

// ValidateChannels fails if any requested channel cannot be ingested.
func ValidateChannels(channels []string) error {
	for _, ch := range channels {
		for _, unsupported := range UnsupportedChannels {
			if ch == unsupported {
				return failure.Config("subscribe", "%v channel is not supported, ticker, user, matches and heartbeat channels cannot be ingested", ch)
			}
		}
	}
	return nil
}
