package config

import (
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/broker"
	redisclient "github.com/vietddude/brokerdata/internal/infra/redis"
	"github.com/vietddude/brokerdata/internal/infra/rpc/budget"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
	"github.com/vietddude/brokerdata/internal/infra/rpc/routing"
	"github.com/vietddude/brokerdata/internal/infra/storage/postgres"
)

// Journal backends.
const (
	JournalNone     = "none"
	JournalMemory   = "memory"
	JournalPostgres = "postgres"
	JournalRedis    = "redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig        `yaml:"server"`
	Logging     LoggingConfig       `yaml:"logging"`
	Redis       redisclient.Config  `yaml:"redis"`
	Database    postgres.Config     `yaml:"database"`
	Journal     JournalConfig       `yaml:"journal"`
	Retry       routing.RetryConfig `yaml:"retry"`
	Transport   provider.HTTPConfig `yaml:"transport"`
	Instruments broker.LoaderConfig `yaml:"instruments"`
	Brokers     []BrokerConfig      `yaml:"brokers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
	// QueryConcurrency bounds batch fan-out on the HTTP API
	QueryConcurrency int `yaml:"query_concurrency"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// JournalConfig selects where terminal query failures are recorded.
type JournalConfig struct {
	Backend   string        `yaml:"backend"`   // none, memory, postgres, redis
	Capacity  int           `yaml:"capacity"`  // memory backend only
	Retention time.Duration `yaml:"retention"` // entries older than this are pruned
}

// BrokerConfig holds settings for one broker adapter. Brokers are registered
// in file order, which is also the default routing order.
type BrokerConfig struct {
	ID             domain.BrokerID      `yaml:"id"`
	Disabled       bool                 `yaml:"disabled"`
	BaseURL        string               `yaml:"base_url"`
	InstrumentsURL string               `yaml:"instruments_url"`
	Kinds          []domain.QueryKind   `yaml:"kinds"` // empty = every capability
	Exchanges      []domain.Exchange    `yaml:"exchanges"`
	Credentials    CredentialsConfig    `yaml:"credentials"`
	Client         ClientIdentity       `yaml:"client"`
	Retry          *routing.RetryConfig `yaml:"retry"` // overrides the global policy
	Budget         budget.Limits        `yaml:"budget"`
}

// CredentialsConfig holds broker API credentials, usually expanded from env.
type CredentialsConfig struct {
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
	ClientCode  string `yaml:"client_code"`
}

// ClientIdentity holds the client headers Angel One requires.
type ClientIdentity struct {
	LocalIP    string `yaml:"local_ip"`
	PublicIP   string `yaml:"public_ip"`
	MACAddress string `yaml:"mac_address"`
}

// Enabled returns the brokers that are not disabled, in file order.
func (c *AppConfig) Enabled() []BrokerConfig {
	out := make([]BrokerConfig, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if !b.Disabled {
			out = append(out, b)
		}
	}
	return out
}
