package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/broker"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
	"github.com/vietddude/brokerdata/internal/infra/rpc/routing"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.QueryConcurrency <= 0 {
		c.Server.QueryConcurrency = 8
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Journal.Backend == "" {
		c.Journal.Backend = JournalMemory
		if c.Database.URL != "" {
			c.Journal.Backend = JournalPostgres
		}
	}
	if c.Journal.Capacity <= 0 {
		c.Journal.Capacity = 1000
	}
	if c.Journal.Retention <= 0 {
		c.Journal.Retention = 7 * 24 * time.Hour
	}

	// Zero retry fields fall back inside routing.NewPolicy; only fill what
	// the API reports back.
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = routing.DefaultRetryConfig.MaxAttempts
	}

	d := provider.DefaultHTTPConfig
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = d.Timeout
	}
	if c.Transport.MaxIdleConns == 0 {
		c.Transport.MaxIdleConns = d.MaxIdleConns
	}
	if c.Transport.MaxIdleConnsPerHost == 0 {
		c.Transport.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if c.Transport.IdleConnTimeout == 0 {
		c.Transport.IdleConnTimeout = d.IdleConnTimeout
	}
	if c.Transport.UserAgent == "" {
		c.Transport.UserAgent = d.UserAgent
	}

	l := broker.DefaultLoaderConfig
	if c.Instruments.TTL == 0 {
		c.Instruments.TTL = l.TTL
	}
	if c.Instruments.MaxRetries == 0 {
		c.Instruments.MaxRetries = l.MaxRetries
	}
	if c.Instruments.InitialBackoff == 0 {
		c.Instruments.InitialBackoff = l.InitialBackoff
	}

	for i := range c.Brokers {
		b := &c.Brokers[i]
		b.ID = domain.BrokerID(strings.ToLower(string(b.ID)))
		if b.ID == domain.BrokerZerodha && len(b.Exchanges) == 0 {
			b.Exchanges = []domain.Exchange{domain.ExchangeNSE, domain.ExchangeBSE}
		}
	}
}

// Validate reports configuration errors.
func (c *AppConfig) Validate() error {
	var errs []error

	switch c.Journal.Backend {
	case JournalNone, JournalMemory:
	case JournalPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("journal backend postgres requires database.url"))
		}
	case JournalRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("journal backend redis requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal backend %q", c.Journal.Backend))
	}

	errs = append(errs, validateRetry("retry", c.Retry)...)

	seen := make(map[domain.BrokerID]bool)
	for i, b := range c.Brokers {
		name := fmt.Sprintf("brokers[%d]", i)
		switch b.ID {
		case domain.BrokerAngelOne, domain.BrokerZerodha:
		case "":
			errs = append(errs, fmt.Errorf("%s: id is required", name))
			continue
		default:
			errs = append(errs, fmt.Errorf("%s: unknown broker %q", name, b.ID))
			continue
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate broker %q", name, b.ID))
		}
		seen[b.ID] = true

		for _, k := range b.Kinds {
			if !k.Valid() {
				errs = append(errs, fmt.Errorf("%s: unknown query kind %q", name, k))
			}
		}
		for _, e := range b.Exchanges {
			if !e.Valid() {
				errs = append(errs, fmt.Errorf("%s: unknown exchange %q", name, e))
			}
		}
		if b.Retry != nil {
			errs = append(errs, validateRetry(name+".retry", *b.Retry)...)
		}
		if b.Budget.IntervalLimit > 0 && b.Budget.IntervalDuration <= 0 {
			errs = append(errs, fmt.Errorf("%s: budget.interval_limit needs interval_duration", name))
		}
	}

	return errors.Join(errs...)
}

func validateRetry(name string, r routing.RetryConfig) []error {
	var errs []error
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("%s: max_attempts must not be negative", name))
	}
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		errs = append(errs, fmt.Errorf("%s: initial_delay exceeds max_delay", name))
	}
	for _, k := range r.RetryableKinds {
		if !k.Valid() {
			errs = append(errs, fmt.Errorf("%s: unknown error kind %q", name, k))
		}
		if routing.NeverRetried(k) {
			errs = append(errs, fmt.Errorf("%s: %s is never retried", name, k))
		}
	}
	return errs
}
