package llm

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Defaults applied by NewClient to zero Config fields.
const (
	DefaultModel           = "gpt-4o-mini"
	DefaultUpstreamTimeout = 60 * time.Second
	DefaultMaxRetries      = 2
	DefaultBaseBackoff     = 200 * time.Millisecond
	defaultIdleConns       = 50
)

// Config describes an OpenAI-compatible chat endpoint that accepts image parts.
type Config struct {
	BaseURL string
	APIKey  string
	// Model is used when a request does not name one.
	Model string

	// UpstreamTimeout bounds one Feedback call including retries.
	UpstreamTimeout time.Duration
	MaxRetries      int
	BaseBackoff     time.Duration

	// HTTPClient replaces the pooled default client, mostly for tests.
	HTTPClient *http.Client
}

func (c Config) validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("BaseURL is required"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("APIKey is required"))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	return c
}

type client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient returns a vision feedback client for cfg.
func NewClient(cfg Config, logger *zap.Logger) (Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid llm config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          defaultIdleConns,
			MaxIdleConnsPerHost:   defaultIdleConns,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}}
	}

	return &client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("llmclient"),
	}, nil
}

// Close releases idle connections.
func (c *client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
