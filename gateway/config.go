package gateway

import (
	"errors"
	"fmt"
	"net/url"
)

// DefaultMaxBodyBytes caps proxied request bodies at 50 MiB.
const DefaultMaxBodyBytes = 50 << 20

// Config holds the gateway's deployment configuration. It is read-only
// after startup; the request handlers share nothing else.
type Config struct {
	// Upstream is the backend origin URL requests are forwarded to.
	Upstream string
	// ServiceKey is the shared service credential injected into every
	// forwarded request. It is sourced from deployment configuration and
	// never from the client.
	ServiceKey string
	// Addr is the listen address, e.g. ":8090".
	Addr string
	// Production suppresses error detail in responses and makes Validate
	// fail closed on missing upstream or service key.
	Production bool
	// MaxBodyBytes caps the proxied request body size. Zero means
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// Validate checks the configuration. In a production posture a missing
// upstream or service key is a startup failure, not a degraded mode.
func (c Config) Validate() error {
	if c.Production {
		if c.Upstream == "" {
			return errors.New("production posture requires a backend upstream URL")
		}
		if c.ServiceKey == "" {
			return errors.New("production posture requires a service API key")
		}
	}
	if c.Upstream != "" {
		u, err := url.Parse(c.Upstream)
		if err != nil {
			return fmt.Errorf("invalid upstream URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream URL must be http or https, got %q", c.Upstream)
		}
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("max body bytes must not be negative")
	}
	return nil
}
