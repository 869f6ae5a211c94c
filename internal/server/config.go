package server

import (
	"time"
)

// Config holds the coordinator server configuration.
// Zero values fall back to listening on 127.0.0.1:8000.
type Config struct {
	Host              string        `env:"HOST"`
	Port              int           `env:"PORT"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"`
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 8000
	}
	return p
}
