// Package credentials resolves the Home Assistant URL and access token and
// persists the optional local configuration file.
package credentials

import (
	"context"
	"errors"
)

const (
	// EnvURL holds the base URL of the Home Assistant instance.
	EnvURL = "HA_URL"
	// EnvToken holds the long-lived access token.
	EnvToken = "HA_TOKEN"
	// DefaultConfigPath is the configuration file read when nothing else
	// supplies credentials.
	DefaultConfigPath = "ha.config.json"
)

var (
	// ErrMissingCredentials is returned when no source yields both a URL and a token.
	ErrMissingCredentials = errors.New("credentials: no URL and token found")

	// ErrConfigNotFound is returned when the configuration file does not exist.
	ErrConfigNotFound = errors.New("credentials: config file not found")
)

// Credentials identify one Home Assistant instance.
type Credentials struct {
	URL   string `json:"url" yaml:"url"`
	Token string `json:"token" yaml:"token"`
}

// Complete reports whether both fields are set.
func (c Credentials) Complete() bool {
	return c.URL != "" && c.Token != ""
}

// Device is the persisted record of a discovered entity.
type Device struct {
	WasDetected bool   `json:"wasDetected" yaml:"wasDetected"`
	Type        string `json:"type" yaml:"type"`
	Name        string `json:"name" yaml:"name"`
	IsUsed      bool   `json:"isUsed,omitempty" yaml:"isUsed,omitempty"`
}

// Config is the full content of the configuration file.
type Config struct {
	Credentials *Credentials      `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Devices     map[string]Device `json:"devices,omitempty" yaml:"devices,omitempty"`
	DeviceTypes map[string]bool   `json:"deviceType,omitempty" yaml:"deviceType,omitempty"`
}

func (c *Config) clone() *Config {
	if c == nil {
		return nil
	}
	out := &Config{}
	if c.Credentials != nil {
		creds := *c.Credentials
		out.Credentials = &creds
	}
	if c.Devices != nil {
		out.Devices = make(map[string]Device, len(c.Devices))
		for k, v := range c.Devices {
			out.Devices[k] = v
		}
	}
	if c.DeviceTypes != nil {
		out.DeviceTypes = make(map[string]bool, len(c.DeviceTypes))
		for k, v := range c.DeviceTypes {
			out.DeviceTypes[k] = v
		}
	}
	return out
}

// Source supplies configuration from somewhere other than the environment.
// *FileStore implements it.
type Source interface {
	GetAllConfig(ctx context.Context) (*Config, error)
}
