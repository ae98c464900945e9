package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Duration is a time.Duration written as a string ("5s") in the config file.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the configuration of the relay and of the example peer
type Config struct {
	// Default config file location
	configFile string

	Relay struct {
		ListenAddress  string   `json:"listen"`
		Path           string   `json:"path"`      // WebSocket endpoint
		Broadcast      bool     `json:"broadcast"` // Forward every message to all other peers
		ProbePeriod    Duration `json:"probe_period"`
		InboundQueue   int      `json:"inbound_queue"`
		SendQueue      int      `json:"send_queue"` // Per connection
		WriteWait      Duration `json:"write_wait"`
		PongWait       Duration `json:"pong_wait"`
		MaxMessageSize int64    `json:"max_message_size"`
	} `json:"relay"`

	// Advertise the relay on the local network, peers without a relay URL look for it
	Discovery struct {
		UseMDNS bool   `json:"mdns"`
		Name    string `json:"name"`
	} `json:"discovery"`

	DataStore struct {
		LedgerPath string `json:"ledger"`
	} `json:"datastore"`

	Peer struct {
		RelayURL    string   `json:"relay_url"`
		Host        string   `json:"host"`
		Port        int      `json:"port"`
		SayInterval Duration `json:"say_interval"` // Zero disables the example "say" messages
	} `json:"peer"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Relay.ListenAddress = ":3000"
	cfg.Relay.Path = "/ws"
	cfg.Relay.Broadcast = false
	cfg.Relay.ProbePeriod = Duration(5 * time.Second)
	cfg.Relay.InboundQueue = 256
	cfg.Relay.SendQueue = 64
	cfg.Relay.WriteWait = Duration(10 * time.Second)
	cfg.Relay.PongWait = Duration(60 * time.Second)
	cfg.Relay.MaxMessageSize = 1024 * 1024

	cfg.Discovery.UseMDNS = false
	cfg.Discovery.Name = "wsrelay"

	cfg.DataStore.LedgerPath = "/tmp/wsrelay/ledger"

	cfg.Peer.RelayURL = "ws://localhost:3000/ws"
	cfg.Peer.Host = "localhost"
	cfg.Peer.SayInterval = Duration(10 * time.Second)

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}
