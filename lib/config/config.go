// Package config provides helper functionality to read the ledgerfeed service configuration from a JSON config file or
// OS ENV variables.
// The default configuration can be overriden first by:
//
// - a valid JSON config file (see cmd/conf.json for a sample) and then by
//
// - OS ENV variables: prefixed with LFD_ (ie. LFD_DBTYPE, LFD_CACHECONN, ...). All OS ENV variables should be valid
// strings, except for LFD_NETWORKS which should be a string with a valid JSON format and the numeric ones. For example:
// # export LFD_NETWORKS='[{"name":"testnet","node":"wss://s.altnet.rippletest.net:51233"}]'
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend and policy names accepted in the configuration.
const (
	Memory = "memory"
	Redis  = "redis"
	AMQP   = "amqp"

	DropOldest = "drop_oldest"
	Disconnect = "disconnect"
)

// Default configuration variables
var (
	DBTypeDefault         = ""
	DbConnDefault         = ""
	RestfulEPDefault      = ""
	PortDefault           = "3030"
	SSLPortDefault        = ""
	SSLCertDefault        = ""
	SSLKeyDefault         = ""
	MetricsPortDefault    = "9100"
	MbTypeDefault         = Memory
	MbConnDefault         = ""
	MbChannelDefault      = "ledgerfeed:events"
	CacheTypeDefault      = Memory
	CacheConnDefault      = ""
	CacheTTLDefault       = 30000 // ms
	RateLimitDefault      = 60
	RateWindowDefault     = 60000 // ms
	BackendTimeoutDefault = 500   // ms
	SessionBufferDefault  = 64
	OverflowDefault       = DropOldest
	LogLevelDefault       = "info"
	NetworkDefault        = "testnet"
	NetworksDefault       = []NetworkConfig{
		{Name: "mainnet", Node: "wss://xrplcluster.com", MaxReconnectAttempts: 5, ReconnectDelay: 5000, MaxLedgers: 16},
		{Name: "testnet", Node: "wss://s.altnet.rippletest.net:51233", MaxReconnectAttempts: 5, ReconnectDelay: 5000, MaxLedgers: 8},
		{Name: "devnet", Node: "wss://s.devnet.rippletest.net:51233", MaxReconnectAttempts: 5, ReconnectDelay: 5000, MaxLedgers: 8},
	}
)

// Errors returned by Validate.
var (
	ErrNoNetworks    = errors.New("no networks configured")
	ErrUnknownNet    = errors.New("default network is not configured")
	ErrBadBackend    = errors.New("unknown backend type")
	ErrBadOverflow   = errors.New("unknown overflow policy")
	ErrBadParameters = errors.New("numeric parameters must be positive")
)

// NetworkConfig defines the fields required to connect to a ledger network. Node contains the websocket url (ie.
// wss://localhost:6006). MaxLedgers sizes the ring of recent ledger hashes kept by the explorer.
type NetworkConfig struct {
	Name                 string `json:"name"`
	Node                 string `json:"node"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
	ReconnectDelay       int    `json:"reconnectDelay"` // ms
	MaxLedgers           int    `json:"maxLedgers"`
}

// Delay returns the reconnect delay as a time.Duration.
func (n NetworkConfig) Delay() time.Duration {
	return time.Duration(n.ReconnectDelay) * time.Millisecond
}

// ServiceConfig contains the fields for the ledgerfeed service: database, API endpoint, ports, SSL cert and key,
// broadcast bus, cache and rate limiter backends, session queue settings and the ledger networks.
type ServiceConfig struct {
	DbType          string          `json:"dbtype"`
	DbConn          string          `json:"dbconn"`
	RestfulEndpoint string          `json:"endpoint"`
	Port            string          `json:"port"`
	SSLPort         string          `json:"sslport"`
	SSLCert         string          `json:"sslcert"`
	SSLKey          string          `json:"sslkey"`
	MetricsPort     string          `json:"metricsport"`
	MbType          string          `json:"mbtype"`
	MbConn          string          `json:"mbconn"`
	MbChannel       string          `json:"mbchannel"`
	CacheType       string          `json:"cachetype"`
	CacheConn       string          `json:"cacheconn"`
	CacheTTL        int             `json:"cachettl"`   // ms
	RateLimit       int             `json:"ratelimit"`  // requests per window
	RateWindow      int             `json:"ratewindow"` // ms
	BackendTimeout  int             `json:"backendtimeout"`
	SessionBuffer   int             `json:"sessionbuffer"`
	Overflow        string          `json:"overflow"`
	LogLevel        string          `json:"loglevel"`
	Network         string          `json:"network"` // network connected at startup, empty to start disconnected
	Networks        []NetworkConfig `json:"networks"`
}

// Net returns the configuration of the named network.
func (c ServiceConfig) Net(name string) (NetworkConfig, bool) {
	for _, n := range c.Networks {
		if n.Name == name {
			return n, true
		}
	}

	return NetworkConfig{}, false
}

// Validate checks the configuration is usable.
func (c ServiceConfig) Validate() error {
	if len(c.Networks) == 0 {
		return ErrNoNetworks
	}

	if _, ok := c.Net(c.Network); c.Network != "" && !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNet, c.Network)
	}

	switch c.MbType {
	case Memory, Redis, AMQP:
	default:
		return fmt.Errorf("%w: mbtype %q", ErrBadBackend, c.MbType)
	}

	switch c.CacheType {
	case Memory, Redis:
	default:
		return fmt.Errorf("%w: cachetype %q", ErrBadBackend, c.CacheType)
	}

	switch c.Overflow {
	case DropOldest, Disconnect:
	default:
		return fmt.Errorf("%w: %q", ErrBadOverflow, c.Overflow)
	}

	if c.CacheTTL <= 0 || c.RateLimit <= 0 || c.RateWindow <= 0 || c.BackendTimeout <= 0 || c.SessionBuffer <= 0 {
		return ErrBadParameters
	}

	for _, n := range c.Networks {
		if n.MaxReconnectAttempts < 0 || n.ReconnectDelay <= 0 || n.MaxLedgers <= 0 {
			return fmt.Errorf("%w: network %s", ErrBadParameters, n.Name)
		}
	}

	return nil
}

// ExtractConfiguration reads from the given JSON filename and returns the ServiceConfig or an error otherwise.
func ExtractConfiguration(filename string) (ServiceConfig, error) {
	conf := ServiceConfig{
		DbType:          DBTypeDefault,
		DbConn:          DbConnDefault,
		RestfulEndpoint: RestfulEPDefault,
		Port:            PortDefault,
		SSLPort:         SSLPortDefault,
		SSLCert:         SSLCertDefault,
		SSLKey:          SSLKeyDefault,
		MetricsPort:     MetricsPortDefault,
		MbType:          MbTypeDefault,
		MbConn:          MbConnDefault,
		MbChannel:       MbChannelDefault,
		CacheType:       CacheTypeDefault,
		CacheConn:       CacheConnDefault,
		CacheTTL:        CacheTTLDefault,
		RateLimit:       RateLimitDefault,
		RateWindow:      RateWindowDefault,
		BackendTimeout:  BackendTimeoutDefault,
		SessionBuffer:   SessionBufferDefault,
		Overflow:        OverflowDefault,
		LogLevel:        LogLevelDefault,
		Network:         NetworkDefault,
		Networks:        append([]NetworkConfig(nil), NetworksDefault...),
	}
	// read from config file first
	if filename != "" {
		file, err := os.Open(filename)
		if err != nil {
			return conf, fmt.Errorf("configuration file not found: %w", err)
		}
		defer file.Close()

		if err = json.NewDecoder(file).Decode(&conf); err != nil {
			return conf, fmt.Errorf("cannot decode configuration file %s: %w", filename, err)
		}
	}
	// then override config values with OS ENV variables
	strs := map[string]*string{
		"LFD_DBTYPE":      &conf.DbType,
		"LFD_DBCONN":      &conf.DbConn,
		"LFD_ENDPOINT":    &conf.RestfulEndpoint,
		"LFD_PORT":        &conf.Port,
		"LFD_SSLPORT":     &conf.SSLPort,
		"LFD_SSLCERT":     &conf.SSLCert,
		"LFD_SSLKEY":      &conf.SSLKey,
		"LFD_METRICSPORT": &conf.MetricsPort,
		"LFD_MBTYPE":      &conf.MbType,
		"LFD_MBCONN":      &conf.MbConn,
		"LFD_MBCHANNEL":   &conf.MbChannel,
		"LFD_CACHETYPE":   &conf.CacheType,
		"LFD_CACHECONN":   &conf.CacheConn,
		"LFD_OVERFLOW":    &conf.Overflow,
		"LFD_LOGLEVEL":    &conf.LogLevel,
		"LFD_NETWORK":     &conf.Network,
	}
	for env, dst := range strs {
		if tmp := os.Getenv(env); tmp != "" {
			*dst = tmp
		}
	}

	ints := map[string]*int{
		"LFD_CACHETTL":       &conf.CacheTTL,
		"LFD_RATELIMIT":      &conf.RateLimit,
		"LFD_RATEWINDOW":     &conf.RateWindow,
		"LFD_BACKENDTIMEOUT": &conf.BackendTimeout,
		"LFD_SESSIONBUFFER":  &conf.SessionBuffer,
	}
	for env, dst := range ints {
		if tmp := os.Getenv(env); tmp != "" {
			v, err := strconv.Atoi(tmp)
			if err != nil {
				return conf, fmt.Errorf("error reading %s from OS ENV: %w", env, err)
			}

			*dst = v
		}
	}

	if tmp := os.Getenv("LFD_NETWORKS"); tmp != "" {
		var nets []NetworkConfig
		if err := json.Unmarshal([]byte(tmp), &nets); err != nil {
			return conf, fmt.Errorf("error reading networks from OS ENV LFD_NETWORKS: %w", err)
		}

		conf.Networks = nets
	}

	return conf, nil
}

// Millis converts a millisecond setting into a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
