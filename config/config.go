// Package config loads and validates the collector configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/rtnm/errors"
)

// Protocol selects the wire protocol a device is subscribed with. The
// protocol-specific payload lives in the matching variant block; exactly one
// of the two blocks must be present.
type Protocol string

const (
	// ProtocolGNMI subscribes via the standard streaming management protocol
	ProtocolGNMI Protocol = "gnmi"
	// ProtocolDialIn subscribes via the vendor dial-in mechanism
	ProtocolDialIn Protocol = "dialin"
)

// Config is the complete collector configuration
type Config struct {
	Elasticsearch Elasticsearch `yaml:"elasticsearch"`
	Queue         Queue         `yaml:"queue"`
	Devices       []Device      `yaml:"devices"`
}

// Elasticsearch configures the downstream storage sink
type Elasticsearch struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

// Queue configures the shared output queue
type Queue struct {
	Size int `yaml:"size"`
}

// TLS holds the channel trust material for one device
type TLS struct {
	CAFile string `yaml:"ca_file"`
	// ServerNameOverride replaces the dialled host during certificate
	// matching (router certs are typically issued for ems.cisco.com)
	ServerNameOverride string `yaml:"server_name_override"`
}

// GNMI is the streaming-protocol variant payload
type GNMI struct {
	Sensors          []string `yaml:"sensors"`
	SampleInterval   uint64   `yaml:"sample_interval"`
	SubscriptionMode string   `yaml:"subscription_mode"`
	StreamMode       string   `yaml:"stream_mode"`
}

// DialIn is the dial-in variant payload
type DialIn struct {
	Subscriptions []string `yaml:"subscriptions"`
}

// Device is the immutable per-worker configuration
type Device struct {
	Name     string   `yaml:"name"`
	Address  string   `yaml:"address"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Protocol Protocol `yaml:"protocol"`
	Encoding string   `yaml:"encoding"`

	TLS         *TLS `yaml:"tls"`
	Compression bool `yaml:"compression"`
	Retry       bool `yaml:"retry"`

	// Debug lowers this device's worker logging to debug level regardless
	// of the process log level
	Debug bool `yaml:"debug"`

	// RPCTimeout bounds the whole subscribe call, zero means no deadline
	RPCTimeout int `yaml:"rpc_timeout_seconds"`

	GNMI   *GNMI   `yaml:"gnmi"`
	DialIn *DialIn `yaml:"dialin"`
}

// Load reads and parses the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
	}

	return &cfg, nil
}

// Validate checks the whole configuration for errors
func (c *Config) Validate() error {
	if len(c.Elasticsearch.Addresses) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"elasticsearch addresses validation")
	}
	if len(c.Devices) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"at least one device is required")
	}

	seen := make(map[string]struct{}, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Name]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate device name %q", d.Name),
				"Config", "Validate", "device name uniqueness")
		}
		seen[d.Name] = struct{}{}
	}

	return nil
}

// Validate checks a single device entry, enforcing the protocol union
func (d *Device) Validate() error {
	if d.Name == "" || d.Address == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Device", "Validate",
			"name and address are required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("device %q: invalid port %d", d.Name, d.Port),
			"Device", "Validate", "port validation")
	}
	if d.Username == "" || d.Password == "" {
		return errors.WrapInvalid(
			fmt.Errorf("device %q: credentials are required", d.Name),
			"Device", "Validate", "credential validation")
	}

	switch d.Protocol {
	case ProtocolGNMI:
		if d.DialIn != nil {
			return errors.WrapInvalid(
				fmt.Errorf("device %q: dialin block set on a gnmi device", d.Name),
				"Device", "Validate", "protocol variant validation")
		}
		if d.GNMI == nil || len(d.GNMI.Sensors) == 0 {
			return errors.WrapInvalid(
				fmt.Errorf("device %q: gnmi device needs at least one sensor path", d.Name),
				"Device", "Validate", "protocol variant validation")
		}
		if d.GNMI.SampleInterval == 0 {
			return errors.WrapInvalid(
				fmt.Errorf("device %q: sample_interval is required", d.Name),
				"Device", "Validate", "protocol variant validation")
		}
	case ProtocolDialIn:
		if d.GNMI != nil {
			return errors.WrapInvalid(
				fmt.Errorf("device %q: gnmi block set on a dialin device", d.Name),
				"Device", "Validate", "protocol variant validation")
		}
		if d.DialIn == nil || len(d.DialIn.Subscriptions) == 0 {
			return errors.WrapInvalid(
				fmt.Errorf("device %q: dialin device needs at least one subscription id", d.Name),
				"Device", "Validate", "protocol variant validation")
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("device %q: unknown protocol %q", d.Name, d.Protocol),
			"Device", "Validate", "protocol validation")
	}

	return nil
}

// Target returns the host:port dial target for the device
func (d *Device) Target() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// Timeout returns the RPC deadline for the subscribe call, zero for none
func (d *Device) Timeout() time.Duration {
	return time.Duration(d.RPCTimeout) * time.Second
}
