// Package config merges defaults, an optional YAML config file and
// command line flags into a validated Config.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Lalufu/solaredge-mqtt/internal/buffer"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Config for the gateway
//
// Keys in the config file are the flag names without leading dashes.
type Config struct {
	SolarEdgeHost    string        `mapstructure:"solaredge-host"`
	SolarEdgePort    int           `mapstructure:"solaredge-port"`
	SolarEdgeUnit    uint8         `mapstructure:"solaredge-unit"`
	SolarEdgeTimeout time.Duration `mapstructure:"solaredge-timeout"`

	// Sampling period; timestamps are aligned to multiples of it
	ReadEvery time.Duration `mapstructure:"read-every"`
	// Positive values shift timestamps into the past
	TimeOffset time.Duration `mapstructure:"time-offset"`
	// Shifts the sampling grid
	Phase time.Duration `mapstructure:"phase"`

	BufferSize int    `mapstructure:"buffer-size"`
	Overflow   string `mapstructure:"overflow"`

	MQTTHost      string `mapstructure:"mqtt-host"`
	MQTTPort      int    `mapstructure:"mqtt-port"`
	MQTTClientID  string `mapstructure:"mqtt-client-id"`
	MQTTTopic     string `mapstructure:"mqtt-topic"`
	MQTTUsername  string `mapstructure:"mqtt-username"`
	MQTTPassword  string `mapstructure:"mqtt-password"`
	MQTTKeepAlive uint16 `mapstructure:"mqtt-keepalive"`
	MQTTQoS       byte   `mapstructure:"mqtt-qos"`
	// Upper bound for one broker connection attempt
	MQTTConnectTimeout time.Duration `mapstructure:"mqtt-connect-timeout"`

	MetricsAddr string `mapstructure:"metrics-addr"`
	Debug       bool   `mapstructure:"debug"`
}

// Default mirrors the defaults of the command line flags.
func Default() Config {
	return Config{
		SolarEdgePort:    1502,
		SolarEdgeUnit:    1,
		SolarEdgeTimeout: 5 * time.Second,
		ReadEvery:        5 * time.Second,
		BufferSize:       100000,
		Overflow:         buffer.DropOldest.String(),
		MQTTPort:         1883,
		MQTTClientID:     "se-mqtt-gateway",
		MQTTTopic:        "solaredge-mqtt/tele/{serial}/SENSOR",
		MQTTKeepAlive:    60,
		MQTTQoS:          1,

		MQTTConnectTimeout: 10 * time.Second,
	}
}

// Load parses args (without the program name). Flags given on the
// command line take precedence over the config file, which takes
// precedence over the defaults.
//
// Returns pflag.ErrHelp if usage was requested.
func Load(args []string, usage io.Writer) (Config, error) {
	fs := newFlagSet(usage)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()

	path, _ := fs.GetString("config")
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	set := map[string]any{}
	fs.Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			set[f.Name] = f.Value.String()
		}
	})
	if err := decode(set, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newFlagSet(usage io.Writer) *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet("solaredge-mqtt", pflag.ContinueOnError)
	if usage != nil {
		fs.SetOutput(usage)
	}

	fs.String("config", "", "Configuration file to load")
	fs.String("solaredge-host", "", "Solaredge host to connect to")
	fs.Int("solaredge-port", d.SolarEdgePort, "Solaredge port to connect to")
	fs.Uint8("solaredge-unit", d.SolarEdgeUnit, "Modbus unit id of the inverter")
	fs.String("solaredge-timeout", d.SolarEdgeTimeout.String(), "Modbus request timeout")
	fs.String("read-every", d.ReadEvery.String(),
		"Read information from the inverter every N seconds (or a duration like 2.5s). "+
			"The time stamp sent to MQTT is aligned to a multiple of this")
	fs.String("time-offset", "0s",
		"Shift time stamps sent to MQTT into the past by this many seconds, "+
			"to line them up with other devices like a smart energy meter")
	fs.String("phase", "0s", "Shift the sampling grid by this many seconds")
	fs.Int("buffer-size", d.BufferSize,
		"How many measurements to buffer if the MQTT server is unavailable. "+
			"The buffer is not persistent across program restarts")
	fs.String("overflow", d.Overflow, "Which measurement to drop when the buffer is full: drop-oldest or drop-newest")
	fs.String("mqtt-host", "", "MQTT server to connect to")
	fs.Int("mqtt-port", d.MQTTPort, "MQTT port to connect to")
	fs.String("mqtt-client-id", d.MQTTClientID, "MQTT client ID. Needs to be unique between all clients connecting to the same broker")
	fs.String("mqtt-topic", d.MQTTTopic, "MQTT topic to publish to. {serial} is replaced by the serial number of the inverter")
	fs.String("mqtt-username", "", "MQTT user name")
	fs.String("mqtt-password", "", "MQTT password")
	fs.Uint16("mqtt-keepalive", d.MQTTKeepAlive, "Seconds between MQTT keepalive packets")
	fs.Uint8("mqtt-qos", d.MQTTQoS, "MQTT QoS for published measurements")
	fs.String("mqtt-connect-timeout", d.MQTTConnectTimeout.String(), "How long to wait for the MQTT connection before retrying")
	fs.String("metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9100")
	fs.Bool("debug", false, "Enable debug logging")
	return fs
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file %s: %w", path, err)
	}
	values := map[string]any{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	if err := decode(values, c); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	return nil
}

func decode(values map[string]any, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       durationHook,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(values)
}

// durationHook accepts plain numbers as seconds, like the original
// read-every and time-offset options, and Go duration strings.
func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	var seconds float64
	switch v := data.(type) {
	case string:
		s := strings.TrimSpace(v)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.ParseDuration(s)
		}
		seconds = f
	case int:
		seconds = float64(v)
	case int64:
		seconds = float64(v)
	case float64:
		seconds = v
	default:
		return data, nil
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Validate checks the values the gateway cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.SolarEdgeHost == "" {
		errs = append(errs, errors.New("no solaredge host given"))
	}
	if c.MQTTHost == "" {
		errs = append(errs, errors.New("no MQTT host given"))
	}
	if c.ReadEvery <= 0 {
		errs = append(errs, fmt.Errorf("read-every must be positive, got %s", c.ReadEvery))
	} else if c.ReadEvery%time.Millisecond != 0 {
		errs = append(errs, fmt.Errorf("read-every must be a whole number of milliseconds, got %s", c.ReadEvery))
	}
	if c.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("buffer-size must be at least 1, got %d", c.BufferSize))
	}
	if _, err := buffer.ParsePolicy(c.Overflow); err != nil {
		errs = append(errs, err)
	}
	if c.SolarEdgePort <= 0 || c.SolarEdgePort > 65535 {
		errs = append(errs, fmt.Errorf("invalid solaredge-port %d", c.SolarEdgePort))
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid mqtt-port %d", c.MQTTPort))
	}
	if c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("invalid mqtt-qos %d", c.MQTTQoS))
	}
	if c.SolarEdgeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("solaredge-timeout must be positive, got %s", c.SolarEdgeTimeout))
	}
	if c.MQTTConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("mqtt-connect-timeout must be positive, got %s", c.MQTTConnectTimeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Policy returns the parsed overflow policy. Only valid after Validate.
func (c Config) Policy() buffer.Policy {
	p, _ := buffer.ParsePolicy(c.Overflow)
	return p
}

// MQTTServerURL for the configured host and port
func (c Config) MQTTServerURL() string {
	return "mqtt://" + net.JoinHostPort(c.MQTTHost, strconv.Itoa(c.MQTTPort))
}

// Redacted returns a copy safe for logging.
func (c Config) Redacted() Config {
	if c.MQTTPassword != "" {
		c.MQTTPassword = "***"
	}
	return c
}
