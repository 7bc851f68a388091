// internal/config/config-gateway.go
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/fisaks/mamlink/internal/logging"
)

/* =========================
   Types
   ========================= */

const (
	KindTopic   = "topic"
	KindPayment = "payment"
	KindWallet  = "wallet"

	ChannelPayment = "payment"
	ChannelBalance = "balance"
)

// DefaultThingRefresh is used by things created at runtime.
const DefaultThingRefresh = 60

type GatewayConfig struct {
	Node              NodeConfig     `json:"node" yaml:"node"`
	Helper            HelperConfig   `json:"helper" yaml:"helper"`
	DebounceMs        int            `json:"debounceMs" yaml:"debounceMs"`
	ReleaseDelayMs    int            `json:"releaseDelayMs" yaml:"releaseDelayMs"`
	HeartbeatInterval int            `json:"heartbeatInterval" yaml:"heartbeatInterval"` // seconds
	Things            []ThingConfig  `json:"things" yaml:"things"`
	Streams           []StreamConfig `json:"streams" yaml:"streams"`
	Modbus            *ModbusConfig  `json:"modbus,omitempty" yaml:"modbus,omitempty"`
}

type NodeConfig struct {
	Protocol  string `json:"protocol" yaml:"protocol"`
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Seed      string `json:"seed" yaml:"seed"` // empty disables auto payments
	TimeoutMs int    `json:"timeoutMs" yaml:"timeoutMs"`
}

type HelperConfig struct {
	NodeBinary string `json:"nodeBinary" yaml:"nodeBinary"`
	ScriptDir  string `json:"scriptDir" yaml:"scriptDir"`
	TimeoutMs  int    `json:"timeoutMs" yaml:"timeoutMs"`
}

type ThingConfig struct {
	ID       string          `json:"id" yaml:"id"`
	Kind     string          `json:"kind" yaml:"kind"` // topic | payment | wallet
	Root     string          `json:"root,omitempty" yaml:"root,omitempty"`
	Refresh  int             `json:"refresh" yaml:"refresh"` // seconds, 0 = as fast as possible
	Mode     string          `json:"mode,omitempty" yaml:"mode,omitempty"`
	Key      string          `json:"key,omitempty" yaml:"key,omitempty"`
	Channels []ChannelConfig `json:"channels" yaml:"channels"`
}

type ChannelConfig struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`

	// topic things
	StateTopic            string   `json:"stateTopic,omitempty" yaml:"stateTopic,omitempty"`
	TransformationPattern string   `json:"transformationPattern,omitempty" yaml:"transformationPattern,omitempty"`
	Min                   *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max                   *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Step                  *float64 `json:"step,omitempty" yaml:"step,omitempty"`
	IsFloat               *bool    `json:"isFloat,omitempty" yaml:"isFloat,omitempty"`
	Inverse               bool     `json:"inverse,omitempty" yaml:"inverse,omitempty"`
	On                    string   `json:"on,omitempty" yaml:"on,omitempty"`
	Off                   string   `json:"off,omitempty" yaml:"off,omitempty"`

	// payment things
	Root      string  `json:"root,omitempty" yaml:"root,omitempty"`
	Key       string  `json:"key,omitempty" yaml:"key,omitempty"`
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	OwnKey    string  `json:"ownKey,omitempty" yaml:"ownKey,omitempty"`

	// wallet things
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

type StreamConfig struct {
	Item   string  `json:"item" yaml:"item"`
	Seed   string  `json:"seed,omitempty" yaml:"seed,omitempty"`
	Mode   string  `json:"mode,omitempty" yaml:"mode,omitempty"`
	Key    string  `json:"key,omitempty" yaml:"key,omitempty"`
	Price  float64 `json:"price,omitempty" yaml:"price,omitempty"`
	Wallet string  `json:"wallet,omitempty" yaml:"wallet,omitempty"`
}

type ModbusConfig struct {
	PollIntervalMs int          `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	Buses          []BusConfig  `json:"buses" yaml:"buses"`
	Items          []ModbusItem `json:"items" yaml:"items"`
}

type BusConfig struct {
	BusId     string `json:"busId" yaml:"busId"`
	Type      string `json:"type" yaml:"type"` // "rtu" | "tcp"
	TCPAddr   string `json:"tcpAddr" yaml:"tcpAddr"`
	Port      string `json:"port" yaml:"port"`
	Baud      int    `json:"baud" yaml:"baud"`
	DataBits  int    `json:"dataBits" yaml:"dataBits"`
	StopBits  int    `json:"stopBits" yaml:"stopBits"`
	Parity    string `json:"parity" yaml:"parity"`
	TimeoutMs int    `json:"timeoutMs" yaml:"timeoutMs"`
	Debug     bool   `json:"debug" yaml:"debug"`
}

// ModbusItem maps one register or bit to an item whose changes are published.
type ModbusItem struct {
	Item     string  `json:"item" yaml:"item"`
	Bus      string  `json:"bus" yaml:"bus"`
	UnitId   uint8   `json:"unitId" yaml:"unitId"`
	Register string  `json:"register" yaml:"register"` // coil | discrete | holding | input
	Address  uint16  `json:"address" yaml:"address"`
	Scale    float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Unit     string  `json:"unit,omitempty" yaml:"unit,omitempty"`
	Topic    string  `json:"topic,omitempty" yaml:"topic,omitempty"`
}

/* =========================
   Helpers
   ========================= */

func (n NodeConfig) Endpoint() string {
	return fmt.Sprintf("%s://%s:%d", n.Protocol, n.Host, n.Port)
}
func (n NodeConfig) Timeout() time.Duration { return time.Duration(n.TimeoutMs) * time.Millisecond }
func (h HelperConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}
func (c GatewayConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}
func (c GatewayConfig) ReleaseDelay() time.Duration {
	return time.Duration(c.ReleaseDelayMs) * time.Millisecond
}
func (b BusConfig) Timeout() time.Duration   { return time.Duration(b.TimeoutMs) * time.Millisecond }
func (m ModbusConfig) PollPeriod() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

// RefreshPeriod is the delay between two ticks of the thing.
func (t ThingConfig) RefreshPeriod() time.Duration {
	if t.Refresh <= 0 {
		return time.Second
	}
	return time.Duration(t.Refresh) * time.Second
}

// Clone returns a deep copy, so runtime changes never touch the loaded file.
func (t ThingConfig) Clone() ThingConfig {
	out := t
	out.Channels = slices.Clone(t.Channels)
	return out
}

func (t ThingConfig) Channel(id string) (ChannelConfig, bool) {
	for _, ch := range t.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

// WithoutChannel returns a copy of the thing without the channel id.
func (t ThingConfig) WithoutChannel(id string) ThingConfig {
	out := t.Clone()
	out.Channels = slices.DeleteFunc(out.Channels, func(ch ChannelConfig) bool { return ch.ID == id })
	return out
}

/* =========================
   Strict load + validate
   ========================= */

// LoadGatewayConfig reads YAML for .yaml/.yml files and commented JSON otherwise.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAML(raw)
	default:
		return parseJSON(raw)
	}
}

func LoadGatewayConfigFromReader(r io.Reader) (*GatewayConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parseJSON(raw)
}

func parseJSON(raw []byte) (*GatewayConfig, error) {
	clean := stripJSONComments(raw)

	dec := json.NewDecoder(strings.NewReader(string(clean)))
	dec.DisallowUnknownFields()

	var cfg GatewayConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func parseYAML(raw []byte) (*GatewayConfig, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)

	var cfg GatewayConfig
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

var modes = []string{"public", "private", "restricted"}

var channelKinds = map[string]string{
	"text":    "Text",
	"number":  "Number",
	"percent": "Percent",
	"onoff":   "OnOff",
	"switch":  "OnOff",
}

func (c *GatewayConfig) Validate() error {
	var errs *multierror.Error

	/* Node */
	if c.Node.Protocol == "" {
		c.Node.Protocol = "https"
	}
	if c.Node.Host == "" {
		c.Node.Host = "iotanode.be"
	}
	if c.Node.Port == 0 {
		c.Node.Port = 443
	}
	if c.Node.TimeoutMs <= 0 {
		c.Node.TimeoutMs = 30000
	}
	if !slices.Contains([]string{"http", "https"}, strings.ToLower(c.Node.Protocol)) {
		errs = multierror.Append(errs, fmt.Errorf("node.protocol must be http or https"))
	}
	if c.Node.Seed == "" {
		logging.Warn("No seed provided. Auto-payments won't be executed")
	}

	/* Helper */
	if c.Helper.NodeBinary == "" {
		c.Helper.NodeBinary = "node"
	}
	if c.Helper.ScriptDir == "" {
		c.Helper.ScriptDir = "/usr/share/mamlink/helper"
	}
	if c.Helper.TimeoutMs <= 0 {
		c.Helper.TimeoutMs = 300000
	}

	/* Timings */
	if c.DebounceMs <= 0 {
		c.DebounceMs = 1000
	}
	if c.ReleaseDelayMs <= 0 {
		c.ReleaseDelayMs = 5000
	}
	if c.HeartbeatInterval < 0 {
		c.HeartbeatInterval = 60
	}
	if c.HeartbeatInterval == 0 {
		logging.Warn("heartbeatInterval=0 configured, heartbeats disabled")
	}

	/* Things */
	seen := map[string]int{}
	for i := range c.Things {
		t := &c.Things[i]
		if strings.TrimSpace(t.ID) == "" {
			errs = multierror.Append(errs, fmt.Errorf("things[%d]: id is required", i))
		} else if j, ok := seen[t.ID]; ok {
			errs = multierror.Append(errs, fmt.Errorf("things[%d]: duplicate id %q (also at things[%d])", i, t.ID, j))
		} else {
			seen[t.ID] = i
		}
		if t.Refresh < 0 {
			errs = multierror.Append(errs, fmt.Errorf("things[%d/%s]: refresh cannot be negative", i, t.ID))
		}
		if err := t.validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("things[%d/%s]: %w", i, t.ID, err))
		}
	}

	/* Streams */
	items := map[string]int{}
	for i := range c.Streams {
		s := &c.Streams[i]
		if strings.TrimSpace(s.Item) == "" {
			errs = multierror.Append(errs, fmt.Errorf("streams[%d]: item is required", i))
		} else if j, ok := items[s.Item]; ok {
			errs = multierror.Append(errs, fmt.Errorf("streams[%d]: item %q already bound at streams[%d]", i, s.Item, j))
		} else {
			items[s.Item] = i
		}
		s.Mode = strings.ToLower(s.Mode)
		if s.Mode == "" {
			s.Mode = "public"
		}
		if !slices.Contains(modes, s.Mode) {
			errs = multierror.Append(errs, fmt.Errorf("streams[%d/%s]: unsupported mode %q", i, s.Item, s.Mode))
		}
		if s.Price < 0 {
			errs = multierror.Append(errs, fmt.Errorf("streams[%d/%s]: price cannot be negative", i, s.Item))
		}
		if s.Price > 0 && s.Mode != "restricted" {
			errs = multierror.Append(errs, fmt.Errorf("streams[%d/%s]: a priced stream must be restricted", i, s.Item))
		}
	}

	/* Modbus */
	if c.Modbus != nil {
		if err := c.Modbus.validate(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

func (t *ThingConfig) validate() error {
	var errs *multierror.Error

	t.Kind = strings.ToLower(t.Kind)
	t.Mode = strings.ToLower(t.Mode)
	if t.Mode == "" {
		t.Mode = "public"
	}
	if !slices.Contains(modes, t.Mode) {
		errs = multierror.Append(errs, fmt.Errorf("unsupported mode %q", t.Mode))
	}

	chans := map[string]struct{}{}
	for j := range t.Channels {
		ch := &t.Channels[j]
		if ch.ID == "" {
			errs = multierror.Append(errs, fmt.Errorf("channels[%d]: id is required", j))
		} else if _, dup := chans[ch.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("channels[%d]: duplicate id %q", j, ch.ID))
		}
		chans[ch.ID] = struct{}{}

		switch t.Kind {
		case KindTopic:
			kind, ok := channelKinds[strings.ToLower(ch.Type)]
			if ch.Type == "" {
				kind, ok = "Text", true
			}
			if !ok {
				errs = multierror.Append(errs, fmt.Errorf("channels[%d/%s]: unknown type %q", j, ch.ID, ch.Type))
			}
			ch.Type = kind
			if ch.StateTopic != "" && ch.TransformationPattern != "" {
				errs = multierror.Append(errs, fmt.Errorf("channels[%d/%s]: stateTopic and transformationPattern are exclusive", j, ch.ID))
			}
		case KindPayment:
			ch.Type = ChannelPayment
			if ch.Root == "" {
				errs = multierror.Append(errs, fmt.Errorf("channels[%d/%s]: root is required", j, ch.ID))
			}
			if ch.Threshold < 0 {
				errs = multierror.Append(errs, fmt.Errorf("channels[%d/%s]: threshold cannot be negative", j, ch.ID))
			}
		case KindWallet:
			ch.Type = ChannelBalance
			if ch.Address == "" {
				errs = multierror.Append(errs, fmt.Errorf("channels[%d/%s]: address is required", j, ch.ID))
			}
		}
	}

	switch t.Kind {
	case KindTopic:
		if t.Mode == "restricted" && t.Key == "" {
			errs = multierror.Append(errs, fmt.Errorf("restricted mode needs a key"))
		}
	case KindPayment, KindWallet:
	default:
		errs = multierror.Append(errs, fmt.Errorf("kind must be topic, payment or wallet"))
	}
	return errs.ErrorOrNil()
}

func (m *ModbusConfig) validate() error {
	var errs *multierror.Error

	if m.PollIntervalMs <= 0 {
		m.PollIntervalMs = 1000
	}
	buses := map[string]struct{}{}
	for i := range m.Buses {
		b := &m.Buses[i]
		if strings.TrimSpace(b.BusId) == "" {
			errs = multierror.Append(errs, fmt.Errorf("modbus.buses[%d]: busId is required", i))
		}
		buses[b.BusId] = struct{}{}

		switch strings.ToLower(b.Type) {
		case "tcp":
			if strings.TrimSpace(b.TCPAddr) == "" {
				errs = multierror.Append(errs, fmt.Errorf("modbus.buses[%d/%s]: tcpAddr is required for type=tcp", i, b.BusId))
			}
		case "rtu":
			if strings.TrimSpace(b.Port) == "" {
				errs = multierror.Append(errs, fmt.Errorf("modbus.buses[%d/%s]: port is required for type=rtu", i, b.BusId))
			}
			if b.Baud <= 0 {
				errs = multierror.Append(errs, fmt.Errorf("modbus.buses[%d/%s]: baud must be > 0 for type=rtu", i, b.BusId))
			}
			if b.DataBits == 0 {
				b.DataBits = 8
			}
			if b.StopBits == 0 {
				b.StopBits = 1
			}
			if b.Parity == "" {
				b.Parity = "N"
			}
			if !slices.Contains([]string{"N", "E", "O"}, strings.ToUpper(b.Parity)) {
				errs = multierror.Append(errs, fmt.Errorf("modbus.buses[%d/%s]: parity must be one of N,E,O", i, b.BusId))
			}
		default:
			errs = multierror.Append(errs, fmt.Errorf("modbus.buses[%d/%s]: type must be 'rtu' or 'tcp'", i, b.BusId))
		}
		if b.TimeoutMs <= 0 {
			b.TimeoutMs = 150
		}
	}

	for i := range m.Items {
		it := &m.Items[i]
		if it.Item == "" {
			errs = multierror.Append(errs, fmt.Errorf("modbus.items[%d]: item is required", i))
		}
		if _, ok := buses[it.Bus]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("modbus.items[%d/%s]: unknown bus %q", i, it.Item, it.Bus))
		}
		if it.UnitId == 0 || it.UnitId > 247 {
			errs = multierror.Append(errs, fmt.Errorf("modbus.items[%d/%s]: unitId must be 1..247", i, it.Item))
		}
		it.Register = strings.ToLower(it.Register)
		if !slices.Contains([]string{"coil", "discrete", "holding", "input"}, it.Register) {
			errs = multierror.Append(errs, fmt.Errorf("modbus.items[%d/%s]: register must be coil, discrete, holding or input", i, it.Item))
		}
		if it.Scale == 0 {
			it.Scale = 1
		}
	}
	return errs.ErrorOrNil()
}

/* =========================
   Comment stripping
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// stripJSONComments drops block comments and whole-line // comments. Trailing
// // comments are left alone so URLs like https://host survive.
func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}
