// Package config parses settings for the robin binaries.
//
// Every value has a built-in default. A YAML file named by --config or
// ROBIN_CONFIG overrides defaults, ROBIN_* environment variables override
// the file, and command-line flags override everything.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ROBIN_"

// Default ports: receivers listen on DefaultPort and senders target it,
// relay servers listen on DefaultRelayPort. Senders bind an ephemeral port
// unless --bind says otherwise.
const (
	DefaultPort      = 12233
	DefaultRelayPort = 12234
)

// Transport names.
const (
	TransportUDP   = "udp"
	TransportQUIC  = "quic"
	TransportRelay = "relay"
)

var ErrUsage = errors.New("usage")

// Common holds settings shared by every binary.
type Common struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SendConfig configures the sender.
type SendConfig struct {
	Common `yaml:",inline"`

	// Path is the file to send (positional argument).
	Path string `yaml:"-"`
	// Name overrides the file name announced to receivers.
	Name string `yaml:"name"`

	Transport string `yaml:"transport"`
	Dest      string `yaml:"dest"`
	Bind      string `yaml:"bind"`
	Broadcast bool   `yaml:"broadcast"`
	// MulticastTTL applies when Dest is a multicast group.
	MulticastTTL int    `yaml:"multicast_ttl"`
	RelayURL     string `yaml:"relay_url"`
	Channel      string `yaml:"channel"`

	SymbolSize     uint16 `yaml:"symbol_size"`
	Systematic     bool   `yaml:"systematic"`
	InitialRepairs uint32 `yaml:"initial_repairs"`
	BatchSize      uint32 `yaml:"batch_size"`
	StartOffset    uint32 `yaml:"start_offset"`
	Shuffle        bool   `yaml:"shuffle"`
	Seed           int64  `yaml:"seed"`
	Passes         uint64 `yaml:"passes"`

	Encoding    string `yaml:"encoding"`
	RatePPS     int    `yaml:"rate_pps"`
	BufferBytes int    `yaml:"buffer_bytes"`
}

// RecvConfig configures the receiver.
type RecvConfig struct {
	Common `yaml:",inline"`

	Transport string `yaml:"transport"`
	Listen    string `yaml:"listen"`
	Group     string `yaml:"group"`
	Interface string `yaml:"interface"`
	RelayURL  string `yaml:"relay_url"`
	Channel   string `yaml:"channel"`

	OutDir      string        `yaml:"out_dir"`
	MaxSlots    int           `yaml:"max_slots"`
	SlotTTL     time.Duration `yaml:"slot_ttl"`
	MaxBytes    uint64        `yaml:"max_bytes"`
	ExitAfter   int           `yaml:"exit_after"`
	STUNServer  string        `yaml:"stun_server"`
	BufferBytes int           `yaml:"buffer_bytes"`
}

// ServerConfig configures the relay server.
type ServerConfig struct {
	Common `yaml:",inline"`

	Addr            string        `yaml:"addr"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	QueueSize       int           `yaml:"queue_size"`
	MaxConns        int           `yaml:"max_connections"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
}

func defaultCommon() Common {
	return Common{LogLevel: "info", LogFormat: "text"}
}

// DefaultSendConfig returns the sender defaults.
func DefaultSendConfig() SendConfig {
	return SendConfig{
		Common:       defaultCommon(),
		Transport:    TransportUDP,
		Dest:         fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		Bind:         ":0",
		MulticastTTL: 1,
		Channel:      "default",
		SymbolSize:   1200,
		Systematic:   true,
		BatchSize:    1,
		Shuffle:      true,
		Encoding:     "none",
	}
}

// DefaultRecvConfig returns the receiver defaults.
func DefaultRecvConfig() RecvConfig {
	return RecvConfig{
		Common:    defaultCommon(),
		Transport: TransportUDP,
		Listen:    fmt.Sprintf(":%d", DefaultPort),
		Channel:   "default",
		OutDir:    ".",
		MaxSlots:  64,
		SlotTTL:   10 * time.Minute,
		MaxBytes:  4 << 30,
	}
}

// DefaultServerConfig returns the relay server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Common:          defaultCommon(),
		Addr:            fmt.Sprintf(":%d", DefaultRelayPort),
		MaxMessageBytes: 65536,
		QueueSize:       256,
		MaxConns:        2000,
		IdleTimeout:     10 * time.Minute,
	}
}

// ParseSendConfig parses sender settings from args (without the program
// and subcommand names).
func ParseSendConfig(args []string) (SendConfig, error) {
	return parseSendConfigWithFlagSet(usageFlagSet("send", "robin send [host:port] <file> [flags]"), args)
}

func parseSendConfigWithFlagSet(fs *pflag.FlagSet, args []string) (SendConfig, error) {
	cfg := DefaultSendConfig()
	path, err := loadFile(args, &cfg)
	if err != nil {
		return cfg, err
	}
	env := envReader{}
	env.common(&cfg.Common)
	env.str("NAME", &cfg.Name)
	env.str("TRANSPORT", &cfg.Transport)
	env.str("DEST", &cfg.Dest)
	env.str("BIND", &cfg.Bind)
	env.boolean("BROADCAST", &cfg.Broadcast)
	env.integer("MULTICAST_TTL", &cfg.MulticastTTL)
	env.str("RELAY_URL", &cfg.RelayURL)
	env.str("CHANNEL", &cfg.Channel)
	env.u16("SYMBOL_SIZE", &cfg.SymbolSize)
	env.boolean("SYSTEMATIC", &cfg.Systematic)
	env.u32("INITIAL_REPAIRS", &cfg.InitialRepairs)
	env.u32("BATCH_SIZE", &cfg.BatchSize)
	env.u32("START_OFFSET", &cfg.StartOffset)
	env.boolean("SHUFFLE", &cfg.Shuffle)
	env.i64("SEED", &cfg.Seed)
	env.u64("PASSES", &cfg.Passes)
	env.str("ENCODING", &cfg.Encoding)
	env.integer("RATE_PPS", &cfg.RatePPS)
	env.integer("BUFFER_BYTES", &cfg.BufferBytes)
	if env.err != nil {
		return cfg, env.err
	}

	fs.String("config", path, "YAML config file")
	commonFlags(fs, &cfg.Common)
	fs.StringVar(&cfg.Name, "name", cfg.Name, "file name announced to receivers (default: base name of the file)")
	fs.StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "transport: udp, quic or relay")
	fs.StringVarP(&cfg.Dest, "dest", "d", cfg.Dest, "destination host:port (unicast, broadcast or multicast group)")
	fs.StringVar(&cfg.Bind, "bind", cfg.Bind, "local address to send from")
	fs.BoolVar(&cfg.Broadcast, "broadcast", cfg.Broadcast, "allow sending to a broadcast address")
	fs.IntVar(&cfg.MulticastTTL, "multicast-ttl", cfg.MulticastTTL, "hop limit for multicast destinations")
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay server URL (relay transport)")
	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "relay channel")
	fs.Uint16Var(&cfg.SymbolSize, "symbol-size", cfg.SymbolSize, "fragment payload size in bytes (multiple of 4)")
	fs.BoolVar(&cfg.Systematic, "systematic", cfg.Systematic, "send every source symbol once before repair symbols")
	fs.Uint32Var(&cfg.InitialRepairs, "initial-repairs", cfg.InitialRepairs, "repair symbols per block added to the systematic pass")
	fs.Uint32Var(&cfg.BatchSize, "batch-size", cfg.BatchSize, "repair symbols per block per pass")
	fs.Uint32Var(&cfg.StartOffset, "start-offset", cfg.StartOffset, "first repair index")
	fs.BoolVar(&cfg.Shuffle, "shuffle", cfg.Shuffle, "randomize emission order")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "shuffle seed (0: random)")
	fs.Uint64Var(&cfg.Passes, "passes", cfg.Passes, "stop after this many repair passes (0: until interrupted)")
	fs.StringVarP(&cfg.Encoding, "encoding", "e", cfg.Encoding, "content encoding: none, zstd or lz4")
	fs.IntVar(&cfg.RatePPS, "rate", cfg.RatePPS, "max frames per second (0: unlimited)")
	fs.IntVar(&cfg.BufferBytes, "buffer", cfg.BufferBytes, "socket send buffer in bytes (0: system default)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	// send [host:port] <file>
	switch fs.NArg() {
	case 1:
		cfg.Path = fs.Arg(0)
	case 2:
		cfg.Dest = fs.Arg(0)
		cfg.Path = fs.Arg(1)
	default:
		return cfg, fmt.Errorf("%w: expected [host:port] <file>, got %d arguments", ErrUsage, fs.NArg())
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c SendConfig) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	switch c.Transport {
	case TransportUDP, TransportQUIC:
		if c.Dest == "" {
			return fmt.Errorf("%w: --dest is required for %s", ErrUsage, c.Transport)
		}
	case TransportRelay:
		if c.RelayURL == "" {
			return fmt.Errorf("%w: --relay is required for the relay transport", ErrUsage)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrUsage, c.Transport)
	}
	if c.SymbolSize == 0 || c.SymbolSize%4 != 0 {
		return fmt.Errorf("%w: symbol size %d must be a positive multiple of 4", ErrUsage, c.SymbolSize)
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("%w: batch size must be at least 1", ErrUsage)
	}
	if c.RatePPS < 0 {
		return fmt.Errorf("%w: negative rate", ErrUsage)
	}
	return nil
}

// ParseRecvConfig parses receiver settings from args.
func ParseRecvConfig(args []string) (RecvConfig, error) {
	return parseRecvConfigWithFlagSet(usageFlagSet("recv", "robin recv [port] [flags]"), args)
}

func parseRecvConfigWithFlagSet(fs *pflag.FlagSet, args []string) (RecvConfig, error) {
	cfg := DefaultRecvConfig()
	path, err := loadFile(args, &cfg)
	if err != nil {
		return cfg, err
	}
	env := envReader{}
	env.common(&cfg.Common)
	env.str("TRANSPORT", &cfg.Transport)
	env.str("LISTEN", &cfg.Listen)
	env.str("GROUP", &cfg.Group)
	env.str("INTERFACE", &cfg.Interface)
	env.str("RELAY_URL", &cfg.RelayURL)
	env.str("CHANNEL", &cfg.Channel)
	env.str("OUT_DIR", &cfg.OutDir)
	env.integer("MAX_SLOTS", &cfg.MaxSlots)
	env.duration("SLOT_TTL", &cfg.SlotTTL)
	env.u64("MAX_BYTES", &cfg.MaxBytes)
	env.integer("EXIT_AFTER", &cfg.ExitAfter)
	env.str("STUN_SERVER", &cfg.STUNServer)
	env.integer("BUFFER_BYTES", &cfg.BufferBytes)
	if env.err != nil {
		return cfg, env.err
	}

	fs.String("config", path, "YAML config file")
	commonFlags(fs, &cfg.Common)
	fs.StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "transport: udp, quic or relay")
	fs.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "local address to receive on")
	fs.StringVarP(&cfg.Group, "group", "g", cfg.Group, "multicast group to join (udp transport)")
	fs.StringVar(&cfg.Interface, "interface", cfg.Interface, "interface for multicast (default: all multicast-capable)")
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay server URL (relay transport)")
	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "relay channel")
	fs.StringVarP(&cfg.OutDir, "out", "o", cfg.OutDir, "directory for received files")
	fs.IntVar(&cfg.MaxSlots, "max-transfers", cfg.MaxSlots, "transfers tracked at once (0: unbounded)")
	fs.DurationVar(&cfg.SlotTTL, "transfer-ttl", cfg.SlotTTL, "forget transfers idle this long (0: never)")
	fs.Uint64Var(&cfg.MaxBytes, "max-bytes", cfg.MaxBytes, "largest transfer accepted")
	fs.IntVar(&cfg.ExitAfter, "exit-after", cfg.ExitAfter, "exit after this many completed files (0: run until interrupted)")
	fs.StringVar(&cfg.STUNServer, "stun", cfg.STUNServer, "STUN server used to print the public address (host:port)")
	fs.IntVar(&cfg.BufferBytes, "buffer", cfg.BufferBytes, "socket receive buffer in bytes (0: system default)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	// recv [port]
	switch fs.NArg() {
	case 0:
	case 1:
		port, err := strconv.ParseUint(fs.Arg(0), 10, 16)
		if err != nil || port == 0 {
			return cfg, fmt.Errorf("%w: invalid port %q", ErrUsage, fs.Arg(0))
		}
		cfg.Listen = fmt.Sprintf(":%d", port)
	default:
		return cfg, fmt.Errorf("%w: unexpected arguments %v", ErrUsage, fs.Args())
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c RecvConfig) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	switch c.Transport {
	case TransportUDP, TransportQUIC:
		if c.Listen == "" {
			return fmt.Errorf("%w: --listen is required for %s", ErrUsage, c.Transport)
		}
		if c.Group != "" && c.Transport != TransportUDP {
			return fmt.Errorf("%w: multicast needs the udp transport", ErrUsage)
		}
	case TransportRelay:
		if c.RelayURL == "" {
			return fmt.Errorf("%w: --relay is required for the relay transport", ErrUsage)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrUsage, c.Transport)
	}
	if c.MaxSlots < 0 || c.SlotTTL < 0 || c.ExitAfter < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrUsage)
	}
	return nil
}

// ParseServerConfig parses relay server settings from args.
func ParseServerConfig(args []string) (ServerConfig, error) {
	return parseServerConfigWithFlagSet(usageFlagSet("robinserv", "robinserv [flags]"), args)
}

func parseServerConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	path, err := loadFile(args, &cfg)
	if err != nil {
		return cfg, err
	}
	env := envReader{}
	env.common(&cfg.Common)
	env.str("ADDR", &cfg.Addr)
	env.i64("MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes)
	env.integer("QUEUE_SIZE", &cfg.QueueSize)
	env.integer("MAX_CONNECTIONS", &cfg.MaxConns)
	env.duration("IDLE_TIMEOUT", &cfg.IdleTimeout)
	if env.err != nil {
		return cfg, env.err
	}

	fs.String("config", path, "YAML config file")
	commonFlags(fs, &cfg.Common)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message", cfg.MaxMessageBytes, "largest websocket message accepted")
	fs.IntVar(&cfg.QueueSize, "queue", cfg.QueueSize, "per-subscriber queue length in frames")
	fs.IntVar(&cfg.MaxConns, "max-connections", cfg.MaxConns, "max concurrent websocket connections (0: unlimited)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close connections silent this long (0: never)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c ServerConfig) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: --addr is required", ErrUsage)
	}
	if c.MaxMessageBytes <= 0 || c.QueueSize <= 0 {
		return fmt.Errorf("%w: message limit and queue size must be positive", ErrUsage)
	}
	if c.MaxConns < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrUsage)
	}
	return nil
}

func usageFlagSet(name, usage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s\n", usage)
		fs.PrintDefaults()
	}
	return fs
}

func commonFlags(fs *pflag.FlagSet, c *Common) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (text, json)")
}

func (c Common) validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("%w: unknown log format %q", ErrUsage, c.LogFormat)
}

// loadFile finds the config file path in args or ROBIN_CONFIG and decodes
// it into dst. Unknown keys are an error.
func loadFile(args []string, dst any) (string, error) {
	path := os.Getenv(envPrefix + "CONFIG")
	pre := pflag.NewFlagSet("config", pflag.ContinueOnError)
	pre.SetOutput(io.Discard)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.StringVar(&path, "config", path, "")
	_ = pre.Parse(args)
	if path == "" {
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		return path, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return path, fmt.Errorf("parse config %s: %w", path, err)
	}
	return path, nil
}

// envReader applies ROBIN_* variables, remembering the first bad value.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s=%q: %w", envPrefix, key, v, err)
	}
}

func (e *envReader) common(c *Common) {
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("LOG_FORMAT", &c.LogFormat)
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) i64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) unsigned(key string, bits int) (uint64, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		e.fail(key, v, err)
		return 0, false
	}
	return n, true
}

func (e *envReader) u16(key string, dst *uint16) {
	if n, ok := e.unsigned(key, 16); ok {
		*dst = uint16(n)
	}
}

func (e *envReader) u32(key string, dst *uint32) {
	if n, ok := e.unsigned(key, 32); ok {
		*dst = uint32(n)
	}
}

func (e *envReader) u64(key string, dst *uint64) {
	if n, ok := e.unsigned(key, 64); ok {
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
