package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-canary/internal/can"
	"github.com/kstaniek/go-canary/internal/logging"
)

const usage = `usage: canary [global flags] <command> [flags]

commands:
  dump        print frames received on a raw socket
  send        transmit classic or FD frames
  isotp-send  transmit ISO-TP datagrams
  isotp-recv  print received ISO-TP datagrams
  ifindex     resolve an interface name
  version     print version information
`

var commands = map[string]struct{}{
	"dump": {}, "send": {}, "isotp-send": {}, "isotp-recv": {}, "ifindex": {}, "version": {},
}

type appConfig struct {
	command         string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	canIf           string
	txQueue         int
	count           int
	timeout         time.Duration

	dump  dumpConfig
	send  sendConfig
	isotp isotpConfig

	ifName string // ifindex argument
}

type dumpConfig struct {
	fd        bool
	filters   string
	recvOwn   bool
	errFrames bool
}

type sendConfig struct {
	id       uint32
	ext      bool
	rtr      bool
	fd       bool
	data     []byte
	interval time.Duration
}

type isotpConfig struct {
	rx        uint32
	tx        uint32
	data      []byte
	fd        bool
	padding   int // -1 disables
	blockSize int
	stmin     int
	interval  time.Duration
}

func defaultConfig() *appConfig {
	return &appConfig{
		logFormat: "text",
		logLevel:  "info",
		canIf:     "can0",
		txQueue:   defaultTxQueue,
		isotp:     isotpConfig{padding: -1},
	}
}

// parseArgs parses "[global flags] <command> [command flags]". Flags that were
// set explicitly take precedence over CANARY_* environment variables.
func parseArgs(args []string, stderr io.Writer) (*appConfig, error) {
	cfg := defaultConfig()
	set := map[string]struct{}{}

	global := flag.NewFlagSet("canary", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() {
		fmt.Fprint(stderr, usage)
		global.PrintDefaults()
	}
	global.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	global.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	global.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	global.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	global.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the metrics endpoint via mDNS")
	global.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default canary-<hostname>)")
	if err := global.Parse(args); err != nil {
		return nil, err
	}
	global.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return nil, errors.New("missing command")
	}
	cfg.command = rest[0]
	if _, ok := commands[cfg.command]; !ok {
		return nil, fmt.Errorf("unknown command %q", cfg.command)
	}

	fs := commandFlags(cfg, stderr)
	if err := fs.Parse(rest[1:]); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if cfg.command == "ifindex" {
		if fs.NArg() != 1 {
			return nil, errors.New("ifindex needs exactly one interface name")
		}
		cfg.ifName = fs.Arg(0)
	} else if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func commandFlags(cfg *appConfig, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("canary "+cfg.command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	withIf := func() {
		fs.StringVar(&cfg.canIf, "if", cfg.canIf, "CAN interface")
	}
	switch cfg.command {
	case "dump":
		withIf()
		fs.BoolVar(&cfg.dump.fd, "fd", false, "Enable CAN FD frames")
		fs.StringVar(&cfg.dump.filters, "filters", "", "YAML filter set file")
		fs.BoolVar(&cfg.dump.recvOwn, "recv-own", false, "Also receive frames sent by this socket")
		fs.BoolVar(&cfg.dump.errFrames, "err-frames", false, "Receive error frames")
		fs.IntVar(&cfg.count, "count", 0, "Stop after N frames (0 = unlimited)")
		fs.DurationVar(&cfg.timeout, "timeout", 0, "Stop when no frame arrives within this time (0 = wait forever)")
	case "send":
		withIf()
		fs.Func("id", "Frame identifier (decimal or 0x hex)", func(s string) error { return parseID(s, &cfg.send.id) })
		fs.BoolVar(&cfg.send.ext, "ext", false, "Use 29-bit extended identifier")
		fs.BoolVar(&cfg.send.rtr, "rtr", false, "Send a remote transmission request")
		fs.BoolVar(&cfg.send.fd, "fd", false, "Send CAN FD frames")
		fs.Func("data", "Payload as hex (DEADBEEF, de:ad:be:ef)", func(s string) error { return parseHex(s, &cfg.send.data) })
		fs.IntVar(&cfg.count, "count", 1, "Number of frames to send")
		fs.DurationVar(&cfg.send.interval, "interval", 0, "Delay between frames")
		fs.IntVar(&cfg.txQueue, "tx-queue", cfg.txQueue, "Transmit queue size (frames)")
	case "isotp-send", "isotp-recv":
		withIf()
		fs.Func("rx", "Receive identifier", func(s string) error { return parseID(s, &cfg.isotp.rx) })
		fs.Func("tx", "Transmit identifier", func(s string) error { return parseID(s, &cfg.isotp.tx) })
		fs.BoolVar(&cfg.isotp.fd, "fd", false, "Use CAN FD link layer (64-byte frames)")
		fs.IntVar(&cfg.isotp.padding, "padding", -1, "Pad frames with this byte (0-255, -1 disables)")
		if cfg.command == "isotp-send" {
			fs.Func("data", "Datagram as hex", func(s string) error { return parseHex(s, &cfg.isotp.data) })
			fs.IntVar(&cfg.count, "count", 1, "Number of datagrams to send")
			fs.DurationVar(&cfg.isotp.interval, "interval", 0, "Delay between datagrams")
			fs.IntVar(&cfg.txQueue, "tx-queue", cfg.txQueue, "Transmit queue size (datagrams)")
		} else {
			fs.IntVar(&cfg.isotp.blockSize, "bs", 0, "Flow control block size (0 = no limit)")
			fs.IntVar(&cfg.isotp.stmin, "stmin", 0, "Flow control separation time (STmin byte)")
			fs.IntVar(&cfg.count, "count", 0, "Stop after N datagrams (0 = unlimited)")
			fs.DurationVar(&cfg.timeout, "timeout", 0, "Stop when no datagram arrives within this time")
		}
	}
	return fs
}

// parseID accepts decimal, 0x hex and 0o octal; extended flags are not allowed
// in the value (use -ext).
func parseID(s string, dst *uint32) error {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	*dst = uint32(v)
	return nil
}

func parseHex(s string, dst *[]byte) error {
	clean := strings.NewReplacer(":", "", " ", "", ".", "", "0x", "", "0X", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return fmt.Errorf("invalid hex data %q: %w", s, err)
	}
	*dst = b
	return nil
}

// validate performs semantic validation of the parsed configuration.
// It does not open sockets.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	if c.mdnsEnable && c.metricsAddr == "" {
		return errors.New("mdns-enable needs metrics-addr")
	}
	if c.count < 0 {
		return fmt.Errorf("count must be >= 0 (got %d)", c.count)
	}
	if c.timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	switch c.command {
	case "version", "ifindex":
		return nil
	}
	if c.canIf == "" {
		return errors.New("if must not be empty")
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	switch c.command {
	case "send":
		return c.send.validate(c.count)
	case "isotp-send", "isotp-recv":
		return c.isotp.validate(c.command, c.count)
	}
	return nil
}

func (s *sendConfig) validate(count int) error {
	limit := uint32(can.CAN_SFF_MASK)
	if s.ext {
		limit = can.CAN_EFF_MASK
	}
	if s.id > limit {
		return fmt.Errorf("id %#x does not fit (use -ext for 29-bit ids)", s.id)
	}
	capacity := can.ClassicPayload
	if s.fd {
		capacity = can.MaxPayload
	}
	if len(s.data) > capacity {
		return fmt.Errorf("data is %d bytes, at most %d allowed", len(s.data), capacity)
	}
	if s.fd && s.rtr {
		return errors.New("rtr is not allowed with fd")
	}
	if count < 1 {
		return fmt.Errorf("count must be >= 1 (got %d)", count)
	}
	if s.interval < 0 {
		return errors.New("interval must be >= 0")
	}
	return nil
}

func (c *isotpConfig) validate(command string, count int) error {
	if c.rx&^can.CAN_EFF_FLAG > can.CAN_EFF_MASK || c.tx&^can.CAN_EFF_FLAG > can.CAN_EFF_MASK {
		return errors.New("rx/tx ids must fit 29 bits")
	}
	if c.rx == c.tx {
		return fmt.Errorf("rx and tx ids must differ (both %#x)", c.rx)
	}
	if c.padding < -1 || c.padding > 0xFF {
		return fmt.Errorf("padding must be -1..255 (got %d)", c.padding)
	}
	if c.blockSize < 0 || c.blockSize > 0xFF || c.stmin < 0 || c.stmin > 0xFF {
		return errors.New("bs and stmin must be 0..255")
	}
	if command == "isotp-send" {
		if len(c.data) == 0 {
			return errors.New("data must not be empty")
		}
		if !c.fd && len(c.data) > isotpMaxClassic {
			return fmt.Errorf("data is %d bytes, at most %d allowed", len(c.data), isotpMaxClassic)
		}
		if count < 1 {
			return fmt.Errorf("count must be >= 1 (got %d)", count)
		}
		if c.interval < 0 {
			return errors.New("interval must be >= 0")
		}
	}
	return nil
}

// applyEnvOverrides maps CANARY_* environment variables to config fields
// unless the corresponding flag was set explicitly. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CANARY_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CANARY_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CANARY_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CANARY_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANARY_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CANARY_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			default:
				if firstErr == nil {
					firstErr = fmt.Errorf("invalid CANARY_MDNS_ENABLE: %q", v)
				}
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CANARY_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["if"]; !ok {
		if v, ok := get("CANARY_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["tx-queue"]; !ok {
		if v, ok := get("CANARY_TX_QUEUE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.txQueue = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANARY_TX_QUEUE: %w", err)
			}
		}
	}
	if _, ok := set["filters"]; !ok && c.command == "dump" {
		if v, ok := get("CANARY_FILTERS"); ok && v != "" {
			c.dump.filters = v
		}
	}
	return firstErr
}
