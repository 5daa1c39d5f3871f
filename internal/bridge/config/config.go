package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Telephony modes
const (
	ModeWebhook = "webhook"
	ModeSIP     = "sip"
)

// Media framings for outbound audio on the relay socket
const (
	FramingRaw  = "raw"
	FramingJSON = "json"
	FramingRTP  = "rtp"
)

// Config holds the bridge configuration
type Config struct {
	// HTTP / gRPC
	HTTPBind string
	HTTPPort int
	GRPCPort int // 0 disables the gRPC health service
	LogLevel string

	// Telephony provider
	Mode               string
	CallControlURL     string
	CallControlKey     string
	CallControlTimeout time.Duration
	MediaPublicURL     string // wss://host/media, callId is appended as a query parameter
	StreamTrack        string

	// Media relay
	MediaFraming       string
	MediaCodec         string
	MediaOutboxSize    int
	AllowUnboundClaim  bool
	MediaGracePeriod   time.Duration
	OutboundQueueLimit int

	// AI provider
	AIURL           string
	AIModel         string
	AIKey           string
	AIVoice         string
	AIInstructions  string
	GreetingPrompt  string
	VADThreshold    float64
	VADPrefixMs     int
	VADSilenceMs    int
	AIReadyTimeout  time.Duration
	AIDialTimeout   time.Duration
	TelephonyRateHz int
	AIRateHz        int

	// Lifecycle
	MaxCallDuration time.Duration
	DrainTimeout    time.Duration

	// SIP trunk (mode=sip)
	SIPBind       string
	SIPPort       int
	AdvertiseAddr string
	RTPPortMin    int
	RTPPortMax    int
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		HTTPBind:           "0.0.0.0",
		HTTPPort:           8080,
		GRPCPort:           9090,
		LogLevel:           "info",
		Mode:               ModeWebhook,
		CallControlURL:     "https://api.telnyx.com/v2",
		CallControlTimeout: 10 * time.Second,
		StreamTrack:        "inbound_track",
		MediaFraming:       FramingRaw,
		MediaCodec:         "l16",
		MediaOutboxSize:    500,
		MediaGracePeriod:   2 * time.Second,
		OutboundQueueLimit: 500,
		AIURL:              "wss://api.openai.com/v1/realtime",
		AIModel:            "gpt-4o-realtime-preview",
		AIVoice:            "alloy",
		AIInstructions:     "You are a helpful voice assistant answering a phone call. Keep answers short.",
		GreetingPrompt:     "Greet the caller and ask how you can help.",
		VADThreshold:       0.5,
		VADPrefixMs:        300,
		VADSilenceMs:       500,
		AIReadyTimeout:     8 * time.Second,
		AIDialTimeout:      10 * time.Second,
		TelephonyRateHz:    8000,
		AIRateHz:           24000,
		MaxCallDuration:    4 * time.Hour,
		DrainTimeout:       30 * time.Second,
		SIPBind:            "0.0.0.0",
		SIPPort:            5060,
		RTPPortMin:         10000,
		RTPPortMax:         10999,
	}
}

// Load loads configuration from a .env file, command line flags and
// environment variables, in that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse(flag.CommandLine, os.Args[1:], os.Getenv)
}

// Parse registers flags on fs, parses args and then applies overrides read
// through getenv.
func Parse(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	fs.StringVar(&cfg.HTTPBind, "bind", cfg.HTTPBind, "HTTP bind address")
	fs.IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP listening port (webhooks, media, API)")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "gRPC health port (0 disables)")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Telephony mode (webhook, sip)")
	fs.StringVar(&cfg.MediaPublicURL, "media-url", cfg.MediaPublicURL, "Public websocket URL of the media endpoint")
	fs.StringVar(&cfg.MediaFraming, "media-framing", cfg.MediaFraming, "Outbound media framing (raw, json, rtp)")
	fs.StringVar(&cfg.MediaCodec, "media-codec", cfg.MediaCodec, "Media relay codec (l16, pcmu, pcma)")
	fs.StringVar(&cfg.AIModel, "model", cfg.AIModel, "Realtime model name")
	fs.StringVar(&cfg.AIVoice, "voice", cfg.AIVoice, "AI voice")
	fs.IntVar(&cfg.SIPPort, "sip-port", cfg.SIPPort, "SIP listening port (mode=sip)")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "Address advertised in SIP/SDP (auto-detected if not set)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	applyEnv(cfg, getenv)

	if cfg.Mode == ModeSIP && (cfg.AdvertiseAddr == "" || net.ParseIP(cfg.AdvertiseAddr) == nil) {
		cfg.AdvertiseAddr = primaryInterfaceIP()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	float := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				*dst = f
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				*dst = d
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}

	str("BIND", &cfg.HTTPBind)
	integer("PORT", &cfg.HTTPPort)
	integer("GRPC_PORT", &cfg.GRPCPort)
	str("LOGLEVEL", &cfg.LogLevel)

	str("TELEPHONY_MODE", &cfg.Mode)
	str("CALL_CONTROL_URL", &cfg.CallControlURL)
	str("CALL_CONTROL_API_KEY", &cfg.CallControlKey)
	duration("CALL_CONTROL_TIMEOUT", &cfg.CallControlTimeout)
	str("MEDIA_PUBLIC_URL", &cfg.MediaPublicURL)
	str("STREAM_TRACK", &cfg.StreamTrack)

	str("MEDIA_FRAMING", &cfg.MediaFraming)
	str("MEDIA_CODEC", &cfg.MediaCodec)
	integer("MEDIA_OUTBOX_SIZE", &cfg.MediaOutboxSize)
	boolean("MEDIA_ALLOW_UNBOUND_CLAIM", &cfg.AllowUnboundClaim)
	duration("MEDIA_GRACE_PERIOD", &cfg.MediaGracePeriod)
	integer("OUTBOUND_QUEUE_LIMIT", &cfg.OutboundQueueLimit)

	str("AI_URL", &cfg.AIURL)
	str("AI_MODEL", &cfg.AIModel)
	str("OPENAI_API_KEY", &cfg.AIKey)
	str("AI_API_KEY", &cfg.AIKey)
	str("AI_VOICE", &cfg.AIVoice)
	str("AI_INSTRUCTIONS", &cfg.AIInstructions)
	str("AI_GREETING", &cfg.GreetingPrompt)
	float("AI_VAD_THRESHOLD", &cfg.VADThreshold)
	integer("AI_VAD_PREFIX_MS", &cfg.VADPrefixMs)
	integer("AI_VAD_SILENCE_MS", &cfg.VADSilenceMs)
	duration("AI_READY_TIMEOUT", &cfg.AIReadyTimeout)
	duration("AI_DIAL_TIMEOUT", &cfg.AIDialTimeout)
	integer("TELEPHONY_SAMPLE_RATE", &cfg.TelephonyRateHz)
	integer("AI_SAMPLE_RATE", &cfg.AIRateHz)

	duration("MAX_CALL_DURATION", &cfg.MaxCallDuration)
	duration("DRAIN_TIMEOUT", &cfg.DrainTimeout)

	str("SIP_BIND", &cfg.SIPBind)
	integer("SIP_PORT", &cfg.SIPPort)
	str("ADVERTISE", &cfg.AdvertiseAddr)
	integer("RTP_PORT_MIN", &cfg.RTPPortMin)
	integer("RTP_PORT_MAX", &cfg.RTPPortMax)
}

// Validate reports every inconsistent setting, joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeWebhook:
		if c.MediaPublicURL == "" {
			errs = append(errs, errors.New("MEDIA_PUBLIC_URL is required in webhook mode"))
		} else if u, err := url.Parse(c.MediaPublicURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("MEDIA_PUBLIC_URL must be a ws:// or wss:// URL, got %q", c.MediaPublicURL))
		}
	case ModeSIP:
		if c.RTPPortMin <= 0 || c.RTPPortMax < c.RTPPortMin {
			errs = append(errs, fmt.Errorf("invalid RTP port range %d-%d", c.RTPPortMin, c.RTPPortMax))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown telephony mode %q", c.Mode))
	}

	switch c.MediaFraming {
	case FramingRaw, FramingJSON, FramingRTP:
	default:
		errs = append(errs, fmt.Errorf("unknown media framing %q", c.MediaFraming))
	}
	switch c.MediaCodec {
	case "l16", "pcmu", "pcma":
	default:
		errs = append(errs, fmt.Errorf("unknown media codec %q", c.MediaCodec))
	}

	if c.AIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.TelephonyRateHz <= 0 || c.AIRateHz <= 0 || c.AIRateHz%c.TelephonyRateHz != 0 {
		errs = append(errs, fmt.Errorf("AI sample rate %d must be an integer multiple of telephony rate %d", c.AIRateHz, c.TelephonyRateHz))
	}
	if c.OutboundQueueLimit <= 0 {
		errs = append(errs, errors.New("OUTBOUND_QUEUE_LIMIT must be positive"))
	}
	if c.MediaOutboxSize <= 0 {
		errs = append(errs, errors.New("MEDIA_OUTBOX_SIZE must be positive"))
	} else if c.MediaOutboxSize < c.OutboundQueueLimit {
		// the whole pending queue is flushed into the outbox when media attaches
		errs = append(errs, fmt.Errorf("MEDIA_OUTBOX_SIZE %d must be at least OUTBOUND_QUEUE_LIMIT %d",
			c.MediaOutboxSize, c.OutboundQueueLimit))
	}
	if c.AIReadyTimeout <= 0 {
		errs = append(errs, errors.New("AI_READY_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

// Ratio returns the integer resampling ratio between the AI and telephony rates.
func (c *Config) Ratio() int {
	return c.AIRateHz / c.TelephonyRateHz
}

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPBind, strconv.Itoa(c.HTTPPort))
}

// primaryInterfaceIP detects the primary network interface IP address
func primaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
