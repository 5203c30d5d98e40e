package realtime

import (
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	defaultWriteTimeout = 5 * time.Second
	minSendQueueSize    = 8
	maxPingFailures     = 3
	closeGrace          = time.Second
)

// Config is the feed's connection policy.
type Config struct {
	// DevInsecure disables the websocket library's own origin check.
	DevInsecure bool

	// OriginRequired rejects handshakes without an Origin header. Printer
	// agents and other non-browser owners usually send none.
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout  time.Duration
	SendQueueSize int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig returns the defaults: localhost origins only, origin header
// optional.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     defaultWriteTimeout,
		SendQueueSize:    defaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// LoadConfigFromEnv reads COURIER_WS_* over the defaults. Invalid values fall
// back to the default.
func LoadConfigFromEnv() Config {
	c := DefaultConfig()
	c.DevInsecure = envBool("COURIER_WS_DEV_INSECURE", c.DevInsecure)
	c.OriginRequired = envBool("COURIER_WS_ORIGIN_REQUIRED", c.OriginRequired)
	c.AllowedOrigins = envCSV("COURIER_WS_ALLOWED_ORIGINS", c.AllowedOrigins)
	c.WriteTimeout = envDuration("COURIER_WS_WRITE_TIMEOUT", c.WriteTimeout)
	c.SendQueueSize = envInt("COURIER_WS_SEND_QUEUE", c.SendQueueSize)
	c.HeartbeatEvery = envDuration("COURIER_WS_HEARTBEAT_INTERVAL", c.HeartbeatEvery)
	c.HeartbeatTimeout = envDuration("COURIER_WS_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	c.RateEvents = envInt("COURIER_WS_RATE_EVENTS", c.RateEvents)
	c.RateWindow = envDuration("COURIER_WS_RATE_WINDOW", c.RateWindow)
	return c.normalized()
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// originHostOnly reduces "scheme://host:port" or "host:port" to the
// lower-cased host.
func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives the host patterns handed to websocket.Accept so its
// check and ours accept the same origins. Accept matches against host:port,
// so every host is listed with and without a port wildcard.
func originPatterns(allowed []string) []string {
	out := make([]string, 0, 2*len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return out
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
