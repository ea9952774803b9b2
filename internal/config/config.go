package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/util"
)

// FileName is the config file inside a peer directory.
const FileName = "goopcall.json"

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Push     Push     `json:"push"`
	Call     Call     `json:"call"`
	WebRTC   WebRTC   `json:"webrtc"`
	Media    Media    `json:"media"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// Participant identity written into call records. Must be unique among
	// the peers sharing a store.
	ID string `json:"id"`
	// libp2p key for the pubsub bridge. Relative to the peer directory.
	KeyFile string `json:"key_file"`
}

type Store struct {
	// "sqlite" or "mongo".
	Driver string `json:"driver"`
	// SQLite database path. Relative to the peer directory.
	Path string `json:"path"`

	MongoURI        string `json:"mongo_uri"`
	MongoDatabase   string `json:"mongo_database"`
	MongoCollection string `json:"mongo_collection"`
}

type Push struct {
	// Serve local notices to other peers on Viewer.HTTPAddr at /api/push.
	WSServe bool `json:"ws_serve"`
	// Websocket URL of another peer's push endpoint, e.g. ws://host:8080/api/push.
	WSURL string `json:"ws_url"`

	// Gossip notices on a libp2p topic.
	PubSubEnabled bool     `json:"pubsub_enabled"`
	PubSubPort    int      `json:"pubsub_port"`
	Topic         string   `json:"topic"`
	MdnsTag       string   `json:"mdns_tag"`
	Bootstrap     []string `json:"bootstrap"`

	// Polling fallback when no notice arrives.
	PollIntervalMs int `json:"poll_interval_ms"`
}

// Call holds session timing. Changes are picked up by sessions created after
// the reload.
type Call struct {
	IdleTimeoutSec        int `json:"idle_timeout_sec"`
	NegotiationTimeoutSec int `json:"negotiation_timeout_sec"`
	MediaGraceSec         int `json:"media_grace_sec"`
	DisconnectTimeoutSec  int `json:"disconnect_timeout_sec"`
	RestartTimeoutSec     int `json:"restart_timeout_sec"`
	StoreTimeoutSec       int `json:"store_timeout_sec"`
	StoreRetryAttempts    int `json:"store_retry_attempts"`
	StoreRetryBackoffMs   int `json:"store_retry_backoff_ms"`
}

type WebRTC struct {
	ICEServers []string `json:"ice_servers"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_sec"`
	MuteAfterMs            int `json:"mute_after_ms"`
}

type Media struct {
	// "synthetic" (no devices, test pattern) or "device" (camera + mic, linux).
	Source       string `json:"source"`
	Audio        bool   `json:"audio"`
	Video        bool   `json:"video"`
	VideoBitRate int    `json:"video_bitrate"`
	MaxWidth     int    `json:"max_width"`
	MaxHeight    int    `json:"max_height"`
}

type Viewer struct {
	// HTTP control surface. Empty disables it.
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Log struct {
	// go-log level: debug, info, warn, error.
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Store: Store{
			Driver:          "sqlite",
			Path:            "data/calls.db",
			MongoDatabase:   "goopcall",
			MongoCollection: "calls",
		},
		Push: Push{
			Topic:          "goopcall.records.v1",
			MdnsTag:        "goopcall-mdns",
			PollIntervalMs: 1500,
		},
		Call: Call{
			IdleTimeoutSec:        30,
			NegotiationTimeoutSec: 20,
			MediaGraceSec:         4,
			DisconnectTimeoutSec:  5,
			RestartTimeoutSec:     15,
			StoreTimeoutSec:       5,
			StoreRetryAttempts:    5,
			StoreRetryBackoffMs:   200,
		},
		WebRTC: WebRTC{
			ICEServers:             []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
			MuteAfterMs:            1000,
		},
		Media: Media{
			Source:       "synthetic",
			Audio:        true,
			Video:        true,
			VideoBitRate: 500_000,
			MaxWidth:     640,
			MaxHeight:    480,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.ID) == "" {
		return errors.New("identity.id is required")
	}
	if _, err := util.ValidateIdentity(c.Identity.ID); err != nil {
		return fmt.Errorf("identity.id: %w", err)
	}

	// Store
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case "mongo":
		if err := validateURL(c.Store.MongoURI, "mongodb", "mongodb+srv"); err != nil {
			return fmt.Errorf("store.mongo_uri: %w", err)
		}
	default:
		return errors.New("store.driver must be sqlite or mongo")
	}

	// Push
	if c.Push.WSURL != "" {
		if err := validateURL(c.Push.WSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("push.ws_url: %w", err)
		}
	}
	if c.Push.WSServe && strings.TrimSpace(c.Viewer.HTTPAddr) == "" {
		return errors.New("push.ws_serve requires viewer.http_addr")
	}
	if c.Push.PubSubEnabled {
		if c.Push.PubSubPort < 0 || c.Push.PubSubPort > 65535 {
			return errors.New("push.pubsub_port must be 0..65535")
		}
		if strings.TrimSpace(c.Push.Topic) == "" {
			return errors.New("push.topic is required when pubsub is enabled")
		}
		if strings.TrimSpace(c.Identity.KeyFile) == "" {
			return errors.New("identity.key_file is required when pubsub is enabled")
		}
	}
	if c.Push.PollIntervalMs < 50 {
		return errors.New("push.poll_interval_ms must be >= 50")
	}

	// Call
	for _, f := range []struct {
		name string
		v    int
	}{
		{"call.idle_timeout_sec", c.Call.IdleTimeoutSec},
		{"call.negotiation_timeout_sec", c.Call.NegotiationTimeoutSec},
		{"call.media_grace_sec", c.Call.MediaGraceSec},
		{"call.disconnect_timeout_sec", c.Call.DisconnectTimeoutSec},
		{"call.restart_timeout_sec", c.Call.RestartTimeoutSec},
		{"call.store_timeout_sec", c.Call.StoreTimeoutSec},
		{"call.store_retry_attempts", c.Call.StoreRetryAttempts},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%s must be > 0", f.name)
		}
	}
	if c.Call.StoreRetryBackoffMs < 0 {
		return errors.New("call.store_retry_backoff_ms must be >= 0")
	}

	// WebRTC
	for _, s := range c.WebRTC.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("webrtc.ice_servers: %q must be a stun: or turn: url", s)
		}
	}
	if c.WebRTC.MuteAfterMs <= 0 {
		return errors.New("webrtc.mute_after_ms must be > 0")
	}
	if c.WebRTC.DisconnectedTimeoutSec < 0 || c.WebRTC.FailedTimeoutSec < 0 || c.WebRTC.KeepAliveIntervalSec < 0 {
		return errors.New("webrtc timeouts must be >= 0")
	}

	// Media
	switch c.Media.Source {
	case "synthetic", "device":
	default:
		return errors.New("media.source must be synthetic or device")
	}
	if !c.Media.Audio && !c.Media.Video {
		return errors.New("media.audio or media.video must be enabled")
	}
	if c.Media.VideoBitRate < 0 {
		return errors.New("media.video_bitrate must be >= 0")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Timing converts the call section.
func (c *Config) Timing() call.Timing {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return call.Timing{
		IdleTimeout:        sec(c.Call.IdleTimeoutSec),
		NegotiationTimeout: sec(c.Call.NegotiationTimeoutSec),
		MediaGrace:         sec(c.Call.MediaGraceSec),
		DisconnectTimeout:  sec(c.Call.DisconnectTimeoutSec),
		RestartTimeout:     sec(c.Call.RestartTimeoutSec),
		StoreTimeout:       sec(c.Call.StoreTimeoutSec),
		StoreRetryAttempts: c.Call.StoreRetryAttempts,
		StoreRetryBackoff:  time.Duration(c.Call.StoreRetryBackoffMs) * time.Millisecond,
	}
}

// Pion converts the webrtc section.
func (c *Config) Pion() call.PionConfig {
	return call.PionConfig{
		ICEServers:          append([]string(nil), c.WebRTC.ICEServers...),
		DisconnectedTimeout: time.Duration(c.WebRTC.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(c.WebRTC.FailedTimeoutSec) * time.Second,
		KeepAliveInterval:   time.Duration(c.WebRTC.KeepAliveIntervalSec) * time.Second,
		MuteAfter:           time.Duration(c.WebRTC.MuteAfterMs) * time.Millisecond,
	}
}

// PollInterval is the realtime channel polling fallback.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Push.PollIntervalMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for identity id. Returns (cfg, createdNew, err).
func Ensure(path, id string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.ID = id
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
