package main

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type config struct {
	Port string
	Mode string

	Lanes      []string
	ConnStr    string
	LanesTable string
	PatchQueue string

	RedisConn         string
	MirrorChannel     string
	MirrorSnapshotKey string
	MirrorTTL         time.Duration
	DeduperTTL        time.Duration

	SubscriberBuffer int
	AuthorityQueue   int
	Monotonic        bool

	AuthMode     string
	AuthSecret   string
	AuthDomain   string
	AuthAudience string

	Debug    bool
	JSONLogs bool
	Tracing  bool
}

// loadConfig reads the process configuration from getenv.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		Port:              "8080",
		Mode:              "authority",
		Lanes:             []string{"Unassigned"},
		ConnStr:           getenv("STORAGE_CONNECTION_STRING"),
		LanesTable:        getenv("LANES_TABLE"),
		PatchQueue:        getenv("PATCH_QUEUE"),
		RedisConn:         getenv("REDIS_CONNECTION_STRING"),
		MirrorChannel:     "board-updates",
		MirrorSnapshotKey: "board:snapshot",
		MirrorTTL:         24 * time.Hour,
		DeduperTTL:        24 * time.Hour,
		AuthMode:          "none",
		AuthSecret:        getenv("AUTH_SHARED_SECRET"),
		AuthDomain:        getenv("AUTH_DOMAIN"),
		AuthAudience:      getenv("AUTH_AUDIENCE"),
		JSONLogs:          strings.EqualFold(getenv("LOG_FORMAT"), "json"),
	}
	if v := getenv("BOARD_PORT"); v != "" {
		cfg.Port = v
	}
	if v := getenv("LANES"); v != "" {
		cfg.Lanes = splitLanes(v)
		if len(cfg.Lanes) == 0 {
			return config{}, fmt.Errorf("invalid LANES: no lane names")
		}
	}
	if v := getenv("MIRROR_CHANNEL"); v != "" {
		cfg.MirrorChannel = v
	}
	if v := getenv("MIRROR_SNAPSHOT_KEY"); v != "" {
		cfg.MirrorSnapshotKey = v
	}
	if v := getenv("BOARD_MODE"); v != "" {
		cfg.Mode = strings.ToLower(v)
	}
	if v := getenv("AUTH_MODE"); v != "" {
		cfg.AuthMode = strings.ToLower(v)
	}

	var err error
	if cfg.MirrorTTL, err = envDuration(getenv, "MIRROR_TTL", cfg.MirrorTTL); err != nil {
		return config{}, err
	}
	if cfg.DeduperTTL, err = envDuration(getenv, "DEDUPER_TTL", cfg.DeduperTTL); err != nil {
		return config{}, err
	}
	if cfg.SubscriberBuffer, err = envInt(getenv, "SUBSCRIBER_BUFFER", 256); err != nil {
		return config{}, err
	}
	if cfg.AuthorityQueue, err = envInt(getenv, "AUTHORITY_QUEUE", 1024); err != nil {
		return config{}, err
	}
	if cfg.Monotonic, err = envBool(getenv, "MONOTONIC_LAST_UPDATED"); err != nil {
		return config{}, err
	}
	if cfg.Debug, err = envBool(getenv, "DEBUG"); err != nil {
		return config{}, err
	}
	if cfg.Tracing, err = envBool(getenv, "TRACING"); err != nil {
		return config{}, err
	}

	switch cfg.AuthMode {
	case "none":
	case "hs256":
		if cfg.AuthSecret == "" {
			return config{}, fmt.Errorf("AUTH_SHARED_SECRET must be set when AUTH_MODE=hs256")
		}
	case "jwks":
		if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
			return config{}, fmt.Errorf("AUTH_DOMAIN and AUTH_AUDIENCE must be set when AUTH_MODE=jwks")
		}
	default:
		return config{}, fmt.Errorf("unsupported AUTH_MODE %q", cfg.AuthMode)
	}
	switch cfg.Mode {
	case "authority":
	case "follower":
		if cfg.RedisConn == "" {
			return config{}, fmt.Errorf("BOARD_MODE=follower requires REDIS_CONNECTION_STRING")
		}
	default:
		return config{}, fmt.Errorf("unsupported BOARD_MODE %q", cfg.Mode)
	}
	if cfg.PatchQueue != "" && cfg.ConnStr == "" {
		return config{}, fmt.Errorf("PATCH_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	return cfg, nil
}

func splitLanes(v string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(v, ",") {
		name := strings.TrimSpace(part)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return n, nil
}

func envDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func envBool(getenv func(string) string, key string) (bool, error) {
	v := getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// parseRedisOptions accepts a redis:// URL or the Azure "host:port,password=..,ssl=true" form.
func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
