package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
	Store          string // "redis" or "memory"
	Redis          RedisConfig
	Session        SessionConfig
	ICEServers     []ICEServer
	Log            LogConfig
	MDNS           bool
}

type RedisConfig struct {
	Host      string
	Port      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// SessionConfig holds the caller-level policies of a signaling session.
type SessionConfig struct {
	AutoRenegotiateOnFailure bool
	// AnswerTimeout abandons a session still waiting for its peer. Zero waits forever.
	AnswerTimeout     time.Duration
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
}

// ICEServer is one STUN or TURN server handed to the media engine.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		TokenTTL:       getDuration("TOKEN_TTL", 24*time.Hour),
		Store:          getEnv("STORE", "redis"),
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnv("REDIS_PORT", "6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "blink:"),
			TTL:       getDuration("ROOM_TTL", 24*time.Hour),
		},
		Session: SessionConfig{
			AutoRenegotiateOnFailure: getBool("AUTO_RENEGOTIATE", true),
			AnswerTimeout:            getDuration("ANSWER_TIMEOUT", 0),
			PresenceTTL:              getDuration("PRESENCE_TTL", 15*time.Second),
			HeartbeatInterval:        getDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		},
		ICEServers: ParseICEServers(getEnv("ICE_SERVERS", DefaultICEServers)),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		MDNS: getBool("MDNS", false),
	}
}

// DefaultICEServers is used when ICE_SERVERS is unset.
const DefaultICEServers = "stun:stun.l.google.com:19302"

// ParseICEServers parses a semicolon separated list of servers. Each server is
// a comma separated URL list, optionally followed by "|username|credential":
//
//	stun:stun.l.google.com:19302;turn:turn.example.com:3478|user|secret
func ParseICEServers(s string) []ICEServer {
	var servers []ICEServer
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, "|")
		server := ICEServer{}
		for _, u := range strings.Split(fields[0], ",") {
			if u = strings.TrimSpace(u); u != "" {
				server.URLs = append(server.URLs, u)
			}
		}
		if len(server.URLs) == 0 {
			continue
		}
		if len(fields) > 1 {
			server.Username = fields[1]
		}
		if len(fields) > 2 {
			server.Credential = fields[2]
		}
		servers = append(servers, server)
	}
	return servers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
