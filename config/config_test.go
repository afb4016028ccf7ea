package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE", "REDIS_KEY_PREFIX", "ROOM_TTL", "AUTO_RENEGOTIATE", "ANSWER_TIMEOUT", "ICE_SERVERS"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "redis", cfg.Store)
	assert.Equal(t, "blink:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	assert.True(t, cfg.Session.AutoRenegotiateOnFailure)
	assert.Zero(t, cfg.Session.AnswerTimeout)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORE", "memory")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("AUTO_RENEGOTIATE", "false")
	t.Setenv("ANSWER_TIMEOUT", "30s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg := Load()

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.False(t, cfg.Session.AutoRenegotiateOnFailure)
	assert.Equal(t, 30*time.Second, cfg.Session.AnswerTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("REDIS_DB", "three")
	t.Setenv("ANSWER_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Zero(t, cfg.Session.AnswerTimeout)
}

func TestParseICEServers(t *testing.T) {
	servers := ParseICEServers("stun:a:19302, stun:b:19302 ; turn:t:3478?transport=tcp|user|secret;;")

	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:a:19302", "stun:b:19302"}, servers[0].URLs)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, ICEServer{
		URLs:       []string{"turn:t:3478?transport=tcp"},
		Username:   "user",
		Credential: "secret",
	}, servers[1])
}

func TestParseICEServersEmpty(t *testing.T) {
	assert.Empty(t, ParseICEServers(""))
	assert.Empty(t, ParseICEServers("|user|secret"))
}
