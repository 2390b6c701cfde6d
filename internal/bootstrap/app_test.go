package bootstrap

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for _, key := range []string{
		"STORE_DRIVER", "BUS_DRIVER", "REDIS_ADDR", "JWT_SECRET", "LOG_LEVEL",
		"RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW", "CLEANUP_MIN_AGE", "INSTANCE_ID", "REDIS_KEY_PREFIX",
	} {
		t.Setenv(key, "")
	}
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	setEnv(t, map[string]string{"REDIS_ADDR": "127.0.0.1:6379", "JWT_SECRET": "s", "LOG_LEVEL": "loud"})

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DriverMySQL, cfg.StoreDriver)
	assert.Equal(t, DriverRedis, cfg.BusDriver)
	assert.Equal(t, "cm:", cfg.KeyPrefix)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Hour, cfg.CleanupMinAge)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadConfig_Errors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret":       {"BUS_DRIVER": "memory"},
		"redis bus needs addr": {"JWT_SECRET": "s"},
		"unknown store":        {"JWT_SECRET": "s", "BUS_DRIVER": "memory", "STORE_DRIVER": "sqlite"},
		"unknown bus":          {"JWT_SECRET": "s", "BUS_DRIVER": "kafka"},
		"bad duration":         {"JWT_SECRET": "s", "BUS_DRIVER": "memory", "CLEANUP_MIN_AGE": "soon"},
		"bad int":              {"JWT_SECRET": "s", "BUS_DRIVER": "memory", "RATE_LIMIT_MAX": "many"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setEnv(t, env)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestNew_MemoryDrivers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setEnv(t, map[string]string{"STORE_DRIVER": "memory", "BUS_DRIVER": "memory", "JWT_SECRET": "s"})
	cfg, err := LoadConfig()
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	app, err := New(cfg, log)
	require.NoError(t, err)
	defer app.Shutdown()

	assert.Nil(t, app.RedisClient)
	assert.Nil(t, app.AsynqServer)

	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/rooms", "application/json", bytes.NewBufferString(`{"admin_name":"Alice"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker("http://localhost:3000")
	req := httptest.NewRequest(http.MethodGet, "/ws/sync", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))
	assert.True(t, originChecker("*")(req))
}
