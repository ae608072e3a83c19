package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/rsc-edge/normalize"
)

const sample = `
port: 8000
origin: https://shop.example.com
store:
  provider: redis
  redis:
    addr: localhost:6379
    timeout: 500ms
normalize:
  - param: _rsc
    sentinel: "1"
  - param: v
    sentinel: "0"
rules:
  - query:
      _rsc: ""
    default: public, s-maxage=60
refreshWindow: 1m
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	config, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 8000, config.Port)
	assert.Equal(t, 9090, config.AdminPort)
	assert.Equal(t, "redis", config.Store.Provider)
	assert.Equal(t, "localhost:6379", config.Store.Redis.Addr)
	assert.Equal(t, 500*time.Millisecond, config.Store.Redis.Timeout)
	assert.Equal(t, time.Minute, config.RefreshWindow)
	assert.Equal(t, []normalize.Rule{{Param: "_rsc", Sentinel: "1"}, {Param: "v", Sentinel: "0"}}, config.Normalize)
	require.Len(t, config.Rules, 1)
	assert.Equal(t, "public, s-maxage=60", config.Rules[0].Default)

	u, err := config.OriginURL()
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", u.Host)
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), config)

	n, err := config.Normalizer()
	require.NoError(t, err)
	assert.Equal(t, []normalize.Rule{normalize.DefaultRule}, n.Rules())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RSC_EDGE_ORIGIN", "http://localhost:3000")
	t.Setenv("RSC_EDGE_PORT", "8081")
	t.Setenv("RSC_EDGE_SENTINEL", "x")

	config, err := Load(writeFile(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", config.Origin)
	assert.Equal(t, 8081, config.Port)
	assert.Equal(t, []normalize.Rule{{Param: "_rsc", Sentinel: "x"}}, config.Normalize)
}

func TestValidate(t *testing.T) {
	t.Setenv("RSC_EDGE_PORT", "nope")
	_, err := Load("")
	assert.Error(t, err)

	c := Default()
	c.Origin = "https://shop.example.com/app"
	assert.Error(t, c.Validate())

	c = Default()
	c.Normalize = []normalize.Rule{{Param: "", Sentinel: "1"}}
	assert.ErrorIs(t, c.Validate(), normalize.ErrorEmptyParam)
}
