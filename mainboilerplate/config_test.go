package mainboilerplate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigPaths(t *testing.T) {
	t.Setenv("HOME", "/home/someone")
	t.Setenv("UserProfile", "")
	t.Setenv(ConfigRootEnv, "/etc/spoilers")

	require.Equal(t, []string{
		"spoilers.ini",
		filepath.Join("/home/someone", ".config", "spoilers", "spoilers.ini"),
		filepath.Join("/etc/spoilers", "spoilers.ini"),
	}, ConfigPaths("spoilers.ini"))

	t.Setenv(ConfigRootEnv, "")
	require.Len(t, ConfigPaths("spoilers.ini"), 2)
}

func TestServiceConfigProcessID(t *testing.T) {
	var cfg ServiceConfig
	var id = cfg.ProcessID()
	require.NotEmpty(t, id)
	require.Equal(t, id, cfg.ProcessID())

	cfg = ServiceConfig{ID: "fixed"}
	require.Equal(t, "fixed", cfg.ProcessID())
}
