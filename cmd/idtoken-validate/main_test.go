package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAudiences(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b"}, splitAudiences("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitAudiences(" a , b ,"))
	assert.Nil(t, splitAudiences(""))
	assert.Nil(t, splitAudiences(" , ,"))
}

func TestBuildValidatorConfig(t *testing.T) {
	t.Parallel()

	t.Run("flag audiences only", func(t *testing.T) {
		t.Parallel()

		cfg, err := buildValidatorConfig(cliFlags{audiences: "client-a,client-b"})
		require.NoError(t, err)
		assert.Equal(t, []string{"client-a", "client-b"}, cfg.Audiences)
	})

	t.Run("config file with flag override", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"validator:\n  audiences: [file-client]\n  cacheTTL: \"15m\"\n",
		), 0o600))

		cfg, err := buildValidatorConfig(cliFlags{configPath: path, audiences: "flag-client"})
		require.NoError(t, err)
		assert.Equal(t, []string{"flag-client"}, cfg.Audiences)
		assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
	})

	t.Run("missing config file", func(t *testing.T) {
		t.Parallel()

		_, err := buildValidatorConfig(cliFlags{configPath: "/does/not/exist.yaml"})
		assert.Error(t, err)
	})
}

func TestReadToken(t *testing.T) {
	t.Parallel()

	token, err := readToken([]string{"abc.def.ghi"})
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)
}
