package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(dirs ...string) *Config {
	return &Config{
		Dirs:        dirs,
		Interval:    DefaultInterval,
		MaxRevisits: DefaultMaxRevisits,
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, validConfig(dir).Validate())

	assert.Error(t, validConfig().Validate(), "no directories")

	missing := filepath.Join(dir, "does-not-exist")
	assert.Error(t, validConfig(missing).Validate(), "missing directory without --create")

	created := validConfig(missing)
	created.Create = true
	assert.NoError(t, created.Validate(), "missing directory allowed with --create")

	bad := validConfig(dir)
	bad.Interval = -time.Second
	assert.Error(t, bad.Validate())

	bad = validConfig(dir)
	bad.MaxRevisits = 0
	assert.Error(t, bad.Validate())
}
