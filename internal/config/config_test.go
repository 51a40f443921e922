package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/storage"
)

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, MediumFile, c.Medium.Kind)
	assert.Equal(t, storage.DefaultGeometry(), c.Medium.Geometry)
	assert.Equal(t, crypto.DefaultDesktopKDF(), c.KDF)
	assert.Equal(t, 3, c.Policy.MaxAttempts)
	assert.Equal(t, "info", c.Log.Level)
	require.NoError(t, c.Validate())
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
medium:
  kind: memory
  geometry:
    program_size: 256
    sector_size: 16384
    bulk_size: 32768
    total_size: 1048576
kdf:
  memory_kib: 64
  time: 1
  threads: 1
policy:
  max_attempts: 5
  cooldown: 30s
server:
  listen: ":9000"
log:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, MediumMemory, c.Medium.Kind)
	assert.Equal(t, int64(1<<20), c.Medium.Geometry.TotalSize)
	assert.Equal(t, crypto.FastKDF(), c.KDF)
	assert.Equal(t, ":9000", c.Server.Listen)

	p, err := c.PddbPolicy()
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 30*time.Second, p.Cooldown)

	ttl, err := c.TokenTTL()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, ttl)

	b, err := c.Medium.OpenBacking(context.Background())
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, c.Medium.Geometry, b.Geometry())
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field": "mediun: {}",
		"bad kind":      "medium: {kind: tape}",
		"mongo no uri":  "medium: {kind: mongo}",
		"bad geometry":  "medium: {geometry: {program_size: 3, sector_size: 4096, bulk_size: 8192, total_size: 16384}}",
		"bad cooldown":  "policy: {cooldown: soon}",
		"bad chaff":     "chaff_ratio: 2",
		"bad ttl":       "server: {token_ttl: -1m}",
		"bad profile":   "kdf_profile: phone",
		"bad kdf":       "kdf: {memory_kib: 1, time: 1, threads: 1}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestKDFProfile(t *testing.T) {
	c, err := Parse([]byte("kdf_profile: mobile"))
	require.NoError(t, err)
	assert.Equal(t, crypto.DefaultMobileKDF(), c.KDF)
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	path := filepath.Join(t.TempDir(), "pddb.yaml")
	out, err := Default().Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o600))
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
