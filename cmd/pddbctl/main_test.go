package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
medium:
  kind: file
  path: %s
  geometry:
    program_size: 256
    sector_size: 16384
    bulk_size: 32768
    total_size: 524288
kdf:
  memory_kib: 64
  time: 1
  threads: 1
`

type cli struct {
	t   *testing.T
	cfg string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "pddb.yaml")
	body := strings.Replace(testConfig, "%s", filepath.Join(dir, "pddb.img"), 1)
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))
	return &cli{t: t, cfg: cfg}
}

func (c *cli) run(stdin string, args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCmd()
	var out, errw bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errw)
	cmd.SetArgs(append([]string{"--config", c.cfg}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) must(stdin string, args ...string) string {
	c.t.Helper()
	out, err := c.run(stdin, args...)
	require.NoError(c.t, err, strings.Join(args, " "))
	return out
}

func TestCLIWorkflow(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("", "format")
	require.Error(t, err)
	c.must("", "format", "--yes")
	c.must("pw-a\npw-a\n", "create", "alpha")
	c.must("pw-b\npw-b\n", "create", "beta")

	c.must("pw-a\n", "-b", "alpha", "put", "/wifi/home", "--value", "from-alpha")
	c.must("pw-a\npw-b\n", "-b", "alpha", "-b", "beta", "put", "/wifi/home", "--value", "from-beta")

	assert.Equal(t, "from-alpha", c.must("pw-a\n", "-b", "alpha", "get", "/wifi/home"))
	assert.Equal(t, "from-beta", c.must("pw-a\npw-b\n", "-b", "alpha", "-b", "beta", "get", "/wifi/home"))
	assert.Equal(t, "wifi\n", c.must("pw-a\n", "-b", "alpha", "ls"))
	assert.Equal(t, "home\n", c.must("pw-a\n", "-b", "alpha", "ls", "wifi"))
	assert.Equal(t, "alpha\nbeta\n", c.must("pw-a\npw-b\n", "-b", "alpha", "-b", "beta", "mount-check"))

	c.must("pw-b\n", "-b", "beta", "rm", "/wifi/home")
	assert.Equal(t, "from-alpha", c.must("pw-a\npw-b\n", "-b", "alpha", "-b", "beta", "get", "/wifi/home"))

	_, err = c.run("wrong\n", "-b", "alpha", "get", "/wifi/home")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incorrect")

	stats := c.must("", "stats")
	assert.Contains(t, stats, "formatted")
	assert.Contains(t, stats, "128 pages")
}

func TestCLICreateMismatch(t *testing.T) {
	c := newCLI(t)
	c.must("", "format", "--yes")
	_, err := c.run("one\ntwo\n", "create", "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not match")
}

func TestCLIBackupRestore(t *testing.T) {
	c := newCLI(t)
	archive := filepath.Join(t.TempDir(), "medium.pddb")
	c.must("", "format", "--yes")
	c.must("pw\npw\n", "create", "alpha")
	c.must("pw\n", "-b", "alpha", "put", "/d/k", "--value", "v1")
	c.must("bpass\n", "backup", "--out", archive)
	c.must("pw\n", "-b", "alpha", "put", "/d/k", "--value", "v2")

	_, err := c.run("nope\n", "restore", "--in", archive)
	require.Error(t, err)
	c.must("bpass\n", "restore", "--in", archive)
	assert.Equal(t, "v1", c.must("pw\n", "-b", "alpha", "get", "/d/k"))
}

func TestCLIConfigAndHash(t *testing.T) {
	c := newCLI(t)
	assert.Contains(t, c.must("", "config"), "kind: file")
	assert.True(t, strings.HasPrefix(c.must("secret\n", "hash-password"), "$argon2id$v=19$"))
}
