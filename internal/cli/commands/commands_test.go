package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webdavd/internal/config"
	"webdavd/internal/locks"
)

func TestApplyServeFlagsOnlyChanged(t *testing.T) {
	var o serveFlags
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.StringVar(&o.listen, "listen", "", "")
	fs.StringVar(&o.root, "root", "", "")
	fs.IntVar(&o.lockTimeout, "lock-timeout", 0, "")
	fs.BoolVar(&o.cors, "cors", true, "")
	fs.StringSliceVar(&o.hide, "hide", nil, "")
	require.NoError(t, fs.Parse([]string{"--root", "/srv/share", "--lock-timeout", "30", "--cors=false", "--hide", "*.tmp", "--hide", "secret/"}))

	cfg := config.Default()
	cfg.Listen = ":9999"
	applyServeFlags(cfg, fs, o)

	assert.Equal(t, ":9999", cfg.Listen, "unset flags keep the loaded value")
	assert.Equal(t, "/srv/share", cfg.Root)
	assert.Equal(t, 30, cfg.Locks.DefaultTimeout)
	assert.False(t, cfg.CORS)
	assert.Equal(t, []string{"*.tmp", "secret/"}, cfg.Hide)
}

func TestFormatBuildDate(t *testing.T) {
	assert.Equal(t, "unknown", formatBuildDate("unknown"))
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}$`, formatBuildDate("1700000000"))
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "webdavd.yaml")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, rootCmd.Execute())
	assert.FileExists(t, path)

	rootCmd.SetArgs([]string{"config", "init", path})
	assert.Error(t, rootCmd.Execute(), "existing files are never overwritten")

	t.Setenv("WEBDAVD_ROOT", dir)
	t.Setenv("WEBDAVD_AUTH_PASSWORD", "hunter2")
	t.Setenv("WEBDAVD_AUTH_USERNAME", "alice")
	out.Reset()
	rootCmd.SetArgs([]string{"config", "show", "--config", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "alice")
	assert.NotContains(t, out.String(), "hunter2")
}

func TestPrintLocks(t *testing.T) {
	var out bytes.Buffer
	root := string(filepath.Separator) + "srv"
	printLocks(&out, root, []locks.Lock{{
		Token: locks.TokenPrefix + "abc",
		Path:  filepath.Join(root, "docs", "a.txt"),
		Scope: locks.Exclusive,
		Depth: locks.DepthZero,
	}})
	assert.Contains(t, out.String(), "Active locks: 1")
	assert.Contains(t, out.String(), "/docs/a.txt")
	assert.Contains(t, out.String(), locks.TokenPrefix+"abc")
}

func TestCountEntriesMissingDir(t *testing.T) {
	n, err := countEntries(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Zero(t, n)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), nil, 0644))
	n, err = countEntries(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
