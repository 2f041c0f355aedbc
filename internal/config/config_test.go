package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/mailverify/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 50, c.MaxWorkers)
	assert.Equal(t, 5*time.Second, c.ProbeTimeout())
	assert.Equal(t, time.Hour, c.MXCacheTTL())
	assert.Equal(t, 24*time.Hour, c.CatchAllCacheTTL())
	assert.Equal(t, 25, c.SMTPPort)
	assert.True(t, c.CatchAllDetection)
	assert.Equal(t, 15*time.Minute, c.StaleJobAfter())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailverify.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_workers: 10
probe_timeout_seconds: 2.5
helo_domain: verify.example.com
nameservers:
  - 1.1.1.1:53
`), 0o600))

	t.Setenv("MAILVERIFY_MAX_WORKERS", "20")
	t.Setenv("MAILVERIFY_MAIL_FROM", "probe@example.com")

	c, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, c.MaxWorkers, "environment wins over file")
	assert.Equal(t, 2500*time.Millisecond, c.ProbeTimeout())
	assert.Equal(t, "verify.example.com", c.HeloDomain)
	assert.Equal(t, "probe@example.com", c.MailFrom)
	assert.Equal(t, []string{"1.1.1.1:53"}, c.Nameservers)
}

func TestLoad_NameserversFromEnv(t *testing.T) {
	t.Setenv("MAILVERIFY_NAMESERVERS", "8.8.8.8:53, 9.9.9.9:53")
	c, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"8.8.8.8:53", "9.9.9.9:53"}, c.Nameservers)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("MAILVERIFY_MAX_WORKERS", "0")
	t.Setenv("MAILVERIFY_SMTP_PORT", "70000")

	_, err := config.Load("")
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.ErrorContains(t, err, "max_workers=0")
	assert.ErrorContains(t, err, "smtp_port=70000")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefault_IgnoresEnvironment(t *testing.T) {
	t.Setenv("MAILVERIFY_MAX_WORKERS", "7")
	c := config.Default()
	assert.Equal(t, 50, c.MaxWorkers)
	assert.NoError(t, c.Validate())
}
