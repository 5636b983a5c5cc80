package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "993", cfg.Mailbox.IMAPPort)
	assert.Equal(t, "465", cfg.Mailbox.SMTPPort)
	assert.True(t, cfg.Mailbox.TLS)
	assert.Equal(t, 30, cfg.Mailbox.PollIntervalSec)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadAppliesFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mailbox:
  imap_host: imap.example.com
  smtp_host: smtp.example.com
  username: me@example.com
  poll_interval_sec: 10
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "imap.example.com", cfg.Mailbox.IMAPHost)
	assert.Equal(t, "me@example.com", cfg.Mailbox.Username)
	assert.Equal(t, 10, cfg.Mailbox.PollIntervalSec)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Defaults fill in what the file omits.
	assert.Equal(t, "993", cfg.Mailbox.IMAPPort)

	// The mailbox id defaults to the account address.
	assert.Equal(t, "me@example.com", cfg.Mailbox.ID)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := defaultAppConfig()
	cfg.Mailbox.IMAPHost = "imap.example.com"
	cfg.Mailbox.SMTPHost = "smtp.example.com"
	cfg.Mailbox.Username = "me@example.com"
	cfg.DatabasePath = "/tmp/echat.db"

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Mailbox.IMAPHost, loaded.Mailbox.IMAPHost)
	assert.Equal(t, cfg.Mailbox.Username, loaded.Mailbox.Username)
	assert.Equal(t, cfg.DatabasePath, loaded.DatabasePath)
}
