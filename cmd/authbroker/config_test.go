package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NDevTK/localauth"
)

func TestLoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "broker.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
Port = 11111
DefaultAccount = "task"
TokenTTL = 600000000000
ContextFile = "/tmp/luci_context.json"

[[Accounts]]
ID = "task"
Email = "task@example.com"

[[Accounts]]
ID = "system"
Email = "system@example.com"
`), 0o600))

	cfg := defaultConfig()
	require.NoError(t, loadConfig(file, &cfg))
	require.Equal(t, 11111, cfg.Port)
	require.Equal(t, "task", cfg.DefaultAccount)
	require.Equal(t, 10*time.Minute, cfg.TokenTTL)
	require.Equal(t, "/tmp/luci_context.json", cfg.ContextFile)
	require.Equal(t, []localauth.Account{
		{ID: "task", Email: "task@example.com"},
		{ID: "system", Email: "system@example.com"},
	}, cfg.Accounts)
}

func TestLoadConfigUnknownField(t *testing.T) {
	file := filepath.Join(t.TempDir(), "broker.toml")
	require.NoError(t, os.WriteFile(file, []byte("Bogus = true\n"), 0o600))

	cfg := defaultConfig()
	require.Error(t, loadConfig(file, &cfg))
}

func TestValidAccountID(t *testing.T) {
	for id, want := range map[string]bool{
		"task":    true,
		"system":  true,
		"task-1":  true,
		"task_2":  true,
		"":        false,
		"with sp": false,
		"a;b":     false,
	} {
		if got := validAccountID(id); got != want {
			t.Errorf("validAccountID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestWriteContextFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "luci_context.json")
	ad := &localauth.Advertisement{
		RPCPort: 1234,
		Secret:  "c2VjcmV0",
		Accounts: []localauth.Account{
			{ID: "task", Email: "task@example.com"},
		},
		DefaultAccountID: "task",
	}
	require.NoError(t, writeContextFile(file, ad))

	info, err := os.Stat(file)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	blob, err := os.ReadFile(file)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"local_auth": {
			"rpc_port": 1234,
			"secret": "c2VjcmV0",
			"accounts": [{"id": "task", "email": "task@example.com"}],
			"default_account_id": "task"
		}
	}`, string(blob))
}
