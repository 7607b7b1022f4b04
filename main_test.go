package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"bridge-core/internal/ledger/ledgertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestVaultImportThenStatus(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LANGUAGE", "en")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "bridge.db"))

	assert.Contains(t, runCLI(t, "", "vault", "status"), "No vault found")

	out := runCLI(t, ledgertest.TestPhrase+"\n"+string(ledgertest.TestSecret)+"\n", "vault", "import")
	assert.Contains(t, out, "Vault imported for")

	status := runCLI(t, "", "vault", "status")
	assert.Contains(t, status, "identity:   default")
	assert.Contains(t, status, "l2 address:")
}

func TestVaultImportRejectsBadPhrase(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "bridge.db"))

	root := newRootCmd()
	root.SetIn(strings.NewReader("not a phrase\nsecret\n"))
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"vault", "import"})
	assert.Error(t, root.Execute())
}
