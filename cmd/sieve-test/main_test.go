package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/pkg/errors"
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/ext/fileinto"
	"github.com/migadu/sievevm/testutils"
)

func writeFixtures(t *testing.T, mailbox string) (dir, progPath, msgPath string) {
	t.Helper()
	dir = t.TempDir()
	e := binary.NewEmitter()
	e.ExtOp(e.Extension(fileinto.Name), fileinto.OpFileinto).OptionalEnd().String(mailbox)
	prog, err := e.Program("user")
	require.NoError(t, err)
	progPath = filepath.Join(dir, "user.svbc")
	require.NoError(t, prog.SaveFile(progPath))
	msgPath = filepath.Join(dir, "message.eml")
	require.NoError(t, os.WriteFile(msgPath, []byte(testutils.SimpleMessage), 0o644))
	return dir, progPath, msgPath
}

func TestRunDryRun(t *testing.T) {
	_, progPath, msgPath := writeFixtures(t, "Work")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-to", "bob@example.com", "-d", progPath, msgPath}, &stdout, &stderr)
	require.Equal(t, errors.ExitOK, code, stderr.String())
	out := stdout.String()
	assert.Contains(t, out, "Performed actions:")
	assert.Contains(t, out, "store message in folder: Work")
	assert.NotContains(t, out, "implicit keep")
}

func TestRunExecute(t *testing.T) {
	dir, progPath, msgPath := writeFixtures(t, "INBOX")
	maildir := filepath.Join(dir, "Maildir")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-e", "-maildir", maildir, progPath, msgPath}, &stdout, &stderr)
	require.Equal(t, errors.ExitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), "Outcome: stored")

	entries, err := os.ReadDir(filepath.Join(maildir, "new"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunErrors(t *testing.T) {
	_, progPath, msgPath := writeFixtures(t, "Work")
	var stdout, stderr bytes.Buffer

	assert.Equal(t, errors.ExitUsage, run(context.Background(), []string{progPath}, &stdout, &stderr))
	assert.Equal(t, errors.ExitNoInput, run(context.Background(), []string{progPath, msgPath + ".missing"}, &stdout, &stderr))
	assert.Equal(t, errors.ExitConfig, run(context.Background(), []string{"-config", msgPath + ".toml", progPath, msgPath}, &stdout, &stderr))

	corrupt := filepath.Join(t.TempDir(), "corrupt.svbc")
	require.NoError(t, os.WriteFile(corrupt, []byte("SVBC garbage"), 0o644))
	assert.Equal(t, errors.ExitDataErr, run(context.Background(), []string{corrupt, msgPath}, &stdout, &stderr))
}

func TestHeaderAddress(t *testing.T) {
	assert.Equal(t, "alice@example.org", headerAddress("Alice <alice@example.org>"))
	assert.Equal(t, "", headerAddress(""))
	assert.Equal(t, "", headerAddress("not an address"))
}
