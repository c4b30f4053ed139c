package copy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/sieve/binary"
	sievecopy "github.com/migadu/sievevm/sieve/ext/copy"
	"github.com/migadu/sievevm/sieve/ext/fileinto"
	"github.com/migadu/sievevm/sieve/result"
	"github.com/migadu/sievevm/testutils"
	"github.com/migadu/sievevm/testutils/sievetest"
)

func TestFileintoCopyKeepsImplicitKeep(t *testing.T) {
	env := testutils.NewEnv("Work")
	e := binary.NewEmitter()
	fi := e.Extension(fileinto.Name)
	cp := e.Extension(sievecopy.Name)
	e.ExtOp(fi, fileinto.OpFileinto).SideEffect(cp, sievecopy.SideEffectCopy, nil).OptionalEnd().String("Work")

	o := sievetest.Run(t, e, env, testutils.Message(t, testutils.SimpleMessage), fileinto.Extension, sievecopy.Extension)
	require.NoError(t, o.RunErr)
	require.NoError(t, o.CommitErr)

	assert.Len(t, env.Mailboxes.Messages("Work"), 1)
	assert.Len(t, env.Mailboxes.Messages("INBOX"), 1)
	assert.Equal(t, result.ImplicitKeepDefault, o.Result.Status().ImplicitKeep)

	lines := o.Result.Describe()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "+copy")
	assert.Equal(t, "implicit keep", lines[1])
}

func TestRedirectCopy(t *testing.T) {
	env := testutils.NewEnv()
	e := binary.NewEmitter()
	cp := e.Extension(sievecopy.Name)
	e.Op(binary.OpRedirect).SideEffect(cp, sievecopy.SideEffectCopy, nil).OptionalEnd().String("carol@example.net")

	o := sievetest.Run(t, e, env, testutils.Message(t, testutils.SimpleMessage), sievecopy.Extension)
	require.NoError(t, o.RunErr)
	require.NoError(t, o.CommitErr)

	require.Len(t, env.Outbox.Sent(), 1)
	assert.Equal(t, []string{"carol@example.net"}, env.Outbox.Sent()[0].To)
	assert.Len(t, env.Mailboxes.Messages("INBOX"), 1)
}

func TestCopyWithoutCopyCancelsKeep(t *testing.T) {
	env := testutils.NewEnv("Work")
	e := binary.NewEmitter()
	cp := e.Extension(sievecopy.Name)
	fi := e.Extension(fileinto.Name)
	e.ExtOp(fi, fileinto.OpFileinto).SideEffect(cp, sievecopy.SideEffectCopy, nil).OptionalEnd().String("Work")
	e.Op(binary.OpRedirect).OptionalEnd().String("carol@example.net")

	o := sievetest.Run(t, e, env, testutils.Message(t, testutils.SimpleMessage), fileinto.Extension, sievecopy.Extension)
	require.NoError(t, o.RunErr)
	require.NoError(t, o.CommitErr)
	assert.Len(t, env.Mailboxes.Messages("Work"), 1)
	assert.Empty(t, env.Mailboxes.Messages("INBOX"), "plain redirect cancels the implicit keep")
}

func TestCopyRejectsPayload(t *testing.T) {
	env := testutils.NewEnv()
	e := binary.NewEmitter()
	cp := e.Extension(sievecopy.Name)
	e.Op(binary.OpKeep).SideEffect(cp, sievecopy.SideEffectCopy, []byte{1}).OptionalEnd()

	o := sievetest.Run(t, e, env, testutils.Message(t, testutils.SimpleMessage), sievecopy.Extension)
	require.Error(t, o.RunErr)
	assert.Contains(t, o.RunErr.Error(), ":copy takes no parameters")
}
