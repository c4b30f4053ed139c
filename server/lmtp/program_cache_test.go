package lmtp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/sieve/binary"
)

func saveProgram(t *testing.T, path, name string, build func(e *binary.Emitter)) {
	t.Helper()
	e := binary.NewEmitter()
	build(e)
	prog, err := e.Program(name)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, prog.SaveFile(path))
}

func TestProgramCacheMissingFile(t *testing.T) {
	c := NewProgramCache(4, time.Minute)
	prog, err := c.Load(filepath.Join(t.TempDir(), "missing.svbc"))
	require.NoError(t, err)
	assert.Nil(t, prog)

	prog, err = c.Load("")
	require.NoError(t, err)
	assert.Nil(t, prog)
	assert.Zero(t, c.Size())
}

func TestProgramCacheHitAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active.svbc")
	saveProgram(t, path, "first", func(e *binary.Emitter) { e.Op(binary.OpKeep).OptionalEnd() })

	c := NewProgramCache(4, time.Minute)
	first, err := c.Load(path)
	require.NoError(t, err)
	require.NotNil(t, first)
	again, err := c.Load(path)
	require.NoError(t, err)
	assert.Same(t, first, again)

	saveProgram(t, path, "second", func(e *binary.Emitter) {
		e.Op(binary.OpDiscard).OptionalEnd()
		e.Op(binary.OpStop)
	})
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	reloaded, err := c.Load(path)
	require.NoError(t, err)
	assert.NotSame(t, first, reloaded)
	assert.Equal(t, 1, c.Size())

	require.NoError(t, os.Remove(path))
	gone, err := c.Load(path)
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Zero(t, c.Size())
}

func TestProgramCacheEvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	paths := make([]string, 3)
	for i := range paths {
		paths[i] = filepath.Join(dir, string(rune('a'+i))+".svbc")
		saveProgram(t, paths[i], "p", func(e *binary.Emitter) { e.Op(binary.OpNop) })
	}

	c := NewProgramCache(2, time.Minute)
	a, err := c.Load(paths[0])
	require.NoError(t, err)
	_, err = c.Load(paths[1])
	require.NoError(t, err)
	_, err = c.Load(paths[0])
	require.NoError(t, err)
	_, err = c.Load(paths[2])
	require.NoError(t, err)
	assert.Equal(t, 2, c.Size())

	again, err := c.Load(paths[0])
	require.NoError(t, err)
	assert.Same(t, a, again, "recently used entry survives eviction")
}

func TestProgramCacheCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active.svbc")
	require.NoError(t, os.WriteFile(path, []byte("not a program"), 0o644))

	c := NewProgramCache(4, time.Minute)
	_, err := c.Load(path)
	assert.Error(t, err)
	assert.Zero(t, c.Size())
}

func TestProgramCacheCleanExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active.svbc")
	saveProgram(t, path, "p", func(e *binary.Emitter) { e.Op(binary.OpNop) })

	c := NewProgramCache(4, time.Nanosecond)
	_, err := c.Load(path)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	c.CleanExpired()
	assert.Zero(t, c.Size())
}
