package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestInitializeServices(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Storage.Path = t.TempDir()
	cfg.Duplicates.Path = filepath.Join(t.TempDir(), "duplicates.db")

	deps, err := initializeServices(cfg)
	require.NoError(t, err)
	defer deps.services.Close()
	assert.NotNil(t, deps.delivery)
	assert.Nil(t, deps.delivery.Store)
	assert.NotNil(t, deps.metricsCollector)
}

func TestStartServersAcceptsLMTP(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Storage.Path = t.TempDir()
	cfg.LMTP.Start = true
	cfg.LMTP.Addr = freeAddr(t)

	deps, err := initializeServices(cfg)
	require.NoError(t, err)
	defer deps.services.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errChan := startServers(ctx, deps)

	var c *smtp.Client
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", cfg.LMTP.Addr)
		if err != nil {
			return false
		}
		c = smtp.NewClientLMTP(conn)
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, c.Hello("test.example.com"))
	c.Close()

	cancel()
	done := make(chan struct{})
	go func() {
		deps.serverManager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case err := <-errChan:
		t.Fatalf("server error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("servers did not stop")
	}
}
