package diag

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/nebula-manager/common"
)

func TestValidateHost(t *testing.T) {
	valid := []string{"192.168.100.1", "fd00::1", "lighthouse", "lh.example.net", "host-1.mesh"}
	for _, h := range valid {
		assert.NoError(t, ValidateHost(h), h)
	}

	invalid := []string{"", "-c", "--help", "host name", "a\nb", "bad..name"}
	for _, h := range invalid {
		assert.ErrorIs(t, ValidateHost(h), common.ErrInvalidArgument, h)
	}
}

func TestExecPinger_Defaults(t *testing.T) {
	p := NewExecPinger(0, 0, 0)
	assert.Equal(t, common.PingCount, p.Count)
	assert.Equal(t, common.PingWait, p.Wait)
	assert.Equal(t, common.PingTimeout, p.Timeout)
	assert.Equal(t, []string{"-c", "3", "-W", "2", "10.0.0.1"}, p.Args("10.0.0.1"))

	p.Wait = 100 * time.Millisecond
	assert.Equal(t, []string{"-c", "3", "-W", "1", "h"}, p.Args("h"))
}

func fakePing(t *testing.T, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "ping")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestExecPinger_Ping(t *testing.T) {
	p := NewExecPinger(1, time.Second, 5*time.Second)

	p.Binary = fakePing(t, "exit 0\n")
	ok, err := p.Ping(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	p.Binary = fakePing(t, "echo '100% packet loss'\nexit 1\n")
	ok, err = p.Ping(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecPinger_Timeout(t *testing.T) {
	p := NewExecPinger(1, time.Second, 100*time.Millisecond)
	p.Binary = fakePing(t, "exec sleep 10\n")

	start := time.Now()
	ok, err := p.Ping(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecPinger_Errors(t *testing.T) {
	p := NewExecPinger(1, time.Second, time.Second)

	_, err := p.Ping(context.Background(), "-f")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	p.Binary = filepath.Join(t.TempDir(), "missing-ping")
	_, err = p.Ping(context.Background(), "10.0.0.1")
	assert.Error(t, err)
}
