package smbprobe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mordilloSan/truenas-passwd/webserver/appliance"
)

func TestDefaults(t *testing.T) {
	p := New(Config{Host: "nas"})
	assert.Equal(t, "smb", p.Name())
	assert.Equal(t, DefaultPort, p.cfg.Port)
	assert.Equal(t, DefaultTimeout, p.cfg.Timeout)
}

func TestEligible(t *testing.T) {
	p := New(Config{Host: "nas"})
	assert.True(t, p.Eligible(&appliance.UserRecord{Username: "alice", SMB: true}))
	assert.False(t, p.Eligible(&appliance.UserRecord{Username: "root"}))
	assert.False(t, p.Eligible(nil))
}

func listenerAddr(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func TestVerifyPortClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := listenerAddr(t, ln)
	require.NoError(t, ln.Close())

	p := New(Config{Host: host, Port: port, Timeout: time.Second})
	ok, err := p.Verify(context.Background(), appliance.Credentials{Username: "alice", Password: "pw"})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestVerifyPeerHangsUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	host, port := listenerAddr(t, ln)

	p := New(Config{Host: host, Port: port, Timeout: time.Second})
	ok, err := p.Verify(context.Background(), appliance.Credentials{Username: "alice", Password: "pw"})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestVerifyTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		<-done
		_ = c.Close()
	}()
	host, port := listenerAddr(t, ln)

	p := New(Config{Host: host, Port: port, Timeout: 200 * time.Millisecond})
	start := time.Now()
	ok, err := p.Verify(context.Background(), appliance.Credentials{Username: "alice", Password: "pw"})
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestVerifyUsesDialer(t *testing.T) {
	p := New(Config{Host: "nas.local", Port: 1445})
	var gotAddr string
	p.dial = func(_ context.Context, _, addr string) (net.Conn, error) {
		gotAddr = addr
		return nil, errors.New("connection refused")
	}
	_, err := p.Verify(context.Background(), appliance.Credentials{Username: "alice"})
	assert.Error(t, err)
	assert.Equal(t, "nas.local:1445", gotAddr)
}
