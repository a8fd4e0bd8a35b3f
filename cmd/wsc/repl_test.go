package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TheSmallBoat/asyncws/asyncws"
	"github.com/TheSmallBoat/asyncws/config"
	"github.com/TheSmallBoat/asyncws/echoserver"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestHandleLine(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := echoserver.New(echoserver.Echo)
	srv := httptest.NewServer(s)
	defer func() {
		_ = s.Close()
		srv.Close()
	}()

	cfg := &config.Config{
		Addr:           "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReceiveTimeout: time.Second,
	}

	ctx := context.Background()
	conn := &asyncws.Conn{}
	require.NoError(t, connect(ctx, conn, cfg.Addr, cfg))

	out, err := handleLine(ctx, conn, cfg, "ask hello there")
	require.NoError(t, err)
	require.Equal(t, "hello there", out)

	out, err = handleLine(ctx, conn, cfg, "state")
	require.NoError(t, err)
	require.Equal(t, "open, 0 pending", out)

	_, err = handleLine(ctx, conn, cfg, "recv 10ms")
	require.True(t, asyncws.IsTimeout(err))

	_, err = handleLine(ctx, conn, cfg, "close 4000 bye")
	require.NoError(t, err)

	_, err = handleLine(ctx, conn, cfg, "send late")
	require.ErrorIs(t, err, asyncws.ErrNotConnected)

	_, err = handleLine(ctx, conn, cfg, "close")
	require.ErrorIs(t, err, asyncws.ErrAlreadyClosed)

	_, err = handleLine(ctx, conn, cfg, "connect")
	require.NoError(t, err)

	_, err = handleLine(ctx, conn, cfg, "dance")
	require.ErrorContains(t, err, "unsupported command")

	_, err = conn.CloseNormal().Result()
	require.NoError(t, err)
}

func TestConnectGivesUpAfterRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := &config.Config{HandshakeTimeout: 100 * time.Millisecond}
	conn := &asyncws.Conn{}

	err := connect(context.Background(), conn, "ws://127.0.0.1:1/", cfg)
	require.ErrorContains(t, err, "failed to connect")
}
