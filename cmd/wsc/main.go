package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheSmallBoat/asyncws/asyncws"
	"github.com/TheSmallBoat/asyncws/config"
	"github.com/TheSmallBoat/asyncws/echoserver"
	"github.com/TheSmallBoat/asyncws/logs"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	defer logs.Sync()
	return NewCliWrapper().Run(args)
}

var (
	flagConfig = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path of a yaml config file, defaults to ~/.asyncws/config.yaml.",
		EnvVars: []string{"ASYNCWS_CONFIG"},
	}
	flagAddr = &cli.StringFlag{
		Name:    "addr",
		Aliases: []string{"a"},
		Usage:   "websocket address to connect to, ws:// or wss://.",
	}
	flagTimeout = &cli.DurationFlag{
		Name:    "timeout",
		Aliases: []string{"t"},
		Usage:   "default receive timeout, 0 waits forever.",
		Action: func(c *cli.Context, d time.Duration) error {
			if d < 0 {
				return fmt.Errorf("'%s' is an invalid timeout", d)
			}
			return nil
		},
	}
	flagRetries = &cli.IntFlag{
		Name:  "retries",
		Usage: "dial attempts after the first one fails.",
		Action: func(c *cli.Context, n int) error {
			if n < 0 || n > 64 {
				return fmt.Errorf("'%d' is an invalid number of retries, 0 <= retries <= 64 are available", n)
			}
			return nil
		},
	}
	flagRejectPending = &cli.BoolFlag{
		Name:  "reject-pending-on-close",
		Usage: "fail pending receives when the connection is closed.",
	}
	flagLogLevel = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error.",
	}
	flagMetricsAddr = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "serve prometheus metrics on this address, e.g. :9100.",
	}
	flagListen = &cli.StringFlag{
		Name:    "listen",
		Aliases: []string{"l"},
		Value:   "127.0.0.1:8014",
		Usage:   "address the echo server listens on.",
	}
	flagBroadcast = &cli.BoolFlag{
		Name:  "broadcast",
		Usage: "relay every message to all peers instead of echoing to the sender.",
	}
)

type CliWrapper struct {
	app *cli.App
}

func NewCliWrapper() *CliWrapper {
	wrapper := &CliWrapper{
		app: &cli.App{
			Name:    "wsc",
			Usage:   "interactive websocket client with future based send/recv",
			Version: "0.1.0",
		},
	}
	wrapper.withFlags()
	wrapper.withAction()
	wrapper.withCommands()
	return wrapper
}

func (wrapper *CliWrapper) Run(args []string) error {
	return wrapper.app.Run(args)
}

func (wrapper *CliWrapper) withFlags() {
	wrapper.app.Flags = []cli.Flag{
		flagConfig,
		flagAddr,
		flagTimeout,
		flagRetries,
		flagRejectPending,
		flagLogLevel,
		flagMetricsAddr,
	}
}

func (wrapper *CliWrapper) withAction() {
	wrapper.app.Action = func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		conn := &asyncws.Conn{
			Dialer: &asyncws.WebSocketDialer{
				HandshakeTimeout: cfg.HandshakeTimeout,
				WriteTimeout:     cfg.WriteTimeout,
				CloseTimeout:     cfg.CloseTimeout,
				ReadLimit:        cfg.ReadLimit,
			},
			RejectPendingOnClose: cfg.RejectPendingOnClose,
		}

		if cfg.MetricsAddr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				asyncws.NewPoolCollector(),
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			conn.Metrics = asyncws.NewMetrics(reg)
			asyncws.StartPoolMetrics()
			defer asyncws.ReleasePoolMetrics()

			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logs.Error("metrics listener failed", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		if err := connect(ctx.Context, conn, cfg.Addr, cfg); err != nil {
			return err
		}

		return repl(ctx.Context, conn, cfg)
	}
}

func (wrapper *CliWrapper) withCommands() {
	wrapper.app.Commands = []*cli.Command{
		{
			Name:  "serve",
			Usage: "run an echo websocket server",
			Flags: []cli.Flag{flagListen, flagBroadcast},
			Action: func(ctx *cli.Context) error {
				mode := echoserver.Echo
				if ctx.Bool(flagBroadcast.Name) {
					mode = echoserver.Broadcast
				}
				return serve(ctx.String(flagListen.Name), echoserver.New(mode))
			},
		},
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	v, err := config.New(ctx.String(flagConfig.Name))
	if err != nil {
		return nil, err
	}

	if ctx.IsSet(flagAddr.Name) {
		v.Set(config.KeyAddr, ctx.String(flagAddr.Name))
	}
	if ctx.IsSet(flagTimeout.Name) {
		v.Set(config.KeyReceiveTimeout, ctx.Duration(flagTimeout.Name))
	}
	if ctx.IsSet(flagRetries.Name) {
		v.Set(config.KeyDialRetries, ctx.Int(flagRetries.Name))
	}
	if ctx.IsSet(flagRejectPending.Name) {
		v.Set(config.KeyRejectPendingOnClose, ctx.Bool(flagRejectPending.Name))
	}
	if ctx.IsSet(flagLogLevel.Name) {
		v.Set(config.KeyLogLevel, ctx.String(flagLogLevel.Name))
	}
	if ctx.IsSet(flagMetricsAddr.Name) {
		v.Set(config.KeyMetricsAddr, ctx.String(flagMetricsAddr.Name))
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := logs.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("'%s' is an invalid log level: %w", cfg.LogLevel, err)
	}
	return cfg, nil
}

// connect dials addr, retrying with backoff up to cfg.DialRetries more times.
func connect(ctx context.Context, conn *asyncws.Conn, addr string, cfg *config.Config) error {
	b := &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    500 * time.Millisecond,
		Max:    5 * time.Second,
	}

	wait := cfg.HandshakeTimeout
	if wait <= 0 {
		wait = 45 * time.Second
	}

	for attempt := 0; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, wait+time.Second)
		_, err := conn.Connect(addr).Await(dialCtx)
		cancel()
		if err == nil {
			logs.Info("connected", zap.String("addr", addr))
			return nil
		}
		if attempt >= cfg.DialRetries || ctx.Err() != nil {
			return fmt.Errorf("failed to connect to '%s': %w", addr, err)
		}

		duration := b.Duration()
		logs.Warn("trying to reconnect", zap.String("addr", addr), zap.Duration("sleep", duration), zap.Error(err))

		select {
		case <-time.After(duration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func serve(addr string, s *echoserver.Server) error {
	srv := &http.Server{Addr: addr, Handler: s}

	go func() {
		sig := make(chan os.Signal, 5)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logs.Info("shutdown...")
		_ = s.Close()
		_ = srv.Close()
	}()

	logs.Info("echo server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
