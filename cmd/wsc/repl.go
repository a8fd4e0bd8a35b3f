package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/TheSmallBoat/asyncws/asyncws"
	"github.com/TheSmallBoat/asyncws/config"
	"github.com/chzyer/readline"
)

const replHelp = `commands:
  send <text>            send a text message
  ask <text>             receive, then send, and print the reply
  recv [timeout]         wait for the next message
  close [code [reason]]  close the connection
  connect [addr]         connect again, to addr or the configured address
  state                  print the connection state and pending receivers
  exit`

func repl(ctx context.Context, conn *asyncws.Conn, cfg *config.Config) error {
	input, err := readline.NewEx(&readline.Config{
		Prompt: "> ",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("send"),
			readline.PcItem("ask"),
			readline.PcItem("recv"),
			readline.PcItem("close"),
			readline.PcItem("connect"),
			readline.PcItem("state"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
		HistoryFile: filepath.Join(config.BaseDir, "wsc_history"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()
	defer input.Close()
	defer context.AfterFunc(ctx, func() { _ = input.Close() })()

	for {
		line, err := input.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				_, _ = conn.CloseNormal().Result()
				return nil
			}
			fmt.Fprintln(os.Stderr, err)
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") {
			_, _ = conn.CloseNormal().Result()
			return nil
		}

		out, err := runCommand(ctx, conn, cfg, line)
		if ctx.Err() != nil {
			_, _ = conn.CloseNormal().Result()
			return nil
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
	}
}

// runCommand runs one line with a context that Ctrl-C cancels. Readline only sees Ctrl-C
// while it is reading, so a blocked recv would otherwise be stuck.
func runCommand(ctx context.Context, conn *asyncws.Conn, cfg *config.Config, line string) (string, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	return handleLine(ctx, conn, cfg, line)
}

func handleLine(ctx context.Context, conn *asyncws.Conn, cfg *config.Config, line string) (string, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "send":
		_, err := conn.Send(asyncws.Text(rest)).Result()
		return "", err
	case "ask":
		rx := conn.Receive(cfg.ReceiveTimeout)
		if _, err := conn.Send(asyncws.Text(rest)).Result(); err != nil {
			return "", err
		}
		msg, err := rx.Await(ctx)
		if err != nil {
			return "", err
		}
		return format(msg), nil
	case "recv":
		timeout := cfg.ReceiveTimeout
		if rest != "" {
			d, err := time.ParseDuration(rest)
			if err != nil {
				return "", err
			}
			timeout = d
		}
		msg, err := conn.Receive(timeout).Await(ctx)
		if err != nil {
			return "", err
		}
		return format(msg), nil
	case "close":
		code, reason := asyncws.CloseNormalClosure, ""
		if rest != "" {
			c, r, _ := strings.Cut(rest, " ")
			n, err := strconv.Atoi(c)
			if err != nil {
				return "", fmt.Errorf("'%s' is an invalid close code", c)
			}
			code, reason = n, r
		}
		_, err := conn.Close(code, reason).Result()
		return "", err
	case "connect":
		addr := cfg.Addr
		if rest != "" {
			addr = rest
		}
		return "", connect(ctx, conn, addr, cfg)
	case "state":
		return fmt.Sprintf("%s, %d pending", conn.State(), conn.Pending()), nil
	case "help":
		return replHelp, nil
	}

	return "", fmt.Errorf("unsupported command '%s', try help", cmd)
}

func format(msg asyncws.Message) string {
	if msg.Type == asyncws.BinaryMessage {
		return fmt.Sprintf("<binary %d bytes> %x", len(msg.Data), msg.Data)
	}
	return msg.String()
}
