package pjsua

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

const dialRetryInterval = 200 * time.Millisecond

// buildArgs аргументы командной строки pjsua. Аккаунт с учетными
// данными передается только при запуске: CLI не умеет задавать пароль.
func buildArgs(opts Options, cfg engine.EndpointConfig, transports []engine.TransportConfig) []string {
	args := []string{"--use-cli", "--cli-telnet-port", strconv.Itoa(opts.TelnetPort), "--no-cli-console"}

	if cfg.MaxCalls > 0 {
		args = append(args, "--max-calls", strconv.Itoa(cfg.MaxCalls))
	}
	if cfg.LogLevel > 0 {
		args = append(args, "--log-level", strconv.Itoa(cfg.LogLevel))
	}

	var hasUDP, hasTCP bool
	for _, t := range transports {
		switch t.Type {
		case engine.TransportUDP:
			if !hasUDP {
				args = append(args, "--local-port", strconv.Itoa(t.Port))
				if t.BoundAddr != "" {
					args = append(args, "--bound-addr", t.BoundAddr)
				}
			}
			hasUDP = true
		case engine.TransportTCP:
			hasTCP = true
		}
	}
	if !hasUDP {
		args = append(args, "--no-udp")
	}
	if !hasTCP {
		args = append(args, "--no-tcp")
	}

	if a := opts.Account; a != nil {
		args = append(args, "--id", a.IDURI)
		if a.RegistrarURI != "" {
			args = append(args, "--registrar", a.RegistrarURI)
		}
		if len(a.Credentials) > 0 {
			c := a.Credentials[0]
			realm := c.Realm
			if realm == "" {
				realm = "*"
			}
			args = append(args, "--realm", realm, "--username", c.Username, "--password", c.Password)
		}
		for _, p := range a.ProxyURIs {
			args = append(args, "--proxy", p)
		}
		if a.RegTimeout > 0 {
			args = append(args, "--reg-timeout", strconv.Itoa(a.RegTimeout))
		}
		if a.ICEEnabled {
			args = append(args, "--use-ice")
		}
		if a.SRTP != engine.SRTPDisabled {
			args = append(args, "--use-srtp", strconv.Itoa(int(a.SRTP)))
		}
	}

	return append(args, opts.Args...)
}

// launch запускает процесс pjsua, вывод процесса уходит в лог
func launch(binary string, args []string, log logger.StructuredLogger) (*exec.Cmd, error) {
	cmd := exec.Command(binary, args...)
	w := &lineLogger{log: log}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	return cmd, nil
}

// connectWithRetry ждет, пока pjsua откроет telnet порт
func connectWithRetry(ctx context.Context, dial func(context.Context) (commander, error)) (commander, error) {
	var lastErr error
	for {
		c, err := dial(ctx)
		if err == nil {
			return c, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pjsua cli not reachable: %w", lastErr)
		case <-time.After(dialRetryInterval):
		}
	}
}

func telnetDialer(host string, port int, timeout time.Duration) func(context.Context) (commander, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return func(ctx context.Context) (commander, error) {
		return dialCLI(ctx, addr, timeout)
	}
}

// lineLogger пишет вывод процесса в лог построчно
type lineLogger struct {
	mu  sync.Mutex
	buf []byte
	log logger.StructuredLogger
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.log.Debug(context.Background(), string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
