package pjsua

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Байты протокола telnet
const (
	telnetIAC  = 255
	telnetDONT = 254
	telnetDO   = 253
	telnetWONT = 252
	telnetWILL = 251
	telnetSB   = 250
	telnetSE   = 240
)

var errCLIClosed = errors.New("pjsua cli connection closed")

// commander выполняет команду CLI и возвращает ее вывод без эха и
// приглашения
type commander interface {
	Command(ctx context.Context, cmd string) (string, error)
	Close() error
}

// telnetCLI клиент telnet интерфейса pjsua (--use-cli --cli-telnet-port)
type telnetCLI struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	closed  bool
}

func dialCLI(ctx context.Context, addr string, timeout time.Duration) (*telnetCLI, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect pjsua cli %s: %w", addr, err)
	}
	c := &telnetCLI{conn: conn, reader: bufio.NewReader(conn), timeout: timeout}

	// баннер и первое приглашение
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := c.readUntilPrompt(rctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wait pjsua prompt: %w", err)
	}
	return c, nil
}

func (c *telnetCLI) Command(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errCLIClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if _, err := io.WriteString(c.conn, cmd+"\r\n"); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}
	out, err := c.readUntilPrompt(ctx)
	if err != nil {
		return out, fmt.Errorf("read reply to %q: %w", cmd, err)
	}
	return stripEcho(out, cmd), nil
}

// readUntilPrompt читает до строки приглашения, отвечая отказом на
// все предложения опций telnet
func (c *telnetCLI) readUntilPrompt(ctx context.Context) (string, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	var out, line strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		b, err := c.reader.ReadByte()
		if err != nil {
			return out.String(), err
		}
		if b == telnetIAC {
			if err := c.negotiate(); err != nil {
				return out.String(), err
			}
			continue
		}
		if b == '\r' {
			continue
		}
		line.WriteByte(b)
		if b == '\n' {
			out.WriteString(line.String())
			line.Reset()
			continue
		}
		if isPrompt(line.String()) && c.reader.Buffered() == 0 {
			return out.String(), nil
		}
	}
}

func (c *telnetCLI) negotiate() error {
	cmd, err := c.reader.ReadByte()
	if err != nil {
		return err
	}
	switch cmd {
	case telnetDO, telnetDONT, telnetWILL, telnetWONT:
		opt, err := c.reader.ReadByte()
		if err != nil {
			return err
		}
		switch cmd {
		case telnetDO:
			_, err = c.conn.Write([]byte{telnetIAC, telnetWONT, opt})
		case telnetWILL:
			_, err = c.conn.Write([]byte{telnetIAC, telnetDONT, opt})
		}
		return err
	case telnetSB:
		for {
			b, err := c.reader.ReadByte()
			if err != nil {
				return err
			}
			if b == telnetIAC {
				if next, err := c.reader.ReadByte(); err != nil || next == telnetSE {
					return err
				}
			}
		}
	}
	return nil
}

// isPrompt приглашение pjsua оканчивается на ">>>" или "> "
func isPrompt(s string) bool {
	t := strings.TrimRight(s, " ")
	if strings.HasSuffix(t, ">>>") {
		return true
	}
	return strings.HasSuffix(s, "> ") && len(strings.TrimSpace(s)) > 1 &&
		!strings.Contains(strings.ToLower(s), "error")
}

func stripEcho(out, cmd string) string {
	lines := strings.Split(out, "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == cmd {
		lines = lines[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (c *telnetCLI) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_, _ = io.WriteString(c.conn, "exit\r\n")
	return c.conn.Close()
}
