package pjsua

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveCLI имитирует telnet интерфейс pjsua: согласование опций,
// эхо команды и приглашение после ответа
func serveCLI(t *testing.T, replies map[string]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		const prompt = "sessionbridge>>> "
		_, _ = conn.Write([]byte{telnetIAC, telnetDO, 1, telnetIAC, telnetWILL, 3})
		_, _ = conn.Write([]byte("PJSUA CLI\r\n" + prompt))

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			// ответы на согласование приходят перед командой
			cmd := strings.TrimSpace(strings.Map(func(r rune) rune {
				if r == utf8.RuneError || r < 0x20 {
					return -1
				}
				return r
			}, line))
			if cmd == "exit" {
				return
			}
			reply, ok := replies[cmd]
			if !ok {
				reply = "Unknown command " + cmd
			}
			_, _ = conn.Write([]byte(cmd + "\r\n" + reply + "\r\n" + prompt))
		}
	}()
	return ln.Addr().String()
}

func TestTelnetCLI_Command(t *testing.T) {
	addr := serveCLI(t, map[string]string{
		"call list": "[0] CONFIRMED to sip:bob@example.com [ACTIVE]",
		"acc show":  " *[ 1] sip:alice@example.com: 200/OK (expires=299)",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli, err := dialCLI(ctx, addr, 2*time.Second)
	require.NoError(t, err)
	defer cli.Close()

	out, err := cli.Command(ctx, "call list")
	require.NoError(t, err)
	assert.Equal(t, "[0] CONFIRMED to sip:bob@example.com [ACTIVE]", out)

	out, err = cli.Command(ctx, "acc show")
	require.NoError(t, err)
	require.Len(t, parseAccounts(out), 1)

	require.NoError(t, cli.Close())
	_, err = cli.Command(ctx, "call list")
	assert.ErrorIs(t, err, errCLIClosed)
}

func TestIsPrompt(t *testing.T) {
	assert.True(t, isPrompt(">>> "))
	assert.True(t, isPrompt("pjsua> "))
	assert.False(t, isPrompt("> "))
	assert.False(t, isPrompt("Error> "))
	assert.False(t, isPrompt("[0] CONFIRMED"))
}
