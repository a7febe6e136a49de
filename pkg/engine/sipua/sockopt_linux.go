//go:build linux

package sipua

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// dscpExpeditedForwarding EF для интерактивного аудио (RFC 4594)
const dscpExpeditedForwarding = 46

// voiceSocketControl настраивает RTP сокет: разрешает повторную привязку
// порта, выставляет DSCP EF и приоритет сокета. Ошибки QoS опций
// игнорируются, в контейнерах они часто запрещены.
func voiceSocketControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		s := int(fd)
		sockErr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		_ = unix.SetsockoptInt(s, unix.IPPROTO_IP, unix.IP_TOS, dscpExpeditedForwarding<<2)
		_ = unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscpExpeditedForwarding<<2)
		_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	})
	if err != nil {
		return err
	}
	return sockErr
}
