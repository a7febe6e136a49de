//go:build !linux

package sipua

import "syscall"

func voiceSocketControl(_, _ string, _ syscall.RawConn) error { return nil }
