//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package devices_test

import "golang.org/x/sys/unix"

// Bytes waiting to be read on a pipe
const ioctlInputPending = unix.FIONREAD
