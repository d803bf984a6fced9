package devices_test

import "golang.org/x/sys/unix"

// Bytes waiting to be read on a pipe
const ioctlInputPending = unix.TIOCINQ
