//go:build linux

package etcdtest

import "syscall"

// The `etcd` child receives SIGTERM if the test process dies, so that a
// panicking or timed-out test binary doesn't leave it running.
var getSysProcAttr = func() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
