package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

// newListener 依端點類型建立 TCP 或 UNIX socket listener
func newListener(ep types.Endpoint) (net.Listener, error) {
	if ep.IsTCP() {
		ln, err := net.Listen("tcp", ep.Address)
		if err != nil {
			return nil, wrapBindError(ep, err)
		}
		return ln, nil
	}
	return newUnixListener(ep.Address)
}

func newUnixListener(socketPath string) (net.Listener, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// 有人在聽就視為占用；否則是上次留下的 socket 檔，直接移除
	if _, err := os.Stat(socketPath); err == nil {
		if conn, dialErr := net.DialTimeout("unix", socketPath, 200*time.Millisecond); dialErr == nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAddrInUse, socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, wrapBindError(types.Endpoint{Network: types.NetworkUnix, Address: socketPath}, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

func wrapBindError(ep types.Endpoint, err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return fmt.Errorf("%w: %s", ErrAddrInUse, ep.Address)
	}
	return fmt.Errorf("%w: %s: %v", ErrBind, ep.Address, err)
}
