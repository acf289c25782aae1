package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	nerrors "github.com/ChuLiYu/nrunner/internal/errors"
	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// DefaultConnectGrace worker 連上 status server 的期限
const DefaultConnectGrace = 2 * time.Second

var ErrNoEndpoints = errors.New("worker: no status server endpoints")

// StatusClient 連到一或多個 status server，每則訊息寫到全部連線
type StatusClient struct {
	mu     sync.Mutex
	conns  []net.Conn
	logger *slog.Logger
}

// Dial 在 grace 期間內重試連線，任一端點連不上即失敗
func Dial(ctx context.Context, endpoints []string, grace time.Duration, logger *slog.Logger) (*StatusClient, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if grace <= 0 {
		grace = DefaultConnectGrace
	}
	c := &StatusClient{logger: nlog.WithComponent(logger, "status-client")}
	for _, raw := range endpoints {
		ep, err := types.ParseEndpoint(raw)
		if err != nil {
			c.Close()
			return nil, err
		}
		conn, err := dialWithRetry(ctx, ep, grace)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to status server %s: %w", ep, err)
		}
		c.conns = append(c.conns, conn)
	}
	return c, nil
}

func dialWithRetry(ctx context.Context, ep types.Endpoint, grace time.Duration) (net.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = grace

	var dialer net.Dialer
	var conn net.Conn
	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		var err error
		conn, err = dialer.DialContext(attemptCtx, ep.Network, ep.Address)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Report 寫入一行到所有連線
func (c *StatusClient) Report(msg *types.Message) error {
	line, err := msg.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs *nerrors.MultiError
	for _, conn := range c.conns {
		if _, err := conn.Write(line); err != nil {
			errs = errs.Append(fmt.Errorf("%s: %w", conn.RemoteAddr(), err))
		}
	}
	return errs.ErrorOrNil()
}

// Close 關閉所有連線
func (c *StatusClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs *nerrors.MultiError
	for _, conn := range c.conns {
		errs = errs.Append(conn.Close())
	}
	c.conns = nil
	return errs.ErrorOrNil()
}
