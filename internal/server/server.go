// ============================================================================
// Status Server - 接收 worker 回報的狀態訊息
// ============================================================================
//
// Package: internal/server
// 功能: 在 TCP 或 UNIX socket 上接受 worker 連線，逐行解析 JSON 後寫入 status repo
//
// 協定（單向，server 從不回寫）:
//   1. 連線為位元組串流，訊息以 "\n" 分隔
//   2. 每則訊息為 UTF-8 JSON
//   3. 超過緩衝區大小（預設 32 KiB）的訊息會被拒絕，並關閉該連線
//   4. 連線關閉但沒有終止訊息不是錯誤，由 scheduler 透過 spawner 判斷結果
//
// 生命週期:
//   Listen(endpoint) → Serve(ctx) → Close()
//   - Listen 對相同端點為冪等；已在其他端點監聽時回傳 ErrAddrInUse
//   - Close 停止接受新連線，既有連線可在 DrainTimeout 內自行結束
//
// 並發:
//   每條連線一個 goroutine；同一連線的訊息依到達順序寫入
//
// ============================================================================

package server

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/internal/statusrepo"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// 預設值
const (
	DefaultBufferSize   = 32 * 1024
	DefaultDrainTimeout = 5 * time.Second
)

var (
	ErrAddrInUse    = errors.New("status server: address in use")
	ErrBind         = errors.New("status server: bind failed")
	ErrNotListening = errors.New("status server: not listening")
	ErrClosed       = errors.New("status server: closed")
)

// MessageSink 接收原始訊息行（通常是 *statusrepo.Repo）
type MessageSink interface {
	ProcessRawMessage(line []byte) (statusrepo.ParseOutcome, error)
}

// Observer 連線與訊息事件（通常是 metrics.Collector）
type Observer interface {
	RecordStatusMessage(outcome string)
	RecordOversizedLine()
	RecordConnection()
}

// Options Server 選項
type Options struct {
	BufferSize   int
	DrainTimeout time.Duration
	Logger       *slog.Logger
	Observer     Observer
}

// Server status server
type Server struct {
	sink MessageSink
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	listener  net.Listener
	requested string         // Listen 收到的端點字串
	endpoint  types.Endpoint // 實際綁定的端點（port 0 已解析）
	conns     map[net.Conn]struct{}
	closed    bool
	closing   chan struct{}

	connWg sync.WaitGroup
}

// New 建立 Server
func New(sink MessageSink, opts Options) *Server {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	return &Server{
		sink:    sink,
		opts:    opts,
		log:     nlog.WithComponent(opts.Logger, "status-server"),
		conns:   make(map[net.Conn]struct{}),
		closing: make(chan struct{}),
	}
}

// Listen 綁定端點
//
// 含冒號且右側為合法 port 時為 TCP，否則為 UNIX socket 路徑
func (s *Server) Listen(endpoint string) error {
	ep, err := types.ParseEndpoint(endpoint)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.listener != nil {
		if endpoint == s.requested || endpoint == s.endpoint.Address {
			return nil
		}
		return ErrAddrInUse
	}

	ln, err := newListener(ep)
	if err != nil {
		return err
	}

	s.listener = ln
	s.requested = endpoint
	s.endpoint = ep
	if ep.IsTCP() {
		s.endpoint.Address = ln.Addr().String()
	}
	s.log.Info("status server listening", "endpoint", s.endpoint.Address)
	return nil
}

// Endpoint 實際綁定的端點（傳給 worker 用）
func (s *Server) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint.Address
}

// Serve 接受連線直到 Close 被呼叫或 ctx 結束
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ln == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		if s.opts.Observer != nil {
			s.opts.Observer.RecordConnection()
		}
		go s.handleConn(conn)
	}
}

// Close 停止接受連線，並等待既有連線結束（最多 DrainTimeout）
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	ln := s.listener
	ep := s.endpoint
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		if !ep.IsTCP() {
			os.Remove(ep.Address)
		}
	}

	drained := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.opts.DrainTimeout):
		s.mu.Lock()
		remaining := len(s.conns)
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.log.Warn("drain deadline exceeded, closing connections", "remaining", remaining)
		<-drained
	}
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connWg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.connWg.Done()
}

// handleConn 逐行讀取直到 EOF、錯誤或訊息過長
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	initial := 4096
	if initial > s.opts.BufferSize {
		initial = s.opts.BufferSize
	}
	// 換行字元不計入訊息長度
	scanner.Buffer(make([]byte, initial), s.opts.BufferSize+1)

	for scanner.Scan() {
		outcome, err := s.sink.ProcessRawMessage(scanner.Bytes())
		if s.opts.Observer != nil && outcome != statusrepo.Skipped {
			s.opts.Observer.RecordStatusMessage(outcome.String())
		}
		if err != nil {
			s.log.Debug("status line dropped", "remote", conn.RemoteAddr(), "error", err)
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			if s.opts.Observer != nil {
				s.opts.Observer.RecordOversizedLine()
			}
			s.log.Warn("status message exceeds buffer, closing connection", "limit", s.opts.BufferSize)
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			s.log.Debug("connection read error", "error", err)
		}
	}
}
