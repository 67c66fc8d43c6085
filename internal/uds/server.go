package uds

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/msageha/orbit/internal/logging"
	"github.com/msageha/orbit/internal/model"
)

// HandlerFunc serves one command. ctx ends at the request deadline or when the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxInFlight    = 64
)

// CommandStats counts the requests served for one command.
type CommandStats struct {
	Calls    uint64        `json:"calls"`
	Failures uint64        `json:"failures"`
	Total    time.Duration `json:"total"`
	Max      time.Duration `json:"max"`
}

// CommandInfo is one row of the built-in "commands" reply.
type CommandInfo struct {
	Name string `json:"name"`
	CommandStats
}

// Server answers framed requests on a unix socket, one request per connection.
type Server struct {
	socketPath string
	logger     *logging.Logger
	timeout    time.Duration
	slots      chan struct{}

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	statsMu sync.Mutex
	stats   map[string]*CommandStats

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(socketPath string, logger *logging.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		socketPath: socketPath,
		logger:     logger.With("uds"),
		timeout:    defaultRequestTimeout,
		slots:      make(chan struct{}, defaultMaxInFlight),
		handlers:   make(map[string]HandlerFunc),
		stats:      make(map[string]*CommandStats),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.Handle("commands", func(context.Context, *Request) *Response {
		return SuccessResponse(s.Commands())
	})
	return s
}

// SetConnTimeout bounds reading a request, running its handler and writing the reply.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.timeout = d
}

// SetMaxInFlight caps concurrently served connections. Callers beyond the cap get
// RESOURCE_EXHAUSTED. Call before Start.
func (s *Server) SetMaxInFlight(n int) {
	if n > 0 {
		s.slots = make(chan struct{}, n)
	}
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Commands lists the registered commands with their counters, sorted by name.
func (s *Server) Commands() []CommandInfo {
	s.mu.RLock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make([]CommandInfo, len(names))
	for i, name := range names {
		out[i].Name = name
		if st, ok := s.stats[name]; ok {
			out[i].CommandStats = *st
		}
	}
	return out
}

func (s *Server) Start() error {
	// A leftover socket means a crashed daemon; the state-dir lock already excludes a live one.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Stop closes the listener, cancels in-flight handlers and waits for their replies.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warnf("accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		select {
		case s.slots <- struct{}{}:
			go s.serveConn(conn)
		default:
			go s.reject(conn)
		}
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.slots }()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Warnf("read request error: %v", err)
		return
	}

	resp := s.dispatch(&req)

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Warnf("write response error command=%s: %v", req.Command, err)
	}
}

// reject drains the request so the client reads a reply rather than a reset.
func (s *Server) reject(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(time.Second))
	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		return
	}
	s.logger.Warnf("rejecting command=%s: too many requests in flight", req.Command)
	_ = WriteFrame(conn, ErrorResponse(string(model.KindResourceExhausted),
		fmt.Sprintf("daemon busy: %d requests in flight", cap(s.slots))))
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	reqID, _ := model.GenerateID(model.IDTypeRequest, start)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("panic request=%s command=%s: %v\n%s", reqID, req.Command, r, debug.Stack())
			resp = ErrorResponse(string(model.KindInternal), fmt.Sprintf("%s: handler panic: %v", req.Command, r))
		}
		elapsed := time.Since(start)
		s.record(req.Command, elapsed, resp.Success)
		s.logger.Debugf("request=%s command=%s success=%t elapsed=%s", reqID, req.Command, resp.Success, elapsed)
	}()

	resp = handler(ctx, req)
	if resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}

func (s *Server) record(command string, elapsed time.Duration, ok bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st := s.stats[command]
	if st == nil {
		st = &CommandStats{}
		s.stats[command] = st
	}
	st.Calls++
	if !ok {
		st.Failures++
	}
	st.Total += elapsed
	if elapsed > st.Max {
		st.Max = elapsed
	}
}
