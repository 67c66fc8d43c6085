package uds

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/msageha/orbit/internal/model"
)

const startHint = "Is the daemon running? Start it with: orbit daemon"

// Client sends one request per connection to the daemon socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    defaultRequestTimeout,
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Send performs one round trip. Connection failures are INTERNAL_ERROR; a reply that does not
// arrive within the timeout is TIMED_OUT.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, c.ioError("send request", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, c.ioError("read response", req.Command, err)
	}
	return &resp, nil
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	switch {
	case err == nil:
		return conn, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, model.Errorf(model.KindInternal, "connect", c.socketPath, "daemon not running (no socket)\n%s", startHint)
	case errors.Is(err, syscall.ECONNREFUSED):
		return nil, model.Errorf(model.KindInternal, "connect", c.socketPath, "stale socket, daemon not running\n%s", startHint)
	default:
		return nil, model.Wrap(model.KindInternal, "connect", c.socketPath, fmt.Errorf("%w\n%s", err, startHint))
	}
}

func (c *Client) ioError(op, command string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return model.Errorf(model.KindTimedOut, op, command, "no reply within %s", c.timeout)
	}
	return model.Wrap(model.KindInternal, op, command, err)
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Call sends command and decodes a successful reply into out. A failed reply comes back as an
// error carrying the daemon's error kind.
func (c *Client) Call(command string, params, out any) error {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
