package control

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"wrapfs/internal/registry"
)

// DefaultTimeout bounds a single request/response exchange.
const DefaultTimeout = 10 * time.Second

// Client issues control requests to one mount's control socket.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to the control socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, DefaultTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", socketPath)
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends req and reads the response header. For OpGetList the
// caller reads the entries that follow.
func (c *Client) roundTrip(req *Request) (Status, uint64, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, 0, errors.Wrap(err, "set deadline")
	}
	if _, err := c.conn.Write(req.Bytes()); err != nil {
		return 0, 0, errors.Wrapf(ErrFaultOnCopy, "send %s: %v", req.Op, err)
	}

	hdr := make([]byte, ResponseHeaderSize)
	if _, err := io.ReadFull(c.conn, hdr); err != nil {
		return 0, 0, errors.Wrapf(ErrFaultOnCopy, "receive %s: %v", req.Op, err)
	}
	status, value := decodeResponseHeader(hdr)
	return status, value, nil
}

func (c *Client) mutate(op Op, path string, ino uint64) error {
	req, err := NewRequest(op, path, ino)
	if err != nil {
		return errors.Wrapf(err, "%s %s", op, path)
	}
	status, _, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if err := status.Err(); err != nil {
		return errors.Wrapf(err, "%s %s", op, path)
	}
	return nil
}

// Hide hides (path, ino).
func (c *Client) Hide(path string, ino uint64) error {
	return c.mutate(OpHide, path, ino)
}

// Unhide clears the hidden flag of (path, ino).
func (c *Client) Unhide(path string, ino uint64) error {
	return c.mutate(OpUnhide, path, ino)
}

// Block blocks (path, ino). path must be relative to the mount root.
func (c *Client) Block(path string, ino uint64) error {
	return c.mutate(OpBlock, path, ino)
}

// Unblock clears the blocked flag of (path, ino).
func (c *Client) Unblock(path string, ino uint64) error {
	return c.mutate(OpUnblock, path, ino)
}

// ListSize returns the number of registered entries. The count is only a
// hint for sizing a following List call.
func (c *Client) ListSize() (int, error) {
	status, value, err := c.roundTrip(&Request{Op: OpGetListSize})
	if err != nil {
		return 0, err
	}
	if err := status.Err(); err != nil {
		return 0, errors.Wrap(err, OpGetListSize.String())
	}
	return int(value), nil
}

// List fetches at most capacity entries. Either every entry the server
// reports is returned or an error is; a partially received listing is
// discarded.
func (c *Client) List(capacity int) ([]registry.Record, error) {
	if capacity < 0 {
		return nil, errors.Wrap(registry.ErrInvalidArgument, OpGetList.String())
	}
	req := &Request{Op: OpGetList, Capacity: uint64(capacity)}
	status, count, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := status.Err(); err != nil {
		return nil, errors.Wrap(err, OpGetList.String())
	}
	if count > uint64(capacity) {
		return nil, errors.Wrapf(ErrFaultOnCopy, "server returned %d entries for capacity %d", count, capacity)
	}

	buf := make([]byte, int(count)*EntrySize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, errors.Wrapf(ErrFaultOnCopy, "receive listing: %v", err)
	}

	recs := make([]registry.Record, count)
	for i := range recs {
		var e Entry
		e.Decode(buf[i*EntrySize : (i+1)*EntrySize])
		recs[i] = e.Record()
	}
	return recs, nil
}

// ListAll performs the two-phase listing: a size query followed by a list
// call sized from it. Entries added between the two calls may be missing.
func (c *Client) ListAll() ([]registry.Record, error) {
	n, err := c.ListSize()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return c.List(n)
}
