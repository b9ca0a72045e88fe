package control

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"wrapfs/internal/registry"
)

// startServer runs a control server for reg in a temporary directory and
// returns its socket path. The server is stopped when the test ends.
func startServer(t *testing.T, reg *registry.Registry, adminUID uint32) string {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(sock, NewHandler(reg, newFakeResolver()), adminUID)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return sock
}

func dial(t *testing.T, sock string) *Client {
	t.Helper()
	c, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientServerRoundTrip(t *testing.T) {
	reg := registry.New(0)
	sock := startServer(t, reg, uint32(os.Getuid()))
	c := dial(t, sock)

	if err := c.Hide("/tmp/secret", 42); err != nil {
		t.Fatalf("Hide: %v", err)
	}
	if !reg.IsHidden("/tmp/secret", 42) {
		t.Fatal("hide did not reach the registry")
	}
	if err := c.Block("/tmp/secret", 42); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := c.Hide("/data/report", 7); err != nil {
		t.Fatalf("Hide: %v", err)
	}

	recs, err := c.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Inode < recs[j].Inode })
	want := []registry.Record{
		{Path: "/data/report", Inode: 7, Flags: registry.FlagHidden},
		{Path: "/tmp/secret", Inode: 42, Flags: registry.FlagHidden | registry.FlagBlocked},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}

	err = c.Unhide("/never", 1)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Unhide of missing entry = %v, want ErrNotFound", err)
	}

	if _, err := c.List(0); !errors.Is(err, registry.ErrInvalidArgument) {
		t.Errorf("List(0) = %v, want ErrInvalidArgument", err)
	}
	if reg.ListSize() != 2 {
		t.Errorf("ListSize = %d after zero capacity listing, want 2", reg.ListSize())
	}

	// The connection stays usable after failures
	if err := c.Unblock("/tmp/secret", 42); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if n, err := c.ListSize(); err != nil || n != 2 {
		t.Errorf("ListSize = %d, %v; want 2", n, err)
	}
}

func TestClientRejectsLongPath(t *testing.T) {
	reg := registry.New(0)
	c := dial(t, startServer(t, reg, uint32(os.Getuid())))

	err := c.Hide("/"+strings.Repeat("a", PathSize), 1)
	if !errors.Is(err, registry.ErrInvalidArgument) {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
	if reg.ListSize() != 0 {
		t.Error("oversized path reached the registry")
	}
}

func TestShortFrame(t *testing.T) {
	reg := registry.New(0)
	sock := startServer(t, reg, uint32(os.Getuid()))

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req, _ := NewRequest(OpHide, "/half", 1)
	if _, err := conn.Write(req.Bytes()[:RequestSize/2]); err != nil {
		t.Fatal(err)
	}
	if err := conn.(*net.UnixConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	hdr := make([]byte, ResponseHeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if status, _ := decodeResponseHeader(hdr); status != StatusFaultOnCopy {
		t.Errorf("status = %v, want %v", status, StatusFaultOnCopy)
	}
	if reg.ListSize() != 0 {
		t.Error("partial request must not be applied")
	}
}

func TestUnprivilegedPeer(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root is always allowed")
	}
	reg := registry.New(0)
	c := dial(t, startServer(t, reg, uint32(os.Getuid())+1))

	if err := c.Hide("/x", 1); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("got %v, want ErrPermissionDenied", err)
	}
	if reg.ListSize() != 0 {
		t.Error("refused request reached the registry")
	}
}

func TestConcurrentClients(t *testing.T) {
	reg := registry.New(0)
	sock := startServer(t, reg, uint32(os.Getuid()))

	const clients, perClient = 8, 50
	var g errgroup.Group
	for i := 0; i < clients; i++ {
		i := i
		g.Go(func() error {
			c, err := Dial(sock)
			if err != nil {
				return err
			}
			defer c.Close()
			for j := 0; j < perClient; j++ {
				ino := uint64(i*perClient + j)
				if err := c.Hide("/shared/name", ino); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	c := dial(t, sock)
	recs, err := c.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != clients*perClient {
		t.Errorf("listed %d entries, want %d", len(recs), clients*perClient)
	}
}

func TestSocketPath(t *testing.T) {
	tests := []struct {
		mount string
		want  string
	}{
		{"/mnt/wrap", "/run/wrapfs/mnt-wrap.sock"},
		{"/mnt/wrap/", "/run/wrapfs/mnt-wrap.sock"},
		{"/", "/run/wrapfs/-.sock"},
	}
	for _, tt := range tests {
		if got := SocketPath("/run/wrapfs", tt.mount); got != tt.want {
			t.Errorf("SocketPath(%q) = %q, want %q", tt.mount, got, tt.want)
		}
	}

	long := SocketPath("/run/wrapfs", "/"+strings.Repeat("deep/", 40))
	if len(filepath.Base(long)) > maxSocketName+len(".sock") {
		t.Errorf("long mount produced %q", long)
	}
}
