package control

import (
	"strings"
	"testing"

	"github.com/pkg/errors"

	"wrapfs/internal/registry"
)

func TestFrameSizes(t *testing.T) {
	if RequestSize != 160 {
		t.Errorf("RequestSize = %d, want 160", RequestSize)
	}
	if EntrySize != 144 {
		t.Errorf("EntrySize = %d, want 144", EntrySize)
	}
	if got := len((&Request{}).Bytes()); got != RequestSize {
		t.Errorf("encoded request is %d bytes", got)
	}
	resp := &Response{Entries: make([]Entry, 3)}
	if got := len(resp.Bytes()); got != ResponseHeaderSize+3*EntrySize {
		t.Errorf("encoded response is %d bytes", got)
	}
}

func TestRequestPathBounds(t *testing.T) {
	t.Run("full width without terminator", func(t *testing.T) {
		p := "/" + strings.Repeat("x", PathSize-1)
		req, err := NewRequest(OpHide, p, 1)
		if err != nil {
			t.Fatal(err)
		}
		var decoded Request
		decoded.Decode(req.Bytes())
		if got := decoded.PathString(); got != p {
			t.Errorf("path = %q (%d bytes), want %d bytes", got, len(got), len(p))
		}
	})

	t.Run("oversized", func(t *testing.T) {
		p := "/" + strings.Repeat("x", PathSize)
		if _, err := NewRequest(OpHide, p, 1); !errors.Is(err, registry.ErrInvalidArgument) {
			t.Errorf("got %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("trailing garbage after terminator", func(t *testing.T) {
		buf := (&Request{Op: OpHide}).Bytes()
		copy(buf[16:], "/a\x00junk")
		var decoded Request
		decoded.Decode(buf)
		if got := decoded.PathString(); got != "/a" {
			t.Errorf("path = %q, want /a", got)
		}
	})
}

func TestEntryLayout(t *testing.T) {
	e := EntryFromRecord(registry.Record{
		Path:  "/tmp/secret",
		Inode: 0x0102030405060708,
		Flags: registry.FlagHidden | registry.FlagBlocked,
	})
	buf := make([]byte, EntrySize)
	e.Encode(buf)

	if buf[0] != 0x08 || buf[7] != 0x01 {
		t.Errorf("inode not little endian: % x", buf[:8])
	}
	if got := ByteOrder.Uint32(buf[8+PathSize:]); got != 3 {
		t.Errorf("flags = %d, want 3 (bit0 hidden, bit1 blocked)", got)
	}

	var back Entry
	back.Decode(buf)
	rec := back.Record()
	if rec.Path != "/tmp/secret" || rec.Inode != 0x0102030405060708 || rec.State() != "blocked,hidden" {
		t.Errorf("decoded %+v", rec)
	}
}
