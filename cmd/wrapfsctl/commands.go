package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/subcommands"
	"github.com/pkg/errors"

	"wrapfs/internal/control"
	"wrapfs/internal/registry"
)

// failure reports a failed command the way every command does.
func failure(op string, err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, failureMessage(op, err))
	return subcommands.ExitFailure
}

// failureMessage is "<op> failed: <status text>".
func failureMessage(op string, err error) string {
	return fmt.Sprintf("%s failed: %v", op, errors.Cause(err))
}

// parseInode parses an inode number given on the command line.
func parseInode(arg string) (uint64, error) {
	ino, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(registry.ErrInvalidArgument, "invalid inode %q", arg)
	}
	return ino, nil
}

// mutation is the part hide, unhide and block have in common.
type mutation struct {
	op   string
	call func(c *control.Client, t *target) error
}

func (m *mutation) execute(f *flag.FlagSet, args []interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	opts := args[0].(*Options)

	t, err := resolveTarget(f.Arg(0))
	if err != nil {
		return failure(m.op, err)
	}
	c, err := opts.dial(t.mountpoint)
	if err != nil {
		return failure(m.op, err)
	}
	defer c.Close()

	if err := m.call(c, t); err != nil {
		return failure(m.op, err)
	}
	return subcommands.ExitSuccess
}

// Hide implements subcommands.Command for the "hide" command.
type Hide struct{}

// Name implements subcommands.Command.Name.
func (*Hide) Name() string { return "hide" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Hide) Synopsis() string { return "hide an entry from lookup and listing" }

// Usage implements subcommands.Command.Usage.
func (*Hide) Usage() string { return "hide <path>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*Hide) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Hide) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	m := &mutation{op: "hide", call: func(c *control.Client, t *target) error {
		ino, err := t.inode()
		if err != nil {
			return err
		}
		return c.Hide(t.path, ino)
	}}
	return m.execute(f, args)
}

// Unhide implements subcommands.Command for the "unhide" command.
type Unhide struct{}

// Name implements subcommands.Command.Name.
func (*Unhide) Name() string { return "unhide" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Unhide) Synopsis() string { return "make a hidden entry visible again" }

// Usage implements subcommands.Command.Usage.
func (*Unhide) Usage() string { return "unhide <path>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*Unhide) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute. A hidden entry does not
// stat through the mount, so its inode is taken from the registry listing
// when needed.
func (*Unhide) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	m := &mutation{op: "unhide", call: func(c *control.Client, t *target) error {
		ino, err := t.inode()
		if err != nil {
			recs, lerr := c.ListAll()
			if lerr != nil {
				return lerr
			}
			if ino, err = hiddenInode(recs, t.path); err != nil {
				return err
			}
		}
		return c.Unhide(t.path, ino)
	}}
	return m.execute(f, args)
}

// Block implements subcommands.Command for the "block" command.
type Block struct{}

// Name implements subcommands.Command.Name.
func (*Block) Name() string { return "block" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Block) Synopsis() string { return "deny all access to an entry" }

// Usage implements subcommands.Command.Usage.
func (*Block) Usage() string {
	return "block <path>\n\nPrints the inode to pass to unblock.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Block) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Block) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	m := &mutation{op: "block", call: func(c *control.Client, t *target) error {
		ino, err := t.inode()
		if err != nil {
			return err
		}
		if err := c.Block(t.path, ino); err != nil {
			return err
		}
		fmt.Printf("%s blocked (inode %d)\n", t.path, ino)
		return nil
	}}
	return m.execute(f, args)
}

// Unblock implements subcommands.Command for the "unblock" command.
type Unblock struct{}

// Name implements subcommands.Command.Name.
func (*Unblock) Name() string { return "unblock" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Unblock) Synopsis() string { return "lift a block" }

// Usage implements subcommands.Command.Usage.
func (*Unblock) Usage() string {
	return `unblock <path> <inode> <mount>

The inode is the one reported by block or list; a blocked entry cannot be
stat'ed through the mount.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Unblock) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Unblock) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	opts := args[0].(*Options)

	ino, err := parseInode(f.Arg(1))
	if err != nil {
		return failure("unblock", err)
	}
	mountpoint, err := filepath.Abs(f.Arg(2))
	if err != nil {
		return failure("unblock", err)
	}
	path := unblockPath(mountpoint, f.Arg(0))

	c, err := opts.dial(mountpoint)
	if err != nil {
		return failure("unblock", err)
	}
	defer c.Close()

	if err := c.Unblock(path, ino); err != nil {
		return failure("unblock", err)
	}
	return subcommands.ExitSuccess
}

// unblockPath accepts the entry either as a path through the mount or as
// a mount-relative path.
func unblockPath(mountpoint, arg string) string {
	p := filepath.Clean(arg)
	if filepath.IsAbs(p) && within(mountpoint, p) {
		return mountRelative(mountpoint, p)
	}
	return mountRelative("", p)
}

// List implements subcommands.Command for the "list" command.
type List struct{}

// Name implements subcommands.Command.Name.
func (*List) Name() string { return "list" }

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string { return "list hidden and blocked entries of a mount" }

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string { return "list <mount>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*List) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*List) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	opts := args[0].(*Options)

	mountpoint, err := filepath.Abs(f.Arg(0))
	if err != nil {
		return failure("list", err)
	}
	c, err := opts.dial(mountpoint)
	if err != nil {
		return failure("list", err)
	}
	defer c.Close()

	recs, err := c.ListAll()
	if err != nil {
		return failure("list", err)
	}
	if err := renderList(os.Stdout, recs); err != nil {
		return failure("list", err)
	}
	return subcommands.ExitSuccess
}
