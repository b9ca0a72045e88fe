// Binary wrapfsctl administers the hidden and blocked entries of wrapfs
// mounts through their control sockets.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"wrapfs/internal/config"
	"wrapfs/internal/logging"
)

// Options are the flags shared by every command.
type Options struct {
	SocketDir string
}

func main() {
	opts := &Options{SocketDir: config.DefaultSocketDir}
	if dir := os.Getenv("WRAPFS_SOCKET_DIR"); dir != "" {
		opts.SocketDir = dir
	}
	flag.StringVar(&opts.SocketDir, "socket-dir", opts.SocketDir, "directory holding the wrapfs control sockets")
	verbose := flag.Bool("verbose", false, "enable debug logging")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(new(Hide), "entries")
	subcommands.Register(new(Unhide), "entries")
	subcommands.Register(new(Block), "entries")
	subcommands.Register(new(Unblock), "entries")
	subcommands.Register(new(List), "")

	flag.Parse()

	// Library chatter would interleave with command output.
	logger := logging.GetLogger()
	logger.SetLevel(logging.LevelError)
	if *verbose {
		logger.SetLevel(logging.LevelDebug)
	}

	os.Exit(int(subcommands.Execute(context.Background(), opts)))
}
