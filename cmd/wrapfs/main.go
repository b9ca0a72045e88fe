package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"wrapfs/internal/config"
	"wrapfs/internal/control"
	"wrapfs/internal/fs"
	"wrapfs/internal/logging"
	"wrapfs/internal/registry"
)

var (
	logger = logging.GetLogger()
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "TOML configuration file")
	mountPoint := flag.String("mount", "", "Mount point for the stacked filesystem")
	sourcePath := flag.String("source", "", "Source directory to wrap")
	socketDir := flag.String("socket-dir", "", "Directory holding the control sockets")
	maxRecords := flag.Int("max-records", -1, "Maximum number of registry entries (0 = unlimited)")
	allowOther := flag.Bool("allow-other", false, "Allow other users to access the mount")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	// Flags given on the command line win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mount":
			cfg.Mount = *mountPoint
		case "source":
			cfg.Source = *sourcePath
		case "socket-dir":
			cfg.SocketDir = *socketDir
		case "max-records":
			cfg.MaxRecords = *maxRecords
		case "allow-other":
			cfg.AllowOther = *allowOther
		case "verbose":
			if *verbose {
				cfg.LogLevel = logging.LevelDebug.String()
			}
		}
	})

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)

	logger.Info("Starting wrapfs...")
	logger.Debug("Mount point: %s", cfg.Mount)
	logger.Debug("Source path: %s", cfg.Source)
	logger.Debug("Socket directory: %s", cfg.SocketDir)

	if err := run(cfg); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	logger.Info("Clean shutdown complete")
}

func run(cfg *config.Config) error {
	reg := registry.New(cfg.MaxRecords)
	defer reg.PurgeAll()

	logger.Info("Creating stacked filesystem...")
	vfs, err := fs.NewWrapFS(cfg, reg)
	if err != nil {
		return err
	}

	logger.Info("Mounting filesystem...")
	if err := vfs.Mount(cfg.Mount, cfg.AllowOther); err != nil {
		return err
	}

	ctl := control.NewServer(
		control.SocketPath(cfg.SocketDir, cfg.Mount),
		control.NewHandler(reg, vfs),
		cfg.AdminUID,
	)
	if err := ctl.Listen(); err != nil {
		logger.Error("Control socket unavailable: %v", err)
		if uerr := vfs.Unmount(cfg.Mount); uerr != nil {
			logger.Error("Unmount error: %v", uerr)
		}
		return err
	}

	logger.Debug("Setting up signal handlers...")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	return supervise(cfg.Mount, vfs, ctl, sigChan)
}

// mountedFS is the part of fs.WrapFS supervise drives.
type mountedFS interface {
	Serve() error
	WaitReady(mountPoint string) error
	Unmount(mountPoint string) error
}

// controlPlane is the part of control.Server supervise drives.
type controlPlane interface {
	Serve(ctx context.Context) error
}

// unmountRetry is how long supervise waits between unmount attempts when
// the mount is busy.
var unmountRetry = time.Second

// supervise serves the mount and its control plane until the filesystem is
// unmounted. A signal unmounts; so does a control plane failure, since a
// mount nobody can administer must not outlive it. The first error wins.
func supervise(mountPoint string, vfs mountedFS, ctl controlPlane, sigs <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	served := make(chan struct{})
	g.Go(func() error {
		// The control plane goes away with the mount.
		defer cancel()
		defer close(served)
		return vfs.Serve()
	})
	g.Go(func() error {
		return ctl.Serve(gctx)
	})
	g.Go(func() error {
		if vfs.WaitReady(mountPoint) == nil {
			logger.Info("Filesystem mounted and ready")
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case sig := <-sigs:
				logger.Info("Received signal %v", sig)
				if err := vfs.Unmount(mountPoint); err != nil {
					logger.Error("Unmount error: %v", err)
				}
			case <-gctx.Done():
				select {
				case <-served:
					return nil
				default:
				}
				logger.Error("Control plane stopped, unmounting")
				unmountUntilServed(mountPoint, vfs, served)
				return nil
			}
		}
	})

	return g.Wait()
}

// unmountUntilServed retries the unmount until the FUSE server has stopped.
func unmountUntilServed(mountPoint string, vfs mountedFS, served <-chan struct{}) {
	for {
		if err := vfs.Unmount(mountPoint); err != nil {
			logger.Error("Unmount error: %v", err)
		}
		select {
		case <-served:
			return
		case <-time.After(unmountRetry):
		}
	}
}
