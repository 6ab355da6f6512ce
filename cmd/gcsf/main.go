// Command gcsf mounts a Google Drive account as a local filesystem.
//
// Usage:
//
//	gcsf login <session>
//	gcsf logout <session>
//	gcsf list
//	gcsf verify <session>
//	gcsf mount <dir> --session <session>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/harababurel/gcsf/internal/config"
	"github.com/harababurel/gcsf/internal/drive"
	"github.com/harababurel/gcsf/internal/fs"
	"github.com/harababurel/gcsf/internal/fuse"
	"github.com/harababurel/gcsf/internal/logging"
	"github.com/harababurel/gcsf/internal/metrics"
	"github.com/harababurel/gcsf/internal/session"
)

const usage = `usage: gcsf <command> [flags]

commands:
  login <session>            authorize a new session
  logout <session>           forget a session
  list                       list sessions
  verify <session>           check that a session still works
  mount <dir> -s <session>   mount the drive at <dir>
`

// metricsPort serves /metrics in debug mode.
const metricsPort = 9328

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	command := args[0]
	flags := flag.NewFlagSet(command, flag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to the configuration file")
	debug := flags.Bool("debug", false, "verbose logging")
	sessionName := flags.StringP("session", "s", "", "session name")
	if err := flags.Parse(args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *debug {
		cfg.Debug = true
	}
	if *sessionName != "" {
		cfg.SessionName = *sessionName
	}

	log, err := logging.New(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	sessions := session.NewManager(cfg, log)

	switch command {
	case "login":
		return expectSession(flags.Args(), func(name string) error {
			return sessions.Login(ctx, name)
		})
	case "logout":
		return expectSession(flags.Args(), sessions.Logout)
	case "verify":
		return expectSession(flags.Args(), func(name string) error {
			if err := sessions.Verify(ctx, name); err != nil {
				return err
			}
			fmt.Printf("session %q is valid\n", name)
			return nil
		})
	case "list":
		names, err := sessions.List()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return 0
	case "mount":
		if len(flags.Args()) != 1 {
			fmt.Fprint(os.Stderr, usage)
			return 1
		}
		if err := mount(ctx, cfg, sessions, flags.Args()[0], log); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	default:
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		base := config.Default()
		path = filepath.Join(base.ConfigDirOrDefault(), "gcsf.yml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expectSession(args []string, fn func(string) error) int {
	if len(args) != 1 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
	if err := fn(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func mount(ctx context.Context, cfg *config.Config, sessions *session.Manager, mountPoint string, log *zap.SugaredLogger) error {
	if cfg.SessionName == "" {
		return fmt.Errorf("mount requires a session (-s)")
	}

	httpClient, err := sessions.HTTPClient(ctx, cfg.SessionName)
	if err != nil {
		return err
	}
	client, err := drive.NewClient(ctx, httpClient, log)
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Debug {
		collector = metrics.NewCollector()
		if err := collector.Serve(metricsPort); err != nil {
			return err
		}
		defer func() { _ = collector.Close() }()
	}
	adapter := drive.NewInstrumented(client, collector)

	log.Infof("populating filesystem from session %q", cfg.SessionName)
	filesystem, err := fs.New(ctx, fs.Options{
		Config:  cfg,
		Adapter: adapter,
		Logger:  log,
		UID:     uint32(os.Getuid()),
		GID:     uint32(os.Getgid()),
	})
	if err != nil {
		return err
	}

	syncer := fs.NewSyncer(filesystem, cfg.SyncIntervalOrDefault(), collector, log)
	syncer.Start(ctx)
	defer syncer.Stop()

	bridge := fuse.NewBridge(filesystem, collector, log)
	manager, err := fuse.Mount(bridge, mountPoint, cfg, log)
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Infof("received %v, unmounting", sig)
		if err := manager.Unmount(); err != nil {
			log.Errorf("unmount failed: %v (is the mount busy?)", err)
		}
	}()

	manager.Serve()
	return nil
}
