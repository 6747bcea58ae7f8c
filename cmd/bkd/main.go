// cmd/bkd/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// bkd serves and maintains a deduplicating backup datastore.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mmp/bkd/api"
	"github.com/mmp/bkd/backup"
	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/client"
	"github.com/mmp/bkd/config"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/fusefs"
	"github.com/mmp/bkd/gc"
	"github.com/mmp/bkd/index"
	"github.com/mmp/bkd/metrics"
	"github.com/mmp/bkd/remote"
	"github.com/mmp/bkd/storage"
	u "github.com/mmp/bkd/util"
	"github.com/mmp/bkd/verify"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

var log *u.Logger

func main() {
	app := &cli.App{
		Name:  "bkd",
		Usage: "deduplicating backup datastore",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file",
				EnvVars: []string{"BKD_CONFIG"},
				Value:   "/etc/bkd.toml",
			},
			&cli.StringFlag{
				Name:    "datastore",
				Usage:   "datastore path, overriding the configuration file's",
				EnvVars: []string{"BKD_DIR"},
			},
			&cli.StringFlag{
				Name:  "keyfile",
				Usage: "encryption key file, overriding the configuration file's",
			},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
			&cli.BoolFlag{Name: "debug"},
		},
		Before: setup,
		Commands: []*cli.Command{
			initCommand,
			serveCommand,
			backupCommand,
			restoreCommand,
			listCommand,
			forgetCommand,
			notesCommand,
			gcCommand,
			verifyCommand,
			parityCommand,
			pushCommand,
			pullCommand,
			remoteListCommand,
			mountCommand,
			keyCommand,
			formatCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		if log == nil {
			fmt.Fprintf(os.Stderr, "bkd: %s\n", err)
			os.Exit(1)
		}
		log.Fatal("%s", err)
	}
}

///////////////////////////////////////////////////////////////////////////
// Setup

var cfg *config.Config

// setup reads the configuration and starts logging. A missing
// configuration file is fine if the datastore path is given directly.
func setup(c *cli.Context) error {
	var err error
	cfg, err = config.Load(c.String("config"))
	switch {
	case err == nil:
	case os.IsNotExist(errors.Cause(err)) && c.String("datastore") != "":
		cfg = config.Default()
	default:
		return err
	}
	if p := c.String("datastore"); p != "" {
		cfg.Datastore.Path = p
	}
	if k := c.String("keyfile"); k != "" {
		cfg.Datastore.Keyfile = k
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	switch {
	case c.Bool("debug"):
		log = u.NewLogger(true, true)
	case c.Bool("verbose"):
		log = u.NewLogger(true, false)
	default:
		if log, err = u.NewLevelLogger(cfg.Log.Level); err != nil {
			return err
		}
	}
	if cfg.Log.File != "" {
		log.LogToFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
	}

	storage.SetLogger(log)
	index.SetLogger(log)
	datastore.SetLogger(log)
	backup.SetLogger(log)
	gc.SetLogger(log)
	verify.SetLogger(log)
	client.SetLogger(log)
	remote.SetLogger(log)
	api.SetLogger(log)
	fusefs.SetLogger(log)
	return nil
}

func openDatastore() (*datastore.Datastore, error) {
	ds, err := datastore.Open(cfg.Datastore.Name, cfg.Datastore.Path)
	if err != nil {
		return nil, err
	}
	ds.Parity = cfg.Datastore.Parity
	return ds, nil
}

// cryptConfig returns the configured key, or nil if there isn't one. The
// passphrase is taken from the environment.
func cryptConfig() (*chunk.CryptConfig, error) {
	if cfg.Datastore.Keyfile == "" {
		return nil, nil
	}
	return chunk.LoadCryptConfig(cfg.Datastore.Keyfile, passphrase())
}

func passphrase() string {
	return os.Getenv("BKD_PASSPHRASE")
}

// signalContext returns a context that's canceled on SIGINT or SIGTERM.
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// newManager returns a backup manager for ds whose metrics are registered
// with reg, if it's non-nil.
func newManager(ds *datastore.Datastore, reg prometheus.Registerer) (*backup.Manager, *metrics.Metrics, error) {
	cc, err := cryptConfig()
	if err != nil {
		return nil, nil, err
	}
	met := metrics.New(reg)
	ds.ChunkStore().Metrics = met
	mgr := backup.NewManager(ds, backup.Options{
		IdleTimeout: cfg.IdleTimeout(),
		CryptConfig: cc,
		Metrics:     met,
	})
	return mgr, met, nil
}

func snapshotArgs(c *cli.Context) ([]datastore.Snapshot, error) {
	var snaps []datastore.Snapshot
	for _, a := range c.Args().Slice() {
		snap, err := datastore.ParseSnapshot(a)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// parseTime accepts RFC3339 times and seconds since the epoch.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}

func usageError(c *cli.Context, msg string) error {
	return errors.Errorf("%s: %s (usage: %s %s)", c.Command.Name, msg, c.Command.FullName(),
		c.Command.ArgsUsage)
}
