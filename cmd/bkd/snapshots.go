// cmd/bkd/snapshots.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/mmp/bkd/backup"
	"github.com/mmp/bkd/chunker"
	"github.com/mmp/bkd/client"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// Directory archives are stored under names with this extension.
const dirArchiveExt = ".pxar"

var backupCommand = &cli.Command{
	Name:      "backup",
	Usage:     "back up a directory or file as a new snapshot",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "ns", Usage: "namespace, e.g. site/rack1"},
		&cli.StringFlag{Name: "type", Value: "host", Usage: "backup type: vm, ct or host"},
		&cli.StringFlag{Name: "id", Usage: "backup id (default: the host name)"},
		&cli.StringFlag{Name: "time", Usage: "snapshot time, RFC3339 or seconds (default: now)"},
		&cli.StringFlag{Name: "archive", Usage: "archive name (default: from the path)"},
		&cli.StringSliceFlag{Name: "exclude", Usage: "paths to skip in a directory backup"},
		&cli.UintFlag{Name: "split-bits", Value: 20, Usage: "log2 of the average chunk size"},
		&cli.IntFlag{Name: "fixed-chunk-size", Usage: "back up a file in chunks of this size"},
		&cli.BoolFlag{Name: "encrypt", Usage: "encrypt with the configured key"},
		&cli.BoolFlag{Name: "no-compress"},
		&cli.IntFlag{Name: "workers", Value: client.DefaultWorkers},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return usageError(c, "expected a path to back up")
		}
		path := c.Args().First()
		st, err := os.Stat(path)
		if err != nil {
			return err
		}

		snap, err := newSnapshot(c)
		if err != nil {
			return err
		}
		ds, err := openDatastore()
		if err != nil {
			return err
		}
		if err := ds.CreateNamespace(snap.NS); err != nil {
			return err
		}
		mgr, _, err := newManager(ds, nil)
		if err != nil {
			return err
		}
		defer mgr.Close()

		host, _ := os.Hostname()
		opts := client.Options{
			NoCompress: c.Bool("no-compress"),
			Workers:    c.Int("workers"),
			ClientMeta: map[string]string{"hostname": host, "source": path},
		}
		if c.Bool("encrypt") {
			if opts.CryptConfig, err = cryptConfig(); err != nil {
				return err
			} else if opts.CryptConfig == nil {
				return errors.New("--encrypt given but no key file is configured")
			}
		}

		ctx, cancel := signalContext(c)
		defer cancel()
		archive := c.String("archive")
		var stats client.Stats
		if st.IsDir() {
			if archive == "" {
				archive = "root" + dirArchiveExt
			}
			_, stats, err = client.BackupDir(ctx, mgr, snap, archive, path,
				c.StringSlice("exclude"), c.Uint("split-bits"), opts)
		} else {
			if archive == "" {
				archive = filepath.Base(path) + ".img"
			}
			stats, err = backupFile(ctx, c, mgr, snap, archive, path, opts)
		}
		if err != nil {
			return err
		}
		log.Print("%s: %d chunks (%d new), %s read, %s stored", snap, stats.Chunks,
			stats.NewChunks, u.FmtBytes(stats.Bytes), u.FmtBytes(stats.UploadedBytes))
		fmt.Println(snap)
		return nil
	},
}

func newSnapshot(c *cli.Context) (datastore.Snapshot, error) {
	ns, err := datastore.ParseNamespace(c.String("ns"))
	if err != nil {
		return datastore.Snapshot{}, err
	}
	id := c.String("id")
	if id == "" {
		if id, err = os.Hostname(); err != nil {
			return datastore.Snapshot{}, err
		}
	}
	g, err := datastore.NewGroup(ns, c.String("type"), id)
	if err != nil {
		return datastore.Snapshot{}, err
	}
	t, err := parseTime(c.String("time"))
	if err != nil {
		return datastore.Snapshot{}, err
	}
	return datastore.NewSnapshot(g, t), nil
}

func backupFile(ctx context.Context, c *cli.Context, mgr *backup.Manager,
	snap datastore.Snapshot, archive, path string, opts client.Options) (client.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return client.Stats{}, err
	}
	defer f.Close()

	stream := client.Stream{Archive: archive}
	if size := c.Int("fixed-chunk-size"); size > 0 {
		stream.Kind = index.Fixed
		stream.ChunkSize = uint64(size)
		if stream.Source, err = chunker.NewFixed(f, size); err != nil {
			return client.Stats{}, err
		}
	} else {
		stream.Kind = index.Dynamic
		if stream.Source, err = chunker.NewRolling(f, c.Uint("split-bits"), 0); err != nil {
			return client.Stats{}, err
		}
	}
	_, stats, err := client.Backup(ctx, mgr, snap, []client.Stream{stream}, opts)
	return stats, err
}

var restoreCommand = &cli.Command{
	Name:      "restore",
	Usage:     "restore an archive from a snapshot",
	ArgsUsage: "<snapshot> <archive> <dest>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return usageError(c, "expected snapshot, archive, and destination")
		}
		snap, err := datastore.ParseSnapshot(c.Args().Get(0))
		if err != nil {
			return err
		}
		name, dest := c.Args().Get(1), c.Args().Get(2)
		ds, err := openDatastore()
		if err != nil {
			return err
		}
		cc, err := cryptConfig()
		if err != nil {
			return err
		}

		m, err := ds.LoadManifest(snap)
		if err != nil {
			return err
		}
		fi, ok := m.File(name)
		if !ok {
			return errors.Errorf("%s: no archive %q", snap, name)
		}
		switch {
		case fi.Format == index.Blob:
			b, err := ds.ReadBlob(snap, fi.Index, cc)
			if err != nil {
				return err
			}
			return os.WriteFile(dest, b, 0600)
		case strings.HasSuffix(fi.Archive, dirArchiveExt):
			return client.RestoreDir(ds, snap, fi.Index, cc, dest)
		default:
			return client.RestoreFile(ds, snap, fi.Index, cc, dest)
		}
	},
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "list snapshots",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "ns", Usage: "only list snapshots in this namespace"},
		&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"},
			Usage: "include child namespaces"},
	},
	Action: func(c *cli.Context) error {
		ds, err := openDatastore()
		if err != nil {
			return err
		}
		ns, err := datastore.ParseNamespace(c.String("ns"))
		if err != nil {
			return err
		}
		namespaces := []datastore.Namespace{ns}
		if c.Bool("recursive") || !c.IsSet("ns") {
			all, err := ds.AllNamespaces()
			if err != nil {
				return err
			}
			namespaces = namespaces[:0]
			for _, n := range all {
				if len(n) >= len(ns) && n[:len(ns)].Equal(ns) {
					namespaces = append(namespaces, n)
				}
			}
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "SNAPSHOT\tFILES\tSIZE\tVERIFIED\tNOTES")
		for _, n := range namespaces {
			groups, err := ds.ListGroups(n)
			if err != nil {
				return err
			}
			for _, g := range groups {
				snaps, err := ds.ListSnapshots(g)
				if err != nil {
					return err
				}
				for _, snap := range snaps {
					m, err := ds.LoadManifest(snap)
					if err != nil {
						log.Warning("%s: %s", snap, err)
						continue
					}
					var size uint64
					for _, f := range m.Files {
						size += f.Size
					}
					verified := "-"
					if vs := m.Unprotected.VerifyState; vs != nil {
						verified = vs.State + " " + vs.Time.Format("2006-01-02")
					}
					notes := strings.SplitN(m.Unprotected.Notes, "\n", 2)[0]
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", snap, len(m.Files),
						u.FmtBytes(int64(size)), verified, notes)
				}
			}
		}
		return tw.Flush()
	},
}

var forgetCommand = &cli.Command{
	Name:      "forget",
	Usage:     "remove snapshots; run gc afterward to reclaim their chunks",
	ArgsUsage: "<snapshot...>",
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return usageError(c, "expected snapshots to remove")
		}
		snaps, err := snapshotArgs(c)
		if err != nil {
			return err
		}
		ds, err := openDatastore()
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if err := ds.RemoveSnapshot(snap); err != nil {
				return err
			}
			log.Verbose("%s: removed", snap)
		}
		return nil
	},
}

var notesCommand = &cli.Command{
	Name:      "notes",
	Usage:     "set a snapshot's notes",
	ArgsUsage: "<snapshot> <text>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return usageError(c, "expected snapshot and text")
		}
		snap, err := datastore.ParseSnapshot(c.Args().Get(0))
		if err != nil {
			return err
		}
		ds, err := openDatastore()
		if err != nil {
			return err
		}
		return ds.SetNotes(snap, c.Args().Get(1))
	},
}
