// cmd/bkd/remote.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"

	"github.com/mmp/bkd/config"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/remote"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// openTarget returns the configured remote target and a function that
// releases it.
func openTarget(ctx context.Context) (remote.Target, func(), error) {
	r := cfg.Remote
	switch r.Kind {
	case config.RemoteGCS:
		g, err := remote.NewGCS(ctx, remote.GCSOptions{
			BucketName:                r.Bucket,
			ProjectId:                 r.Project,
			Location:                  r.Location,
			ChunkStorageClass:         r.ChunkStorageClass,
			MaxUploadBytesPerSecond:   r.UploadLimit,
			MaxDownloadBytesPerSecond: r.DownloadLimit,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, func() {
			if err := g.Close(); err != nil {
				log.Warning("%s: %s", g, err)
			}
		}, nil
	case config.RemoteDir:
		d, err := remote.NewDir(r.Path)
		if err != nil {
			return nil, nil, err
		}
		d.Limiter = remote.NewLimiter(r.UploadLimit, r.DownloadLimit)
		return d, d.Limiter.Stop, nil
	default:
		return nil, nil, errors.New("no remote is configured")
	}
}

var syncFlags = []cli.Flag{
	&cli.IntFlag{Name: "workers", Value: remote.DefaultWorkers,
		Usage: "number of chunks to transfer at once"},
}

func printSyncStats(snap datastore.Snapshot, verb string, s remote.SyncStats) {
	if s.AlreadyDone {
		fmt.Printf("%s: already %s\n", snap, verb)
		return
	}
	fmt.Printf("%s: %s %d files and %d of %d chunks, %s\n", snap, verb, s.Files,
		s.ChunksSent, s.Chunks, u.FmtBytes(s.BytesSent))
}

var pushCommand = &cli.Command{
	Name:      "push",
	Usage:     "copy snapshots to the remote (all of them if none are given)",
	ArgsUsage: "[snapshot...]",
	Flags:     syncFlags,
	Action: func(c *cli.Context) error {
		ctx, cancel := signalContext(c)
		defer cancel()
		t, release, err := openTarget(ctx)
		if err != nil {
			return err
		}
		defer release()

		opts := remote.SyncOptions{Workers: c.Int("workers")}
		return forSnapshots(c, func(ds *datastore.Datastore, snap datastore.Snapshot) error {
			stats, err := remote.Push(ctx, ds, snap, t, opts)
			if err != nil {
				return err
			}
			printSyncStats(snap, "pushed", stats)
			return nil
		})
	},
}

var pullCommand = &cli.Command{
	Name:      "pull",
	Usage:     "copy snapshots from the remote (all of them if none are given)",
	ArgsUsage: "[snapshot...]",
	Flags:     syncFlags,
	Action: func(c *cli.Context) error {
		ctx, cancel := signalContext(c)
		defer cancel()
		t, release, err := openTarget(ctx)
		if err != nil {
			return err
		}
		defer release()

		snaps, err := snapshotArgs(c)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			if snaps, err = remote.ListSnapshots(ctx, t); err != nil {
				return err
			}
		}

		ds, err := openDatastore()
		if err != nil {
			return err
		}
		mgr, _, err := newManager(ds, nil)
		if err != nil {
			return err
		}
		defer mgr.Close()

		opts := remote.SyncOptions{Workers: c.Int("workers")}
		for _, snap := range snaps {
			if err := ds.CreateNamespace(snap.NS); err != nil {
				return err
			}
			stats, err := remote.Pull(ctx, t, mgr, snap, opts)
			if err != nil {
				return err
			}
			printSyncStats(snap, "pulled", stats)
		}
		return nil
	},
}

var remoteListCommand = &cli.Command{
	Name:  "remote-list",
	Usage: "list the snapshots on the remote",
	Action: func(c *cli.Context) error {
		t, release, err := openTarget(c.Context)
		if err != nil {
			return err
		}
		defer release()

		snaps, err := remote.ListSnapshots(c.Context, t)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			fmt.Println(snap)
		}
		return nil
	},
}
