// cmd/bkd/admin.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"time"

	"github.com/mmp/bkd/api"
	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/gc"
	u "github.com/mmp/bkd/util"
	"github.com/mmp/bkd/verify"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
)

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "create a new datastore",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "encrypt",
			Usage: "also create the configured key file, protected by $BKD_PASSPHRASE",
		},
	},
	Action: func(c *cli.Context) error {
		ds, err := datastore.Create(cfg.Datastore.Name, cfg.Datastore.Path)
		if err != nil {
			return err
		}
		log.Print("%s: created datastore", ds)

		if c.Bool("encrypt") {
			if cfg.Datastore.Keyfile == "" {
				return errors.New("--encrypt given but no key file is configured")
			}
			return createKey(cfg.Datastore.Keyfile)
		}
		return nil
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the backup protocol over HTTP",
	Action: func(c *cli.Context) error {
		ds, err := openDatastore()
		if err != nil {
			return err
		}
		// Scratch directories of backups whose process died won't ever be
		// finished.
		if n, err := ds.CleanScratch(); err != nil {
			log.Warning("%s: %s", ds, err)
		} else if n > 0 {
			log.Verbose("%s: removed %d abandoned backups", ds, n)
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{}))
		mgr, met, err := newManager(ds, reg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		gcOpts := gcOptions()
		gcOpts.Metrics = met
		srv := api.New(mgr, api.Options{GC: gcOpts, Gatherer: reg})

		ctx, cancel := signalContext(c)
		defer cancel()
		return srv.ListenAndServe(ctx, cfg.API.Listen)
	},
}

func gcOptions() gc.Options {
	return gc.Options{
		AtimeSafetyMargin: cfg.AtimeSafetyMargin(),
		MarkWorkers:       cfg.GC.MarkWorkers,
	}
}

var gcCommand = &cli.Command{
	Name:  "gc",
	Usage: "remove chunks no snapshot references",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "status", Usage: "report on the last run instead"},
	},
	Action: func(c *cli.Context) error {
		ds, err := openDatastore()
		if err != nil {
			return err
		}

		var r *gc.Report
		if c.Bool("status") {
			r, err = gc.LastStatus(ds)
		} else {
			ctx, cancel := signalContext(c)
			defer cancel()
			r, err = gc.Run(ctx, ds, gcOptions())
		}
		if r != nil {
			printGCReport(r)
		}
		return err
	},
}

func printGCReport(r *gc.Report) {
	fmt.Printf("result:          %s\n", r.Result)
	fmt.Printf("started:         %s (took %s)\n", r.Start.Format("2006-01-02 15:04:05"),
		r.End.Sub(r.Start).Round(time.Millisecond))
	fmt.Printf("cutoff:          %s\n", r.Cutoff.Format("2006-01-02 15:04:05"))
	fmt.Printf("index files:     %d in %d snapshots, %s referenced\n", r.IndexFiles,
		r.Snapshots, u.FmtBytes(int64(r.IndexDataBytes)))
	fmt.Printf("chunks:          %d marked, %d missing\n", r.ChunksMarked, r.MissingChunks)
	fmt.Printf("removed:         %d of %d chunks, %s\n", r.ChunksRemoved, r.ChunksScanned,
		u.FmtBytes(r.BytesReclaimed))
	fmt.Printf("on disk:         %d chunks, %s\n", r.DiskChunks, u.FmtBytes(r.DiskBytes))
	if r.Errors > 0 || r.Error != "" {
		fmt.Printf("errors:          %d %s\n", r.Errors, r.Error)
	}
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "check snapshots and the chunks they reference",
	ArgsUsage: "[snapshot...]",
	Action: func(c *cli.Context) error {
		ds, err := openDatastore()
		if err != nil {
			return err
		}
		cc, err := cryptConfig()
		if err != nil {
			return err
		}
		snaps, err := snapshotArgs(c)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(c)
		defer cancel()

		opts := verify.Options{Workers: cfg.Verify.Workers, CryptConfig: cc}
		var results []*verify.Result
		if len(snaps) == 0 {
			results, err = verify.VerifyAll(ctx, ds, opts)
		} else {
			v := verify.New(ds, opts)
			for _, snap := range snaps {
				var r *verify.Result
				if r, err = v.Snapshot(ctx, snap); err != nil {
					break
				}
				results = append(results, r)
			}
		}

		failed := 0
		for _, r := range results {
			status := "ok"
			if !r.OK() {
				status = fmt.Sprintf("FAILED (%d errors)", r.Errors())
				failed++
			}
			fmt.Printf("%s: %d chunks checked: %s\n", r.Snapshot, r.ChunksChecked, status)
		}
		if err != nil {
			return err
		}
		if failed > 0 {
			return errors.Errorf("%d of %d snapshots failed verification", failed, len(results))
		}
		return nil
	},
}

var parityCommand = &cli.Command{
	Name:  "parity",
	Usage: "manage Reed-Solomon parity for snapshot files",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "write parity files for snapshots that lack them",
			ArgsUsage: "[snapshot...]",
			Action: func(c *cli.Context) error {
				return forSnapshots(c, func(ds *datastore.Datastore, snap datastore.Snapshot) error {
					n, err := ds.AddParity(snap)
					if n > 0 {
						log.Verbose("%s: wrote %d parity files", snap, n)
					}
					return err
				})
			},
		},
		{
			Name:      "check",
			Usage:     "check snapshot files against their parity",
			ArgsUsage: "[snapshot...]",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "repair", Usage: "repair damaged files"},
			},
			Action: func(c *cli.Context) error {
				damaged := 0
				err := forSnapshots(c, func(ds *datastore.Datastore, snap datastore.Snapshot) error {
					m, err := ds.LoadManifest(snap)
					if err != nil {
						return err
					}
					names := []string{datastore.ManifestName}
					for _, f := range m.Files {
						names = append(names, f.Index)
					}
					for _, name := range names {
						if !ds.HasParity(snap, name) {
							continue
						}
						err := ds.CheckParity(snap, name)
						if err == nil {
							continue
						}
						log.Error("%s/%s: %s", snap, name, err)
						damaged++
						if c.Bool("repair") {
							if err := ds.RepairFile(snap, name); err != nil {
								return err
							}
						}
					}
					return nil
				})
				if err == nil && damaged > 0 && !c.Bool("repair") {
					err = errors.Errorf("%d damaged files", damaged)
				}
				return err
			},
		},
	},
}

// forSnapshots calls f for the snapshots given as arguments, or for all
// of them if there are none.
func forSnapshots(c *cli.Context, f func(*datastore.Datastore, datastore.Snapshot) error) error {
	ds, err := openDatastore()
	if err != nil {
		return err
	}
	snaps, err := snapshotArgs(c)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		if snaps, err = ds.AllSnapshots(); err != nil {
			return err
		}
	}
	for _, snap := range snaps {
		if err := f(ds, snap); err != nil {
			return errors.Wrapf(err, "%s", snap)
		}
	}
	return nil
}

var keyCommand = &cli.Command{
	Name:  "key",
	Usage: "manage encryption keys",
	Subcommands: []*cli.Command{
		{
			Name:      "create",
			Usage:     "create a key file, protected by $BKD_PASSPHRASE if it's set",
			ArgsUsage: "<keyfile>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return usageError(c, "expected a key file name")
				}
				return createKey(c.Args().First())
			},
		},
		{
			Name:      "show",
			Usage:     "describe a key file",
			ArgsUsage: "[keyfile]",
			Action: func(c *cli.Context) error {
				fn := cfg.Datastore.Keyfile
				if c.NArg() > 0 {
					fn = c.Args().First()
				}
				if fn == "" {
					return usageError(c, "no key file given or configured")
				}
				kf, err := chunk.LoadKeyFile(fn)
				if err != nil {
					return err
				}
				fmt.Printf("file:        %s\n", fn)
				fmt.Printf("kdf:         %s\n", kf.KDF)
				fmt.Printf("created:     %s\n", kf.Created.Format("2006-01-02 15:04:05"))
				fmt.Printf("fingerprint: %s\n", kf.Fingerprint)
				return nil
			},
		},
	},
}

func createKey(fn string) error {
	key, err := chunk.GenerateKey()
	if err != nil {
		return err
	}
	kf, err := chunk.NewKeyFile(key, passphrase())
	if err != nil {
		return err
	}
	if err := kf.Save(fn); err != nil {
		return err
	}
	log.Print("%s: created key %s", fn, kf.Fingerprint)
	return nil
}
