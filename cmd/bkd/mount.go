// cmd/bkd/mount.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"github.com/mmp/bkd/fusefs"
	"github.com/urfave/cli/v2"
)

var mountCommand = &cli.Command{
	Name:      "mount",
	Usage:     "mount the datastore's snapshots read-only with FUSE",
	ArgsUsage: "<dir>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return usageError(c, "expected a mount point")
		}
		dir := c.Args().First()
		ds, err := openDatastore()
		if err != nil {
			return err
		}
		cc, err := cryptConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(c)
		defer cancel()
		go func() {
			<-ctx.Done()
			if c.Context.Err() == nil {
				log.Verbose("%s: unmounting", dir)
				if err := fusefs.Unmount(dir); err != nil {
					log.Warning("%s: %s", dir, err)
				}
			}
		}()
		return fusefs.Mount(dir, ds, cc)
	},
}
