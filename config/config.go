// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config reads the daemon's TOML configuration file.
//
// An example, with the defaults for everything but the datastore path:
//
//	[datastore]
//	name = "store"
//	path = "/backup/store"
//	parity = false
//	keyfile = ""
//
//	[session]
//	idle-timeout = "1h"
//
//	[gc]
//	atime-safety-margin = "5m"
//	mark-workers = 4
//
//	[verify]
//	workers = 8
//
//	[log]
//	level = "info"
//	file = ""
//	max-size-mb = 100
//	max-backups = 5
//
//	[api]
//	listen = "localhost:8007"
//
//	[remote]
//	kind = "gcs"    # or "dir"
//	bucket = "my-backups"
//	project = "my-project"
//	location = "us-central1"
//	chunk-storage-class = "COLDLINE"
//	path = ""       # for "dir"
//	upload-limit = 0
//	download-limit = 0
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Datastore struct {
	Name   string `toml:"name"`
	Path   string `toml:"path"`
	Parity bool   `toml:"parity"`
	// If set, manifests are signed and chunks verified with the key it
	// holds; the passphrase comes from the environment.
	Keyfile string `toml:"keyfile"`
}

type Session struct {
	IdleTimeout string `toml:"idle-timeout"`
}

type GC struct {
	AtimeSafetyMargin string `toml:"atime-safety-margin"`
	MarkWorkers       int    `toml:"mark-workers"`
}

type Verify struct {
	Workers int `toml:"workers"`
}

type Log struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max-size-mb"`
	MaxBackups int    `toml:"max-backups"`
}

type API struct {
	Listen string `toml:"listen"`
}

// Remote describes where snapshots are pushed to and pulled from.
type Remote struct {
	Kind              string `toml:"kind"`
	Bucket            string `toml:"bucket"`
	Project           string `toml:"project"`
	Location          string `toml:"location"`
	ChunkStorageClass string `toml:"chunk-storage-class"`
	Path              string `toml:"path"`
	// Bytes per second; zero is unlimited.
	UploadLimit   int `toml:"upload-limit"`
	DownloadLimit int `toml:"download-limit"`
}

type Config struct {
	Datastore Datastore `toml:"datastore"`
	Session   Session   `toml:"session"`
	GC        GC        `toml:"gc"`
	Verify    Verify    `toml:"verify"`
	Log       Log       `toml:"log"`
	API       API       `toml:"api"`
	Remote    Remote    `toml:"remote"`
}

const (
	RemoteGCS = "gcs"
	RemoteDir = "dir"
)

func Default() *Config {
	return &Config{
		Datastore: Datastore{Name: "store"},
		Session:   Session{IdleTimeout: "1h"},
		GC:        GC{AtimeSafetyMargin: "5m", MarkWorkers: 4},
		Verify:    Verify{Workers: 8},
		Log:       Log{Level: "info", MaxSizeMB: 100, MaxBackups: 5},
		API:       API{Listen: "localhost:8007"},
		Remote:    Remote{Location: "us-central1"},
	}
}

// Load reads the configuration at path. Settings the file doesn't give
// keep their default values.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	c.fillDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// fillDefaults restores defaults for settings that were given as empty
// or zero.
func (c *Config) fillDefaults() {
	d := Default()
	setString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setString(&c.Datastore.Name, d.Datastore.Name)
	setString(&c.Session.IdleTimeout, d.Session.IdleTimeout)
	setString(&c.GC.AtimeSafetyMargin, d.GC.AtimeSafetyMargin)
	setInt(&c.GC.MarkWorkers, d.GC.MarkWorkers)
	setInt(&c.Verify.Workers, d.Verify.Workers)
	setString(&c.Log.Level, d.Log.Level)
	setInt(&c.Log.MaxSizeMB, d.Log.MaxSizeMB)
	setInt(&c.Log.MaxBackups, d.Log.MaxBackups)
	setString(&c.API.Listen, d.API.Listen)
	setString(&c.Remote.Location, d.Remote.Location)
}

func (c *Config) Validate() error {
	if c.Datastore.Path == "" {
		return errors.New("config: datastore path not specified")
	}
	if _, err := parseDuration("session idle-timeout", c.Session.IdleTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("gc atime-safety-margin", c.GC.AtimeSafetyMargin); err != nil {
		return err
	}
	if c.GC.MarkWorkers < 0 || c.Verify.Workers < 0 {
		return errors.New("config: worker counts must be positive")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "config: log level")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return errors.New("config: log rotation settings must be positive")
	}
	if c.Remote.UploadLimit < 0 || c.Remote.DownloadLimit < 0 {
		return errors.New("config: remote bandwidth limits must be positive")
	}
	switch c.Remote.Kind {
	case "":
	case RemoteGCS:
		if c.Remote.Bucket == "" {
			return errors.New("config: gcs remote needs a bucket")
		}
	case RemoteDir:
		if c.Remote.Path == "" {
			return errors.New("config: dir remote needs a path")
		}
	default:
		return errors.Errorf("config: %q: unknown remote kind", c.Remote.Kind)
	}
	return nil
}

func parseDuration(what, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "config: %s", what)
	}
	if d < 0 {
		return 0, errors.Errorf("config: %s: %s is negative", what, s)
	}
	return d, nil
}

// IdleTimeout and AtimeSafetyMargin must only be called on a validated
// Config.

func (c *Config) IdleTimeout() time.Duration {
	d, _ := parseDuration("", c.Session.IdleTimeout)
	return d
}

func (c *Config) AtimeSafetyMargin() time.Duration {
	d, _ := parseDuration("", c.GC.AtimeSafetyMargin)
	return d
}
