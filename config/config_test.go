// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte(`
[datastore]
path = "/backup/store"
`))
	require.NoError(t, err)
	assert.Equal(t, "store", c.Datastore.Name)
	assert.Equal(t, "/backup/store", c.Datastore.Path)
	assert.Equal(t, time.Hour, c.IdleTimeout())
	assert.Equal(t, 5*time.Minute, c.AtimeSafetyMargin())
	assert.Equal(t, 4, c.GC.MarkWorkers)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "localhost:8007", c.API.Listen)
	assert.Empty(t, c.Remote.Kind)
}

func TestLoad(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "bkd.toml")
	require.NoError(t, os.WriteFile(fn, []byte(`
[datastore]
name = "main"
path = "/srv/backup"
parity = true

[session]
idle-timeout = "90s"

[gc]
atime-safety-margin = "2h"
mark-workers = 16

[log]
level = "debug"
file = "/var/log/bkd.log"
max-backups = 2

[remote]
kind = "gcs"
bucket = "offsite"
project = "proj"
upload-limit = 1048576
`), 0644))

	c, err := Load(fn)
	require.NoError(t, err)
	assert.Equal(t, "main", c.Datastore.Name)
	assert.True(t, c.Datastore.Parity)
	assert.Equal(t, 90*time.Second, c.IdleTimeout())
	assert.Equal(t, 2*time.Hour, c.AtimeSafetyMargin())
	assert.Equal(t, 16, c.GC.MarkWorkers)
	assert.Equal(t, "/var/log/bkd.log", c.Log.File)
	assert.Equal(t, 100, c.Log.MaxSizeMB)
	assert.Equal(t, 2, c.Log.MaxBackups)
	assert.Equal(t, RemoteGCS, c.Remote.Kind)
	assert.Equal(t, "offsite", c.Remote.Bucket)
	assert.Equal(t, "us-central1", c.Remote.Location)
	assert.Equal(t, 1048576, c.Remote.UploadLimit)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestInvalid(t *testing.T) {
	for _, s := range []string{
		``,
		`[datastore`,
		"[datastore]\npath = \"/x\"\n[session]\nidle-timeout = \"soon\"",
		"[datastore]\npath = \"/x\"\n[gc]\natime-safety-margin = \"-5m\"",
		"[datastore]\npath = \"/x\"\n[log]\nlevel = \"loud\"",
		"[datastore]\npath = \"/x\"\n[remote]\nkind = \"gcs\"",
		"[datastore]\npath = \"/x\"\n[remote]\nkind = \"dir\"",
		"[datastore]\npath = \"/x\"\n[remote]\nkind = \"tape\"",
		"[datastore]\npath = \"/x\"\n[remote]\nkind = \"dir\"\npath = \"/y\"\ndownload-limit = -1",
	} {
		_, err := Parse([]byte(s))
		assert.Error(t, err, s)
	}
}
