// fusefs/main_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package fusefs

import (
	"os"
	"testing"

	"github.com/mmp/bkd/backup"
	"github.com/mmp/bkd/client"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	"github.com/mmp/bkd/storage"
	u "github.com/mmp/bkd/util"
)

func TestMain(m *testing.M) {
	lg := u.NewDiscardLogger()
	SetLogger(lg)
	backup.SetLogger(lg)
	client.SetLogger(lg)
	datastore.SetLogger(lg)
	index.SetLogger(lg)
	storage.SetLogger(lg)
	os.Exit(m.Run())
}
