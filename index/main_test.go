// index/main_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package index

import (
	"os"
	"testing"

	u "github.com/mmp/bkd/util"
)

func TestMain(m *testing.M) {
	lg := u.NewDiscardLogger()
	SetLogger(lg)
	os.Exit(m.Run())
}
