// storage/atime_darwin.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"time"

	"golang.org/x/sys/unix"
)

func statAtime(st *unix.Stat_t) time.Time {
	return time.Unix(st.Atimespec.Unix())
}

func statMtime(st *unix.Stat_t) time.Time {
	return time.Unix(st.Mtimespec.Unix())
}
