// datastore/namespace.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package datastore

import (
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MaxNamespaceDepth is the maximum number of components in a namespace.
const MaxNamespaceDepth = 7

// SnapshotTimeFormat is the format of snapshot directory names.
const SnapshotTimeFormat = "2006-01-02T15:04:05Z"

var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._\-]*$`)

func validName(s string) bool {
	return len(s) <= 128 && nameRegexp.MatchString(s)
}

///////////////////////////////////////////////////////////////////////////
// Namespace

// Namespace is a hierarchical grouping of backup groups. The root
// namespace is empty. On disk, namespace a/b lives under ns/a/ns/b.
type Namespace []string

func ParseNamespace(s string) (Namespace, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil, nil
	}
	ns := Namespace(strings.Split(s, "/"))
	if len(ns) > MaxNamespaceDepth {
		return nil, errors.Errorf("%s: namespace deeper than %d", s, MaxNamespaceDepth)
	}
	for _, c := range ns {
		if !validName(c) {
			return nil, errors.Errorf("%q: invalid namespace component", c)
		}
	}
	return ns, nil
}

func (ns Namespace) String() string {
	return strings.Join(ns, "/")
}

func (ns Namespace) IsRoot() bool { return len(ns) == 0 }

// Path returns the namespace's directory relative to the datastore base.
func (ns Namespace) Path() string {
	var parts []string
	for _, c := range ns {
		parts = append(parts, "ns", c)
	}
	return path.Join(parts...)
}

// Child returns the namespace nested under ns with the given name.
func (ns Namespace) Child(name string) Namespace {
	c := make(Namespace, len(ns), len(ns)+1)
	copy(c, ns)
	return append(c, name)
}

func (ns Namespace) Equal(o Namespace) bool {
	return ns.String() == o.String()
}

///////////////////////////////////////////////////////////////////////////
// Groups

// BackupType is the kind of machine a backup group holds backups of.
type BackupType string

const (
	TypeVM   BackupType = "vm"
	TypeCT   BackupType = "ct"
	TypeHost BackupType = "host"
)

var backupTypes = []BackupType{TypeVM, TypeCT, TypeHost}

func ParseBackupType(s string) (BackupType, error) {
	for _, t := range backupTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", errors.Errorf("%q: unknown backup type", s)
}

// Group identifies a series of backups of the same target.
type Group struct {
	NS   Namespace
	Type BackupType
	ID   string
}

func NewGroup(ns Namespace, typ, id string) (Group, error) {
	t, err := ParseBackupType(typ)
	if err != nil {
		return Group{}, err
	}
	if !validName(id) {
		return Group{}, errors.Errorf("%q: invalid backup id", id)
	}
	return Group{NS: ns, Type: t, ID: id}, nil
}

// RelPath returns the group's directory relative to the datastore base.
func (g Group) RelPath() string {
	return path.Join(g.NS.Path(), string(g.Type), g.ID)
}

func (g Group) String() string {
	s := string(g.Type) + "/" + g.ID
	if !g.NS.IsRoot() {
		s = g.NS.String() + ":" + s
	}
	return s
}

func (g Group) Equal(o Group) bool {
	return g.NS.Equal(o.NS) && g.Type == o.Type && g.ID == o.ID
}

///////////////////////////////////////////////////////////////////////////
// Snapshots

// Snapshot is one backup within a group, identified by its time, which
// has one-second resolution.
type Snapshot struct {
	Group
	Time time.Time
}

func NewSnapshot(g Group, t time.Time) Snapshot {
	return Snapshot{Group: g, Time: t.UTC().Truncate(time.Second)}
}

func (s Snapshot) TimeString() string {
	return s.Time.UTC().Format(SnapshotTimeFormat)
}

// RelPath returns the snapshot's directory relative to the datastore
// base.
func (s Snapshot) RelPath() string {
	return path.Join(s.Group.RelPath(), s.TimeString())
}

func (s Snapshot) String() string {
	return s.Group.String() + "/" + s.TimeString()
}

func (s Snapshot) Equal(o Snapshot) bool {
	return s.Group.Equal(o.Group) && s.Time.Equal(o.Time)
}

// ParseSnapshot parses the form returned by Snapshot.String:
// [ns/path:]type/id/time.
func ParseSnapshot(s string) (Snapshot, error) {
	// The time contains colons, so peel it off first.
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return Snapshot{}, errors.Errorf("%q: expected type/id/time", s)
	}
	g, err := ParseGroup(s[:i])
	if err != nil {
		return Snapshot{}, err
	}
	t, err := time.Parse(SnapshotTimeFormat, s[i+1:])
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "%q: snapshot time", s[i+1:])
	}
	return NewSnapshot(g, t), nil
}

// ParseGroup parses the form returned by Group.String.
func ParseGroup(s string) (Group, error) {
	var ns Namespace
	if i := strings.LastIndex(s, ":"); i >= 0 {
		var err error
		if ns, err = ParseNamespace(s[:i]); err != nil {
			return Group{}, err
		}
		s = s[i+1:]
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return Group{}, errors.Errorf("%q: expected type/id", s)
	}
	return NewGroup(ns, parts[0], parts[1])
}
