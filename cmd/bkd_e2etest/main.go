// cmd/bkd_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// bkd_e2etest repeatedly modifies a random directory tree, backs it up
// with the bkd command (sometimes killing it partway through), restores
// it, and checks that the restored tree matches. It finishes by verifying
// the datastore and running garbage collection.
package main

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/bkd/datastore"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
)

var nDirs = 1

const BkdDir = "/tmp/bkd_e2e"

var (
	log     = u.NewLogger(true, false)
	globals []string
)

func main() {
	seed := os.Getpid()
	log.Print("Seed %d", seed)
	rand.Seed(int64(seed))

	_ = os.RemoveAll(BkdDir)
	_ = os.Mkdir(BkdDir, 0700)
	globals = []string{"--datastore", filepath.Join(BkdDir, "store")}

	encrypt := randBool()
	if encrypt {
		os.Setenv("BKD_PASSPHRASE", "foobar")
		globals = append(globals, "--keyfile", filepath.Join(BkdDir, "key.json"))
		mustRun("init", "--encrypt")
	} else {
		mustRun("init")
	}
	backupTest(encrypt, randBool(), 20)

	mustRun("verify")
	out := mustRun("gc")
	log.Print("gc:\n%s", out)
	out = mustRun("list")
	log.Print("snapshots:\n%s", out)
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := rand.Intn(24) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func getCommand(args ...string) *exec.Cmd {
	return exec.Command("bkd", append(append([]string(nil), globals...), args...)...)
}

func runCommand(args ...string) ([]byte, error) {
	log.Print("Running bkd %s", strings.Join(args, " "))
	cmd := getCommand(args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func mustRun(args ...string) []byte {
	out, err := runCommand(args...)
	if err != nil {
		log.Fatal("bkd %s: %s", strings.Join(args, " "), err)
	}
	return out
}

func runButPossiblyKill(args ...string) ([]byte, error) {
	log.Print("Running bkd %s", strings.Join(args, " "))
	cmd := getCommand(args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal("%s", err)
	}

	killed := make(chan bool, 1)
	if (rand.Int() % 2) == 1 {
		logMs := uint(rand.Intn(16))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Print("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			if err := cmd.Process.Kill(); err != nil {
				log.Print("Kill error! %v", err)
				killed <- false
			} else {
				log.Print("Killed process sucessfully")
				killed <- true
			}
		})
	} else {
		killed <- false
	}

	err := cmd.Wait()
	if err != nil {
		log.Print("Wait result %v", err)
	}
	// A kill that came after the process exited on its own doesn't count.
	if <-killed && err != nil {
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

var createdFiles = make(map[string]bool)

func backupTest(encrypt, randomlyKill bool, iters int) {
	tmpSrc, err := os.MkdirTemp("", "bkd-test-src")
	if err != nil {
		log.Fatal("%s", err)
	}
	log.Print("Local src directory: %s", tmpSrc)
	defer os.RemoveAll(tmpSrc)

	tmpDst, err := os.MkdirTemp("", "bkd-test-dst")
	if err != nil {
		log.Fatal("%s", err)
	}
	log.Print("Local dst directory: %s", tmpDst)
	defer os.RemoveAll(tmpDst)

	start := time.Now().Unix()
	for i := 0; i < iters; i++ {
		// Sleep for a second before modifying files so that modification
		// times visibly advance.
		time.Sleep(time.Second)

		if err := update(tmpSrc); err != nil {
			log.Fatal("%s", err)
		}

		snap, err := backup(tmpSrc, start+int64(i), encrypt, randomlyKill)
		if err != nil {
			log.Fatal("%s", err)
		}

		// restore to second tmp dir
		if err := restore(tmpDst, snap); err != nil {
			log.Fatal("%s", err)
		}

		if err = compare(tmpSrc, tmpDst); err != nil {
			log.Fatal("%s", err)
		}
	}
}

func name(dir string) string {
	fodder := []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
		"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
		"laugh", "airplane", "bannana", "tape", "round"}
	s := ""
	for {
		s += fodder[rand.Intn(len(fodder))]
		if _, ok := createdFiles[s]; !ok {
			break
		}
		s += "_"
	}
	createdFiles[s] = true
	return filepath.Join(dir, s)
}

func update(dir string) error {
	filesLeftToCreate := 20
	dirsLeftToCreate := 5
	log.Print("Updating %s", dir)

	return filepath.Walk(dir,
		func(path string, stat os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			if stat.IsDir() {
				dirsToCreate := 0
				for i := 0; i < dirsLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						dirsToCreate++
						n := name(path)
						if err := os.Mkdir(n, 0700); err != nil {
							return err
						}
						log.Print("%s: created directory", n)
					}
				}
				nDirs += dirsToCreate
				dirsLeftToCreate -= dirsToCreate

				filesToCreate := 0
				for i := 0; i < filesLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						filesToCreate++
						n := name(path)
						f, err := os.Create(n)
						if err != nil {
							return err
						}
						newlen := expSize()
						buf := make([]byte, newlen)
						_, _ = rand.Read(buf)
						if _, err := io.Copy(f, bytes.NewReader(buf)); err != nil {
							return err
						}
						if err := f.Close(); err != nil {
							return err
						}
						log.Print("%s: created file. length %d", n, newlen)
					}
				}
				filesLeftToCreate -= filesToCreate
			}

			if randBool() {
				// Advance the modified time.  Don't go into the future.
				for {
					ms := rand.Intn(10000)
					t := stat.ModTime().Add(time.Duration(ms) * time.Millisecond)
					if t.Before(time.Now()) {
						if err := os.Chtimes(path, t, t); err != nil {
							return err
						}
						log.Print("%s: advanced modification time to %s", path, t)
						break
					}
				}
			}

			perms := stat.Mode()
			if randBool() {
				newp := rand.Intn(0777)
				if stat.IsDir() {
					newp |= 0700
				} else {
					newp |= 0400
				}
				if err := os.Chmod(path, os.FileMode(newp)); err != nil {
					return err
				}
				log.Print("%s: changed permissions to %#o", path, newp)
				perms = os.FileMode(newp)
			}

			if randBool() && !stat.IsDir() && (perms&0600) == 0600 {
				f, err := os.OpenFile(path, os.O_WRONLY, 0666)
				if err != nil {
					return err
				}
				defer f.Close()

				// seek somewhere and write some stuff
				offset := int64(0)
				if stat.Size() > 0 {
					offset = rand.Int63n(stat.Size())
				}

				b := make([]byte, expSize())
				_, _ = rand.Read(b)
				_, err = f.WriteAt(b, offset)
				log.Print("%s: wrote %d bytes at offset %d", path, len(b), offset)
				if err != nil {
					return err
				}

				if randBool() && stat.Size() > 0 {
					sz := rand.Int63n(stat.Size())
					if err := f.Truncate(sz); err != nil {
						return err
					}
					log.Print("%s: truncated at %d", path, sz)
				}
			}
			return nil
		})
}

// backup backs up dir as the snapshot host/e2e/<t>, retrying until a run
// isn't killed, and returns the snapshot's name.
func backup(dir string, t int64, encrypt, randomlyKill bool) (string, error) {
	log.Print("Starting backup")
	args := []string{"backup", "--id", "e2e", "--time", fmt.Sprint(t),
		"--split-bits", fmt.Sprint(12 + rand.Intn(8))}
	if encrypt {
		args = append(args, "--encrypt")
	}
	args = append(args, dir)
	for {
		var out []byte
		var err error
		if randomlyKill {
			out, err = runButPossiblyKill(args...)
		} else {
			out, err = runCommand(args...)
		}

		if err != errKilled {
			return strings.TrimSpace(string(out)), err
		}
		// The kill may have come just after the snapshot was committed.
		_, _ = runCommand("forget", snapshotName(t))
	}
}

func snapshotName(t int64) string {
	g, err := datastore.NewGroup(nil, "host", "e2e")
	if err != nil {
		log.Fatal("%s", err)
	}
	return datastore.NewSnapshot(g, time.Unix(t, 0)).String()
}

func restore(dir string, snap string) error {
	log.Print("Starting restore of %s", snap)
	if err := os.RemoveAll(dir); err != nil {
		log.Fatal("%s", err)
	}
	_, err := runCommand("restore", snap, "root.pxar", dir)
	return err
}

func compare(patha, pathb string) error {
	mismatches := 0
	err := filepath.Walk(patha,
		func(pa string, stata os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			// compute corresponding pathname for second file
			rest := pa[len(patha):]
			pb := filepath.Join(pathb, rest)

			statb, err := os.Stat(pb)
			if os.IsNotExist(err) {
				log.Print("%s: not found", pb)
				mismatches++
				return nil
			}

			if stata.IsDir() != statb.IsDir() {
				log.Print("%s: is file/is directory mismatch with %s", pa, pb)
				mismatches++
				return nil
			}

			if stata.Mode() != statb.Mode() {
				log.Print("%s: permissions %#o mismatch %s permissions %#o",
					pa, stata.Mode(), pb, statb.Mode())
				mismatches++
			}

			if !stata.ModTime().Equal(statb.ModTime()) {
				log.Print("%s: mod time %s mismatches %s mod time %s", pa,
					stata.ModTime(), pb, statb.ModTime())
				mismatches++
			}

			if stata.Size() != statb.Size() {
				log.Print("%s: size %d mismatches %s size %d", pa, stata.Size(),
					pb, statb.Size())
				mismatches++
				return nil
			}

			if !stata.IsDir() {
				cmp := exec.Command("cmp", pa, pb)
				if err := cmp.Run(); err != nil {
					log.Print("%s and %s differ", pa, pb)
					mismatches++
				}
			}
			return nil
		})

	if err != nil {
		return err
	} else if mismatches > 0 {
		return errors.Errorf("%d file mismatches", mismatches)
	}
	return nil
}
