// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fsops implements filesystem mutations that never leave a
// half-written resource visible: temp-file-then-rename writes, moves that
// survive cross-device renames, and soft deletes into a trash directory.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	log "github.com/sirupsen/logrus"

	"webdavd/internal/common"
)

// ErrTooLarge is returned by AtomicWrite when the body exceeds the ceiling
var ErrTooLarge = common.ErrTooLarge

const (
	dirPerm  os.FileMode = 0755
	filePerm os.FileMode = 0644
)

// EnsureDir creates dir and any missing parents
func EnsureDir(fsys billy.Filesystem, dir string) error {
	if err := fsys.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// AtomicWrite streams r into a sibling temp file of name and renames it into
// place. A maxBytes above zero caps the body; exceeding it removes the temp
// file and returns ErrTooLarge with name untouched.
func AtomicWrite(fsys billy.Filesystem, name string, r io.Reader, maxBytes int64) (int64, error) {
	dir := filepath.Dir(name)
	if err := EnsureDir(fsys, dir); err != nil {
		return 0, err
	}

	tmp, err := util.TempFile(fsys, dir, "."+filepath.Base(name)+".tmp-")
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if rmErr := fsys.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Debugf("[FSOps] AtomicWrite: failed to remove temp %q: %v", tmpName, rmErr)
		}
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return n, fmt.Errorf("write %s: %w", name, err)
	}
	if maxBytes > 0 && n > maxBytes {
		cleanup()
		return n, fmt.Errorf("write %s: %w", name, ErrTooLarge)
	}

	if ch, ok := fsys.(billy.Change); ok {
		if err := ch.Chmod(tmpName, filePerm); err != nil {
			log.Debugf("[FSOps] AtomicWrite: chmod %q: %v", tmpName, err)
		}
	}
	if err := fsys.Rename(tmpName, name); err != nil {
		cleanup()
		return n, fmt.Errorf("rename into %s: %w", name, err)
	}
	return n, nil
}

// AtomicMove renames src to dst, creating dst's parent. When the rename fails
// (for example across devices) the tree is copied into a temp sibling of
// dst, renamed into place, and src is removed.
func AtomicMove(fsys billy.Filesystem, src, dst string) error {
	if err := EnsureDir(fsys, filepath.Dir(dst)); err != nil {
		return err
	}
	renameErr := fsys.Rename(src, dst)
	if renameErr == nil {
		return nil
	}
	log.Debugf("[FSOps] AtomicMove: rename %q -> %q failed, copying: %v", src, dst, renameErr)

	tmp := filepath.Join(filepath.Dir(dst), fmt.Sprintf(".%s.move-%d", filepath.Base(dst), time.Now().UnixNano()))
	if err := CopyTree(fsys, src, tmp, true); err != nil {
		_ = util.RemoveAll(fsys, tmp)
		return fmt.Errorf("move %s: %w", src, err)
	}
	if err := fsys.Rename(tmp, dst); err != nil {
		_ = util.RemoveAll(fsys, tmp)
		return fmt.Errorf("move %s: %w", src, err)
	}
	if err := util.RemoveAll(fsys, src); err != nil {
		return fmt.Errorf("remove moved source %s: %w", src, err)
	}
	return nil
}

// CopyTree duplicates src at dst. A collection copied without recursive
// gets no members.
func CopyTree(fsys billy.Filesystem, src, dst string, recursive bool) error {
	fi, err := fsys.Lstat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if !fi.IsDir() {
		return copyFile(fsys, src, dst, fi.Mode().Perm())
	}

	if err := EnsureDir(fsys, dst); err != nil {
		return err
	}
	if !recursive {
		return nil
	}
	entries, err := fsys.ReadDir(src)
	if err != nil {
		return fmt.Errorf("readdir %s: %w", src, err)
	}
	for _, e := range entries {
		if err := CopyTree(fsys, filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()), true); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(fsys billy.Filesystem, src, dst string, perm os.FileMode) error {
	in, err := fsys.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if perm == 0 {
		perm = filePerm
	}
	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
