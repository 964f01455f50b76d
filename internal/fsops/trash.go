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

package fsops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	log "github.com/sirupsen/logrus"

	"webdavd/internal/common"
	wutil "webdavd/internal/util"
)

// TrashTimeLayout formats the UTC prefix of trashed entry names
const TrashTimeLayout = "2006-01-02T15-04-05.000Z"

// trashAttempts bounds retries when two deletes land on the same millisecond
const trashAttempts = 5

var errTrashCollision = errors.New("trash name collision")

// now is swapped in tests
var now = time.Now

// TrashName builds the trash entry name for a root-relative path
func TrashName(t time.Time, rel string) string {
	ts := strings.Replace(t.UTC().Format(TrashTimeLayout), ".", "-", 1)
	return ts + "__" + common.FlattenPath(rel)
}

// Trash relocates name (file or collection) intact into trashDir and returns
// the trashed path. When the rename fails the tree is copied and then removed.
func Trash(fsys billy.Filesystem, root, trashDir, name string) (string, error) {
	rel := filepath.ToSlash(strings.TrimPrefix(name, root))
	if err := EnsureDir(fsys, trashDir); err != nil {
		return "", err
	}

	dest, err := wutil.RetryWithResult(context.Background(), func() (string, error) {
		candidate := filepath.Join(trashDir, TrashName(now(), rel))
		if _, err := fsys.Lstat(candidate); err == nil {
			return "", errTrashCollision
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", retry.Unrecoverable(err)
		}
		return candidate, nil
	},
		retry.Attempts(trashAttempts),
		retry.Delay(time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("trash %s: %w", name, err)
	}

	renameErr := fsys.Rename(name, dest)
	if renameErr == nil {
		return dest, nil
	}
	log.Debugf("[FSOps] Trash: rename %q failed, copying: %v", name, renameErr)
	if err := CopyTree(fsys, name, dest, true); err != nil {
		return "", fmt.Errorf("trash %s: %w", name, err)
	}
	if err := util.RemoveAll(fsys, name); err != nil {
		return "", fmt.Errorf("trash %s: remove original: %w", name, err)
	}
	return dest, nil
}
