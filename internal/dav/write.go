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

package dav

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"webdavd/internal/fsops"
)

const collectionPerm = 0755

func (h *Handler) handlePut(w http.ResponseWriter, req *request) error {
	if err := h.checkLocks(req, req.fsPath); err != nil {
		return err
	}
	if limit := h.opts.MaxUploadBytes; limit > 0 && req.ContentLength > limit {
		return newError(http.StatusRequestEntityTooLarge, "Payload Too Large")
	}

	var body io.Reader = http.NoBody
	if req.Body != nil {
		body = req.Body
	}

	created := false
	err := h.serial.Do(req.fsPath, func() error {
		fi, err := h.statOptional(req.fsPath)
		if err != nil {
			return err
		}
		if err := checkWritePreconditions(req.Request, fi); err != nil {
			return err
		}
		if fi != nil && fi.IsDir() {
			return newError(http.StatusConflict, "Conflict: target is a collection")
		}
		created = fi == nil

		n, err := fsops.AtomicWrite(h.fs, req.fsPath, body, h.opts.MaxUploadBytes)
		if err != nil {
			return err
		}
		h.metrics.AddUploadBytes(n)
		return nil
	})
	if err != nil {
		return err
	}

	if fi, err := h.statOptional(req.fsPath); err == nil && fi != nil {
		setValidators(w, fi)
	}
	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, req *request) error {
	if err := h.checkTreeLocks(req, req.fsPath); err != nil {
		return err
	}
	if req.fsPath == h.resolver.Root() {
		return newError(http.StatusForbidden, "Forbidden: cannot delete the root collection")
	}

	err := h.serial.Do(req.fsPath, func() error {
		if _, err := h.stat(req.fsPath); err != nil {
			return err
		}
		return h.trash(req.fsPath)
	})
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// trash soft-deletes name and drops the dead properties of everything under it
func (h *Handler) trash(name string) error {
	dest, err := fsops.Trash(h.fs, h.resolver.Root(), h.opts.TrashDir, name)
	if err != nil {
		return err
	}
	h.metrics.RecordTrash()
	n := h.props.RemoveAllUnder(name)
	log.WithFields(log.Fields{
		"path":  h.resolver.Rel(name),
		"trash": dest,
		"props": n,
	}).Info("[DAV] resource trashed")
	return nil
}

func (h *Handler) handleMkcol(w http.ResponseWriter, req *request) error {
	if !isBlank(req.body) {
		return newError(http.StatusUnsupportedMediaType, "Unsupported Media Type: MKCOL body not supported")
	}
	if err := h.checkLocks(req, req.fsPath); err != nil {
		return err
	}

	err := h.serial.Do(req.fsPath, func() error {
		fi, err := h.statOptional(req.fsPath)
		if err != nil {
			return err
		}
		if fi != nil {
			return newError(http.StatusMethodNotAllowed, "Method Not Allowed: resource already exists").
				with("Allow", AllowedMethods)
		}
		parent, err := h.statOptional(filepath.Dir(req.fsPath))
		if err != nil {
			return err
		}
		if parent == nil || !parent.IsDir() {
			return newError(http.StatusConflict, "Conflict: parent collection does not exist")
		}
		if err := h.fs.MkdirAll(req.fsPath, collectionPerm); err != nil {
			return fmt.Errorf("mkcol %s: %w", req.fsPath, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}
