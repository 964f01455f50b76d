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
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"webdavd/internal/common"
	"webdavd/internal/fsops"
)

// transfer is the validated target of a COPY or MOVE
type transfer struct {
	dst       string // absolute filesystem path
	overwrite bool
}

// parseTransfer resolves Destination relative to the request URL and reads
// Overwrite (default T).
func (h *Handler) parseTransfer(req *request) (transfer, error) {
	raw := strings.TrimSpace(req.Header.Get("Destination"))
	if raw == "" {
		return transfer{}, errMissingDest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return transfer{}, errBadDest
	}
	target := req.URL.ResolveReference(u)
	p, ok := h.stripPrefix(target.Path)
	if !ok {
		return transfer{}, errBadDest
	}
	dst, err := h.resolver.Resolve(p)
	if err != nil {
		return transfer{}, err
	}

	t := transfer{dst: dst, overwrite: true}
	switch strings.ToUpper(strings.TrimSpace(req.Header.Get("Overwrite"))) {
	case "", "T":
	case "F":
		t.overwrite = false
	default:
		return transfer{}, newError(http.StatusBadRequest, "Bad Request: invalid Overwrite header")
	}

	if dst == req.fsPath {
		return transfer{}, errSameDestination
	}
	if common.IsSameOrUnder(dst, req.fsPath) {
		return transfer{}, errDestInsideSrc
	}
	if common.IsSameOrUnder(req.fsPath, dst) {
		return transfer{}, errSrcInsideDest
	}
	return t, nil
}

// prepareTarget applies Overwrite to an existing destination and trashes it.
// It reports whether the destination existed.
func (h *Handler) prepareTarget(t transfer) (bool, error) {
	existing, err := h.statOptional(t.dst)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if !t.overwrite {
		return true, errPrecondition
	}
	if err := h.trash(t.dst); err != nil {
		return true, err
	}
	return true, nil
}

func transferStatus(w http.ResponseWriter, replaced bool) {
	if replaced {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleCopy(w http.ResponseWriter, req *request) error {
	t, err := h.parseTransfer(req)
	if err != nil {
		return err
	}

	recursive := true
	switch req.Header.Get("Depth") {
	case "", "infinity", "Infinity":
	case "0":
		recursive = false
	default:
		return errBadDepth
	}

	if err := h.checkTreeLocks(req, t.dst); err != nil {
		return err
	}

	var replaced bool
	err = h.serial.DoAll([]string{req.fsPath, t.dst}, func() error {
		if _, err := h.stat(req.fsPath); err != nil {
			return err
		}
		if replaced, err = h.prepareTarget(t); err != nil {
			return err
		}
		if err := fsops.EnsureDir(h.fs, filepath.Dir(t.dst)); err != nil {
			return err
		}
		return fsops.CopyTree(h.fs, req.fsPath, t.dst, recursive)
	})
	if err != nil {
		return err
	}

	log.Debugf("[DAV] COPY %s -> %s", req.rel, h.resolver.Rel(t.dst))
	transferStatus(w, replaced)
	return nil
}

func (h *Handler) handleMove(w http.ResponseWriter, req *request) error {
	if err := h.checkTreeLocks(req, req.fsPath); err != nil {
		return err
	}
	t, err := h.parseTransfer(req)
	if err != nil {
		return err
	}
	if req.fsPath == h.resolver.Root() {
		return newError(http.StatusForbidden, "Forbidden: cannot move the root collection")
	}
	if err := h.checkTreeLocks(req, t.dst); err != nil {
		return err
	}

	var replaced bool
	err = h.serial.DoAll([]string{req.fsPath, t.dst}, func() error {
		if _, err := h.stat(req.fsPath); err != nil {
			return err
		}
		if replaced, err = h.prepareTarget(t); err != nil {
			return err
		}
		if err := fsops.AtomicMove(h.fs, req.fsPath, t.dst); err != nil {
			return err
		}
		h.props.RekeyUnder(req.fsPath, t.dst)
		return nil
	})
	if err != nil {
		return err
	}

	log.Debugf("[DAV] MOVE %s -> %s", req.rel, h.resolver.Rel(t.dst))
	transferStatus(w, replaced)
	return nil
}
