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
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"webdavd/internal/fsops"
	"webdavd/internal/locks"
)

// lockTimeout picks the first usable entry of a Timeout header
// ("Second-N" or "Infinite"), capped at the configured maximum.
func (h *Handler) lockTimeout(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "Infinite") {
			return h.opts.MaxLockTimeout
		}
		if len(part) > len("Second-") && strings.EqualFold(part[:len("Second-")], "Second-") {
			secs, err := strconv.ParseInt(part[len("Second-"):], 10, 64)
			if err != nil || secs <= 0 {
				continue
			}
			if secs >= int64(h.opts.MaxLockTimeout/time.Second) {
				return h.opts.MaxLockTimeout
			}
			return time.Duration(secs) * time.Second
		}
	}
	return h.opts.DefaultLockTimeout
}

func parseLockDepth(header string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "", locks.DepthInfinity:
		return locks.DepthInfinity, nil
	case locks.DepthZero:
		return locks.DepthZero, nil
	}
	return "", errBadDepth
}

func (h *Handler) handleLock(w http.ResponseWriter, req *request) error {
	timeout := h.lockTimeout(req.Header.Get("Timeout"))

	if isBlank(req.body) {
		return h.refreshLock(w, req, timeout)
	}

	depth, err := parseLockDepth(req.Header.Get("Depth"))
	if err != nil {
		return err
	}
	scope, owner, err := parseLockInfo(req.body)
	if err != nil {
		return err
	}

	fi, err := h.statOptional(req.fsPath)
	if err != nil {
		return err
	}
	collection := fi != nil && fi.IsDir()
	l, err := h.locks.Acquire(req.fsPath, h.href(req.rel, collection), scope, depth, owner, timeout)
	if err != nil {
		return err
	}

	created := false
	err = h.serial.Do(req.fsPath, func() error {
		existing, err := h.statOptional(req.fsPath)
		if err != nil || existing != nil {
			return err
		}
		if _, err := fsops.AtomicWrite(h.fs, req.fsPath, bytes.NewReader(nil), 0); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		h.locks.Release(l.Token)
		return err
	}

	log.WithFields(log.Fields{
		"token": l.Token,
		"path":  req.rel,
		"scope": l.Scope,
		"depth": l.Depth,
	}).Info("[DAV] lock acquired")

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeLockResponse(w, l, status)
	return nil
}

// refreshLock handles a body-less LOCK: the If header names the lock to extend
func (h *Handler) refreshLock(w http.ResponseWriter, req *request, timeout time.Duration) error {
	tokens := locks.ParseTokens(req.Header.Get("If"))
	if len(tokens) == 0 {
		return newError(http.StatusBadRequest, "Bad Request: LOCK requires a lockinfo body or a lock token")
	}

	var token string
	for _, t := range tokens {
		if l, ok := h.locks.Get(t); ok && l.Covers(req.fsPath) {
			token = t
			break
		}
	}
	if token == "" {
		return newError(http.StatusPreconditionFailed, "Precondition Failed: lock token not found")
	}
	l, err := h.locks.Refresh(token, timeout)
	if err != nil {
		return newError(http.StatusPreconditionFailed, "Precondition Failed: lock token not found")
	}
	log.Debugf("[DAV] lock %s refreshed for %s", l.Token, timeout)
	writeLockResponse(w, l, http.StatusOK)
	return nil
}

func writeLockResponse(w http.ResponseWriter, l locks.Lock, status int) {
	body := xmlHeader + `<D:prop xmlns:D="DAV:">` + lockDiscovery([]locks.Lock{l}, time.Now()) + "</D:prop>\n"
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Lock-Token", "<"+l.Token+">")
	w.Header().Set("DAV", DAVCompliance)
	w.WriteHeader(status)
	if _, err := io.WriteString(w, body); err != nil {
		log.Debugf("[DAV] LOCK response aborted: %v", err)
	}
}

func (h *Handler) handleUnlock(w http.ResponseWriter, req *request) error {
	raw := strings.TrimSpace(req.Header.Get("Lock-Token"))
	if raw == "" {
		return newError(http.StatusBadRequest, "Bad Request: missing Lock-Token header")
	}
	token := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">"))

	l, ok := h.locks.Get(token)
	if !ok {
		return newError(http.StatusConflict, "Conflict: unknown lock token")
	}
	if l.Path != req.fsPath {
		return newError(http.StatusConflict, "Conflict: lock token does not match resource")
	}
	h.locks.Release(token)
	log.WithField("token", token).Info("[DAV] lock released")
	w.WriteHeader(http.StatusNoContent)
	return nil
}
