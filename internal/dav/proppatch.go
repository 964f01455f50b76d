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
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// handleProppatch applies set and remove instructions in document order.
// Every instruction is reported as 200; a failure part way through leaves
// earlier instructions applied.
func (h *Handler) handleProppatch(w http.ResponseWriter, req *request) error {
	if err := h.checkLocks(req, req.fsPath); err != nil {
		return err
	}
	fi, err := h.stat(req.fsPath)
	if err != nil {
		return err
	}
	ops, err := parseProppatch(req.body)
	if err != nil {
		return err
	}

	stats := make([]propstat, 0, len(ops))
	for _, op := range ops {
		if op.remove {
			h.props.Remove(req.fsPath, op.name)
		} else {
			h.props.Set(req.fsPath, op.name, op.value)
		}
		stats = append(stats, propstat{status: http.StatusOK, props: []string{element(op.name, "", true)}})
	}
	log.Debugf("[DAV] PROPPATCH %s: %d instruction(s)", req.rel, len(ops))

	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(multistatusOpen)
	writeResponse(&b, h.href(req.rel, fi.IsDir()), stats)
	b.WriteString(multistatusClose)

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	if _, err := io.WriteString(w, b.String()); err != nil {
		log.Debugf("[DAV] PROPPATCH %s: write aborted: %v", req.rel, err)
	}
	return nil
}
