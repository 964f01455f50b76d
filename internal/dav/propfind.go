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
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"webdavd/internal/props"
)

// propfindBuffer bounds how many rendered responses wait for the writer
const propfindBuffer = 16

const depthInfinite = -1

// liveProp renders one computed property of a resource
type liveProp struct {
	local  string
	render func(h *Handler, abs string, fi os.FileInfo, now time.Time) (string, bool)
}

// liveProps are listed in allprop and propname order
var liveProps = []liveProp{
	{"resourcetype", func(_ *Handler, _ string, fi os.FileInfo, _ time.Time) (string, bool) {
		if fi.IsDir() {
			return "<D:collection/>", true
		}
		return "", true
	}},
	{"displayname", func(h *Handler, abs string, _ os.FileInfo, _ time.Time) (string, bool) {
		if abs == h.resolver.Root() {
			return "", true
		}
		return escape(filepath.Base(abs)), true
	}},
	{"getcontentlength", func(_ *Handler, _ string, fi os.FileInfo, _ time.Time) (string, bool) {
		if fi.IsDir() {
			return "", false
		}
		return strconv.FormatInt(fi.Size(), 10), true
	}},
	{"getcontenttype", func(_ *Handler, _ string, fi os.FileInfo, _ time.Time) (string, bool) {
		return escape(contentTypeOf(fi)), true
	}},
	{"getlastmodified", func(_ *Handler, _ string, fi os.FileInfo, _ time.Time) (string, bool) {
		return httpTime(fi.ModTime()), true
	}},
	{"creationdate", func(_ *Handler, _ string, fi os.FileInfo, _ time.Time) (string, bool) {
		return CreationTime(fi).UTC().Format(time.RFC3339), true
	}},
	{"getetag", func(_ *Handler, _ string, fi os.FileInfo, _ time.Time) (string, bool) {
		return escape(ETag(fi)), true
	}},
	{"supportedlock", func(_ *Handler, _ string, _ os.FileInfo, _ time.Time) (string, bool) {
		return supportedLockEntries, true
	}},
	{"lockdiscovery", func(h *Handler, abs string, _ os.FileInfo, now time.Time) (string, bool) {
		return lockDiscoveryEntries(h.locks.ActiveFor(abs), now), true
	}},
}

func findLive(local string) (liveProp, bool) {
	for _, lp := range liveProps {
		if lp.local == local {
			return lp, true
		}
	}
	return liveProp{}, false
}

func parseDepth(header string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "", "1":
		return 1, nil
	case "0":
		return 0, nil
	case "infinity":
		return depthInfinite, nil
	}
	return 0, errBadDepth
}

func (h *Handler) handlePropfind(w http.ResponseWriter, req *request) error {
	fi, err := h.stat(req.fsPath)
	if err != nil {
		return err
	}
	pf, err := parsePropfind(req.body)
	if err != nil {
		return err
	}
	depth, err := parseDepth(req.Header.Get("Depth"))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("DAV", DAVCompliance)
	w.WriteHeader(http.StatusMultiStatus)

	responses := make(chan string, propfindBuffer)
	g, ctx := errgroup.WithContext(req.Context())

	// walkErr is written before responses is closed and read only after
	var walkErr error
	g.Go(func() error {
		walkErr = h.walk(ctx, req.fsPath, fi, depth, func(abs string, fi os.FileInfo) error {
			select {
			case responses <- h.propResponse(abs, fi, pf):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		close(responses)
		return walkErr
	})

	g.Go(func() error {
		if _, err := io.WriteString(w, xmlHeader+multistatusOpen); err != nil {
			return err
		}
		for resp := range responses {
			if _, err := io.WriteString(w, resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
		if walkErr != nil {
			// Leave the document unterminated so the client sees it is incomplete
			return nil
		}
		_, err := io.WriteString(w, multistatusClose)
		return err
	})

	if err := g.Wait(); err != nil {
		// Status line is already out; the client sees a truncated document
		log.WithFields(log.Fields{
			"path":  req.rel,
			"error": err.Error(),
		}).Warn("[DAV] PROPFIND stream aborted")
	}
	return nil
}

// walk visits abs and then, up to depth levels down, its visible members in
// name order. depthInfinite means no limit.
func (h *Handler) walk(ctx context.Context, abs string, fi os.FileInfo, depth int, visit func(string, os.FileInfo) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := visit(abs, fi); err != nil {
		return err
	}
	if !fi.IsDir() || depth == 0 {
		return nil
	}

	children, err := h.fs.ReadDir(abs)
	if err != nil {
		return fmt.Errorf("readdir %s: %w", abs, err)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	next := depth - 1
	if depth == depthInfinite {
		next = depthInfinite
	}
	for _, child := range children {
		childPath := filepath.Join(abs, child.Name())
		if h.resolver.Hidden(childPath) {
			continue
		}
		if err := h.walk(ctx, childPath, child, next, visit); err != nil {
			return err
		}
	}
	return nil
}

// propResponse renders the complete <D:response> for one resource
func (h *Handler) propResponse(abs string, fi os.FileInfo, pf propfindRequest) string {
	now := time.Now()
	dead := h.props.Get(abs)
	var found, missing []string

	switch pf.kind {
	case findPropName:
		for _, lp := range liveProps {
			if _, ok := lp.render(h, abs, fi, now); ok {
				found = append(found, element(props.Name{Space: davNS, Local: lp.local}, "", true))
			}
		}
		for _, p := range dead {
			if isLiveName(p.Name) {
				continue
			}
			found = append(found, element(p.Name, "", true))
		}

	case findNamed:
		for _, name := range pf.names {
			if name.Space == davNS {
				if lp, ok := findLive(name.Local); ok {
					if v, ok := lp.render(h, abs, fi, now); ok {
						found = append(found, element(name, v, v == ""))
						continue
					}
				}
			}
			if p, ok := lookupDead(dead, name); ok {
				found = append(found, element(name, p.Value, false))
				continue
			}
			missing = append(missing, element(name, "", true))
		}

	default:
		for _, lp := range liveProps {
			if v, ok := lp.render(h, abs, fi, now); ok {
				found = append(found, element(props.Name{Space: davNS, Local: lp.local}, v, v == ""))
			}
		}
		for _, p := range dead {
			if isLiveName(p.Name) {
				continue
			}
			found = append(found, element(p.Name, p.Value, false))
		}
	}

	var b strings.Builder
	writeResponse(&b, h.href(h.resolver.Rel(abs), fi.IsDir()), []propstat{
		{status: http.StatusOK, props: found},
		{status: http.StatusNotFound, props: missing},
	})
	return b.String()
}

func isLiveName(n props.Name) bool {
	if n.Space != davNS {
		return false
	}
	_, ok := findLive(n.Local)
	return ok
}

func lookupDead(list []props.Property, name props.Name) (props.Property, bool) {
	for _, p := range list {
		if p.Name == name {
			return p, true
		}
	}
	return props.Property{}, false
}
