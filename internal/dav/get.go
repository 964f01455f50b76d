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
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<ul>
{{- if .Parent}}
<li><a href="{{.Parent}}">..</a></li>
{{- end}}
{{- range .Entries}}
<li><a href="{{.Href}}">{{.Name}}{{if .Dir}}/{{end}}</a></li>
{{- end}}
</ul>
</body>
</html>
`))

type indexEntry struct {
	Name string
	Href string
	Dir  bool
}

type indexPage struct {
	Path    string
	Parent  string
	Entries []indexEntry
}

// stat returns the target's info, mapping absence to 404
func (h *Handler) stat(name string) (os.FileInfo, error) {
	fi, err := h.fs.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	return fi, nil
}

// statOptional is stat that reports absence as a nil info
func (h *Handler) statOptional(name string) (os.FileInfo, error) {
	fi, err := h.fs.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	return fi, nil
}

func setValidators(w http.ResponseWriter, fi os.FileInfo) {
	w.Header().Set("ETag", ETag(fi))
	w.Header().Set("Last-Modified", httpTime(fi.ModTime()))
}

func (h *Handler) handleHead(w http.ResponseWriter, req *request) error {
	return h.serveContent(w, req, false)
}

func (h *Handler) handleGet(w http.ResponseWriter, req *request) error {
	return h.serveContent(w, req, true)
}

func (h *Handler) serveContent(w http.ResponseWriter, req *request, withBody bool) error {
	fi, err := h.stat(req.fsPath)
	if err != nil {
		return err
	}
	if status := checkConditional(req.Request, fi); status != 0 {
		if status == http.StatusNotModified {
			setValidators(w, fi)
			w.WriteHeader(status)
			return nil
		}
		return errPrecondition
	}

	if fi.IsDir() {
		return h.serveIndex(w, req, fi, withBody)
	}

	setValidators(w, fi)
	w.Header().Set("Content-Type", ContentType(fi.Name()))
	w.Header().Set("Accept-Ranges", "bytes")

	size := fi.Size()
	br, ranged, unsatisfiable := parseRange(req.Header.Get("Range"), size)
	if unsatisfiable {
		return newError(http.StatusRequestedRangeNotSatisfiable, "Range Not Satisfiable").
			with("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
	}

	status, length := http.StatusOK, size
	if ranged {
		status, length = http.StatusPartialContent, br.length()
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.start, br.end, size))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	if !withBody {
		w.WriteHeader(status)
		return nil
	}

	f, err := h.fs.Open(req.fsPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", req.fsPath, err)
	}
	defer f.Close()

	if ranged && br.start > 0 {
		if _, err := f.Seek(br.start, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", req.fsPath, err)
		}
	}
	w.WriteHeader(status)
	if _, err := io.CopyN(w, f, length); err != nil {
		// Headers are gone; the client sees a short body
		log.Debugf("[DAV] GET %s: stream aborted: %v", req.rel, err)
	}
	return nil
}

func (h *Handler) serveIndex(w http.ResponseWriter, req *request, fi os.FileInfo, withBody bool) error {
	infos, err := h.fs.ReadDir(req.fsPath)
	if err != nil {
		return fmt.Errorf("readdir %s: %w", req.fsPath, err)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].IsDir() != infos[j].IsDir() {
			return infos[i].IsDir()
		}
		return infos[i].Name() < infos[j].Name()
	})

	page := indexPage{Path: req.rel}
	if req.rel != "/" {
		page.Parent = h.href(filepath.ToSlash(filepath.Dir(req.rel)), true)
	}
	for _, child := range infos {
		childPath := filepath.Join(req.fsPath, child.Name())
		if h.resolver.Hidden(childPath) {
			continue
		}
		page.Entries = append(page.Entries, indexEntry{
			Name: child.Name(),
			Href: h.href(h.resolver.Rel(childPath), child.IsDir()),
			Dir:  child.IsDir(),
		})
	}

	setValidators(w, fi)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if !withBody {
		return nil
	}
	if err := indexTemplate.Execute(w, page); err != nil {
		log.Debugf("[DAV] GET %s: index aborted: %v", req.rel, err)
	}
	return nil
}
