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

// Package dav implements the WebDAV protocol engine: one handler per HTTP
// method over a sandboxed billy filesystem, with locks, dead properties and
// per-path write ordering.
package dav

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"webdavd/internal/locks"
	"webdavd/internal/metrics"
	"webdavd/internal/pathres"
	"webdavd/internal/props"
	"webdavd/internal/serial"
)

const (
	// DAVCompliance is advertised in the DAV header
	DAVCompliance = "1, 2, 3"

	// AllowedMethods lists every supported method
	AllowedMethods = "OPTIONS, HEAD, GET, PUT, DELETE, MKCOL, COPY, MOVE, PROPFIND, PROPPATCH, LOCK, UNLOCK"

	// WWWAuthenticate is the Basic challenge sent with 401
	WWWAuthenticate = `Basic realm="WebDAV", charset="UTF-8"`

	// maxXMLBody bounds PROPFIND/PROPPATCH/LOCK/MKCOL request bodies
	maxXMLBody = 4 << 20
)

// Methods enumerates the verbs the handler dispatches
var Methods = []string{
	"OPTIONS", "HEAD", "GET", "PUT", "DELETE", "MKCOL",
	"COPY", "MOVE", "PROPFIND", "PROPPATCH", "LOCK", "UNLOCK",
}

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":   "*",
	"Access-Control-Allow-Methods":  AllowedMethods,
	"Access-Control-Allow-Headers":  "Authorization, Content-Type, Depth, Destination, If, Lock-Token, Overwrite, Timeout",
	"Access-Control-Expose-Headers": "DAV, Lock-Token, ETag, Content-Range",
}

// Options configures a Handler
type Options struct {
	FS       billy.Filesystem
	Resolver *pathres.Resolver
	Locks    *locks.Store
	Props    *props.Store
	Serial   *serial.Serializer
	Metrics  *metrics.Metrics

	// Prefix is the URL path the tree is mounted under ("" for /)
	Prefix   string
	TrashDir string

	Username string
	Password string

	DefaultLockTimeout time.Duration
	MaxLockTimeout     time.Duration
	MaxUploadBytes     int64
	CORS               bool
}

// Handler serves WebDAV requests
type Handler struct {
	opts     Options
	fs       billy.Filesystem
	resolver *pathres.Resolver
	locks    *locks.Store
	props    *props.Store
	serial   *serial.Serializer
	metrics  *metrics.Metrics
}

// NewHandler wires a handler from its dependencies
func NewHandler(opts Options) *Handler {
	if opts.Serial == nil {
		opts.Serial = serial.New()
	}
	if opts.DefaultLockTimeout <= 0 {
		opts.DefaultLockTimeout = time.Hour
	}
	if opts.MaxLockTimeout < opts.DefaultLockTimeout {
		opts.MaxLockTimeout = opts.DefaultLockTimeout
	}
	opts.Prefix = strings.TrimSuffix(opts.Prefix, "/")
	return &Handler{
		opts:     opts,
		fs:       opts.FS,
		resolver: opts.Resolver,
		locks:    opts.Locks,
		props:    opts.Props,
		serial:   opts.Serial,
		metrics:  opts.Metrics,
	}
}

// request carries the resolved target of one call
type request struct {
	*http.Request
	fsPath string // absolute filesystem path
	rel    string // root-relative slash path, "/" for the root
	body   []byte // only for methods with an XML body
}

type methodFunc func(w http.ResponseWriter, req *request) error

func (h *Handler) route(method string) methodFunc {
	switch method {
	case "HEAD":
		return h.handleHead
	case "GET":
		return h.handleGet
	case "PUT":
		return h.handlePut
	case "DELETE":
		return h.handleDelete
	case "MKCOL":
		return h.handleMkcol
	case "COPY":
		return h.handleCopy
	case "MOVE":
		return h.handleMove
	case "PROPFIND":
		return h.handlePropfind
	case "PROPPATCH":
		return h.handleProppatch
	case "LOCK":
		return h.handleLock
	case "UNLOCK":
		return h.handleUnlock
	}
	return nil
}

func needsBody(method string) bool {
	switch method {
	case "PROPFIND", "PROPPATCH", "LOCK", "MKCOL":
		return true
	}
	return false
}

// ServeHTTP authenticates, resolves and dispatches one request
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.opts.CORS {
		for k, v := range corsHeaders {
			w.Header().Set(k, v)
		}
	}
	method := strings.ToUpper(r.Method)

	if method == "OPTIONS" {
		h.handleOptions(w)
		return
	}
	if !h.authorized(r) {
		log.Warnf("[DAV] auth failed %s %s", method, r.URL.Path)
		w.Header().Set("WWW-Authenticate", WWWAuthenticate)
		h.writeError(w, r, newError(http.StatusUnauthorized, "Unauthorized"))
		return
	}

	fn := h.route(method)
	if fn == nil {
		h.writeError(w, r, newError(http.StatusMethodNotAllowed, "Method Not Allowed").with("Allow", AllowedMethods))
		return
	}

	reqPath, ok := h.stripPrefix(r.URL.Path)
	if !ok {
		h.writeError(w, r, errNotFound)
		return
	}
	fsPath, err := h.resolver.Resolve(reqPath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req := &request{Request: r, fsPath: fsPath, rel: h.resolver.Rel(fsPath)}

	if needsBody(method) && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxXMLBody+1))
		if err != nil {
			h.writeError(w, r, errorf(http.StatusBadRequest, "Bad Request: %v", err))
			return
		}
		if len(body) > maxXMLBody {
			h.writeError(w, r, newError(http.StatusRequestEntityTooLarge, "Payload Too Large"))
			return
		}
		req.body = body
	}

	log.Debugf("[DAV] %s %s", method, req.rel)
	if err := fn(w, req); err != nil {
		h.writeError(w, r, err)
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.opts.Username == "" && h.opts.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.opts.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.opts.Password)) == 1
	return userOK && passOK
}

// stripPrefix removes the mount prefix, reporting false for paths outside it
func (h *Handler) stripPrefix(p string) (string, bool) {
	if h.opts.Prefix == "" {
		return p, true
	}
	if p == h.opts.Prefix {
		return "/", true
	}
	if rest, ok := strings.CutPrefix(p, h.opts.Prefix+"/"); ok {
		return "/" + rest, true
	}
	return "", false
}

// href renders the client-facing URL path for a root-relative path
func (h *Handler) href(rel string, collection bool) string {
	var b strings.Builder
	b.WriteString(h.opts.Prefix)
	for _, seg := range strings.Split(strings.Trim(rel, "/"), "/") {
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}
	if collection || b.Len() == len(h.opts.Prefix) {
		b.WriteByte('/')
	}
	return b.String()
}

// checkLocks fails with 423 when a covering lock's token was not supplied
func (h *Handler) checkLocks(req *request, fsPath string) error {
	tokens := locks.ParseTokens(req.Header.Get("If"))
	if l := h.locks.ConflictCheck(fsPath, req.Method, tokens); l != nil {
		return lockedError(*l)
	}
	return nil
}

// checkTreeLocks also honours locks held on members of fsPath, for methods
// that remove or relocate the whole subtree.
func (h *Handler) checkTreeLocks(req *request, fsPath string) error {
	tokens := locks.ParseTokens(req.Header.Get("If"))
	if l := h.locks.ConflictCheckTree(fsPath, req.Method, tokens); l != nil {
		return lockedError(*l)
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, internal := toError(err)
	if internal {
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		}).Error("[DAV] unhandled error")
	}
	if e.Status == http.StatusLocked {
		h.metrics.RecordLockConflict()
	}
	for k, vs := range e.Header {
		for _, v := range vs {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(e.Status)
	_, _ = io.Copy(w, bytes.NewBufferString(e.Message))
}

func (h *Handler) handleOptions(w http.ResponseWriter) {
	w.Header().Set("Allow", AllowedMethods)
	w.Header().Set("DAV", DAVCompliance)
	w.Header().Set("MS-Author-Via", "DAV")
	w.WriteHeader(http.StatusNoContent)
}
