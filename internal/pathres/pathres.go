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

// Package pathres maps client request paths onto the sandboxed root.
package pathres

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"webdavd/internal/common"
)

// ErrForbidden is returned for paths outside the sandbox, too deep, or hidden
var ErrForbidden = common.ErrForbidden

// Resolver turns request paths into absolute filesystem paths below root
type Resolver struct {
	root     string
	maxDepth int
	patterns *ignore.GitIgnore
	reserved []string // root-relative slash paths always hidden
}

// New builds a resolver. hide holds gitignore-style patterns matched against
// root-relative paths; reserved directories (trash, state) are hidden when
// they live inside root.
func New(root string, maxDepth int, hide []string, reserved ...string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	r := &Resolver{root: filepath.Clean(abs), maxDepth: maxDepth}
	if len(hide) > 0 {
		r.patterns = ignore.CompileIgnoreLines(hide...)
	}
	for _, dir := range reserved {
		if dir == "" {
			continue
		}
		d, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", dir, err)
		}
		if d != r.root && common.IsSameOrUnder(d, r.root) {
			rel := r.Rel(d)
			r.reserved = append(r.reserved, rel)
			log.Debugf("[PathRes] hiding reserved directory %s", rel)
		}
	}
	return r, nil
}

// Root returns the absolute sandbox root
func (r *Resolver) Root() string {
	return r.root
}

// Resolve maps an already-decoded request path to an absolute path
func (r *Resolver) Resolve(reqPath string) (string, error) {
	if strings.ContainsRune(reqPath, 0) {
		return "", fmt.Errorf("resolve %q: %w", reqPath, ErrForbidden)
	}
	clean := path.Clean("/" + strings.ReplaceAll(reqPath, "\\", "/"))
	abs := filepath.Join(r.root, filepath.FromSlash(clean))
	if !common.IsSameOrUnder(abs, r.root) {
		return "", fmt.Errorf("resolve %q: outside root: %w", reqPath, ErrForbidden)
	}
	if r.maxDepth > 0 && len(common.SplitPath(clean)) > r.maxDepth {
		return "", fmt.Errorf("resolve %q: deeper than %d: %w", reqPath, r.maxDepth, ErrForbidden)
	}
	if r.Hidden(abs) {
		return "", fmt.Errorf("resolve %q: hidden: %w", reqPath, ErrForbidden)
	}
	return abs, nil
}

// ResolveEscaped percent-decodes raw before resolving it
func (r *Resolver) ResolveEscaped(raw string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("decode %q: %w", raw, common.ErrInvalidPath)
	}
	return r.Resolve(decoded)
}

// Rel returns the root-relative slash path of abs, "/" for the root itself
func (r *Resolver) Rel(abs string) string {
	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// Hidden reports whether abs must not be exposed to clients
func (r *Resolver) Hidden(abs string) bool {
	rel := strings.TrimPrefix(r.Rel(abs), "/")
	if rel == "" {
		return false
	}
	for _, res := range r.reserved {
		res = strings.TrimPrefix(res, "/")
		if rel == res || strings.HasPrefix(rel, res+"/") {
			return true
		}
	}
	if r.patterns == nil {
		return false
	}
	return r.patterns.MatchesPath(rel) || r.patterns.MatchesPath(rel+"/")
}
