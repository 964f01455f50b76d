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

package common

import (
	"path"
	"strings"
)

// NormalizePath cleans a slash-separated path, removing leading/trailing slashes
func NormalizePath(p string) string {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// SplitPath splits a path into its components
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// IsSameOrUnder reports whether p equals prefix or lives below it.
// Both arguments must already be clean.
func IsSameOrUnder(p, prefix string) bool {
	if p == prefix {
		return true
	}
	if prefix == "/" {
		return strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, prefix+"/")
}

// Rebase rewrites the prefix of p from oldPrefix to newPrefix.
// The caller must have checked IsSameOrUnder(p, oldPrefix).
func Rebase(p, oldPrefix, newPrefix string) string {
	if p == oldPrefix {
		return newPrefix
	}
	return newPrefix + p[len(oldPrefix):]
}

// FlattenPath turns a relative slash path into a single file name segment
func FlattenPath(rel string) string {
	return strings.ReplaceAll(NormalizePath(rel), "/", "__")
}
