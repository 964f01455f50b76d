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
	"crypto/sha1"
	"encoding/base64"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/djherbis/times"
)

// CollectionContentType is reported for collections
const CollectionContentType = "httpd/unix-directory"

var contentTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".txt":   "text/plain; charset=utf-8",
	".md":    "text/markdown; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".ts":    "application/typescript",
	".json":  "application/json",
	".xml":   "application/xml",
	".yaml":  "text/yaml",
	".yml":   "text/yaml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".webp":  "image/webp",
	".avif":  "image/avif",
	".pdf":   "application/pdf",
	".zip":   "application/zip",
	".gz":    "application/gzip",
	".tar":   "application/x-tar",
	".bz2":   "application/x-bzip2",
	".xz":    "application/x-xz",
	".7z":    "application/x-7z-compressed",
	".rar":   "application/vnd.rar",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".mkv":   "video/x-matroska",
	".avi":   "video/x-msvideo",
	".mp3":   "audio/mpeg",
	".ogg":   "audio/ogg",
	".flac":  "audio/flac",
	".wav":   "audio/wav",
	".m4a":   "audio/mp4",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".doc":   "application/msword",
	".docx":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":   "application/vnd.ms-excel",
	".xlsx":  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":   "application/vnd.ms-powerpoint",
	".pptx":  "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":   "application/vnd.oasis.opendocument.text",
	".ods":   "application/vnd.oasis.opendocument.spreadsheet",
	".odp":   "application/vnd.oasis.opendocument.presentation",
}

// ContentType picks a media type from the file extension
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func contentTypeOf(fi os.FileInfo) string {
	if fi.IsDir() {
		return CollectionContentType
	}
	return ContentType(fi.Name())
}

// ETag derives a strong validator from size and modification time
func ETag(fi os.FileInfo) string {
	sum := sha1.Sum([]byte(strconv.FormatInt(fi.Size(), 10) + "-" + strconv.FormatInt(fi.ModTime().UnixMilli(), 10)))
	return `"` + base64.StdEncoding.EncodeToString(sum[:])[:16] + `"`
}

// CreationTime returns the birth time when the platform records one and the
// modification time otherwise
func CreationTime(fi os.FileInfo) time.Time {
	if fi.Sys() == nil || !times.HasBirthTime {
		return fi.ModTime()
	}
	ts := times.Get(fi)
	if !ts.HasBirthTime() {
		return fi.ModTime()
	}
	return ts.BirthTime()
}

func httpTime(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
