package dav

import (
	"net/http"
	"os"
	"strings"
	"time"
)

// checkConditional evaluates the read preconditions in order: If-Match,
// If-None-Match, If-Modified-Since, If-Unmodified-Since. A zero status means
// the request proceeds.
func checkConditional(r *http.Request, fi os.FileInfo) int {
	etag := ETag(fi)
	mtime := fi.ModTime().Truncate(time.Second)

	if im := r.Header.Get("If-Match"); im != "" && !etagListMatches(im, etag) {
		return http.StatusPreconditionFailed
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && etagListMatches(inm, etag) {
		return http.StatusNotModified
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !mtime.After(t) {
			return http.StatusNotModified
		}
	}
	if ius := r.Header.Get("If-Unmodified-Since"); ius != "" {
		if t, err := http.ParseTime(ius); err == nil && mtime.After(t) {
			return http.StatusPreconditionFailed
		}
	}
	return 0
}

// checkWritePreconditions applies If-Match and If-None-Match to a write.
// fi is nil when the target does not exist yet.
func checkWritePreconditions(r *http.Request, fi os.FileInfo) error {
	if im := r.Header.Get("If-Match"); im != "" {
		if fi == nil || !etagListMatches(im, ETag(fi)) {
			return errPrecondition
		}
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && fi != nil {
		if etagListMatches(inm, ETag(fi)) {
			return errPrecondition
		}
	}
	return nil
}

// etagListMatches reports whether a comma-separated entity-tag list names
// etag. "*" matches anything and weak prefixes are ignored.
func etagListMatches(list, etag string) bool {
	for _, candidate := range strings.Split(list, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
