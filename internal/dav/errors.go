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
	"io/fs"
	"net/http"
	"syscall"

	"webdavd/internal/common"
	"webdavd/internal/locks"
)

// Error is an HTTP failure a method handler wants reported to the client
type Error struct {
	Status  int
	Message string
	Header  http.Header
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func newError(status int, msg string) *Error {
	return &Error{Status: status, Message: msg}
}

func errorf(status int, format string, args ...any) *Error {
	return newError(status, fmt.Sprintf(format, args...))
}

// with adds a response header to the error
func (e *Error) with(key, value string) *Error {
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	e.Header.Set(key, value)
	return e
}

var (
	errNotFound        = newError(http.StatusNotFound, "Not Found")
	errPrecondition    = newError(http.StatusPreconditionFailed, "Precondition Failed")
	errBadDepth        = newError(http.StatusBadRequest, "Bad Request: invalid Depth header")
	errMalformedXML    = newError(http.StatusBadRequest, "Bad Request: malformed XML body")
	errMissingDest     = newError(http.StatusBadRequest, "Bad Request: missing Destination header")
	errBadDest         = newError(http.StatusBadRequest, "Bad Request: malformed Destination header")
	errSameDestination = newError(http.StatusForbidden, "Forbidden: source equals destination")
	errDestInsideSrc   = newError(http.StatusForbidden, "Forbidden: destination is inside source")
	errSrcInsideDest   = newError(http.StatusForbidden, "Forbidden: source is inside destination")
)

func lockedError(l locks.Lock) *Error {
	return newError(http.StatusLocked, "Locked: "+l.Href)
}

// toError maps any handler failure to the response the client sees.
// Unknown errors become 500 and are flagged for logging.
func toError(err error) (e *Error, internal bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, false
	}
	if l, ok := locks.IsConflict(err); ok {
		return lockedError(l), false
	}
	switch {
	case errors.Is(err, common.ErrForbidden):
		return newError(http.StatusForbidden, "Forbidden"), false
	case errors.Is(err, common.ErrInvalidPath):
		return newError(http.StatusBadRequest, "Bad Request: invalid path"), false
	case errors.Is(err, common.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return errNotFound, false
	case errors.Is(err, common.ErrTooLarge):
		return newError(http.StatusRequestEntityTooLarge, "Payload Too Large"), false
	case errors.Is(err, common.ErrNotDir), errors.Is(err, syscall.ENOTDIR):
		return newError(http.StatusConflict, "Conflict: parent is not a collection"), false
	case errors.Is(err, common.ErrLocked):
		return newError(http.StatusLocked, "Locked"), false
	}
	return newError(http.StatusInternalServerError, "Internal Server Error"), true
}
