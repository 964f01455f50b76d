package dav

import (
	"regexp"
	"strconv"
)

var rangePattern = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// byteRange is an inclusive span of a file
type byteRange struct {
	start, end int64
}

func (br byteRange) length() int64 {
	return br.end - br.start + 1
}

// parseRange interprets a single-range header against size. ok is false when
// the header should be ignored; unsatisfiable is true for a 416 response.
func parseRange(header string, size int64) (br byteRange, ok, unsatisfiable bool) {
	m := rangePattern.FindStringSubmatch(header)
	if m == nil || (m[1] == "" && m[2] == "") {
		return byteRange{}, false, false
	}

	if m[1] == "" {
		n, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return byteRange{}, false, false
		}
		br = byteRange{start: max(0, size-n), end: size - 1}
	} else {
		start, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return byteRange{}, false, false
		}
		end := size - 1
		if m[2] != "" {
			if end, err = strconv.ParseInt(m[2], 10, 64); err != nil {
				return byteRange{}, false, false
			}
		}
		br = byteRange{start: start, end: min(end, size-1)}
	}

	if br.start > br.end || br.start >= size {
		return br, true, true
	}
	return br, true, false
}
