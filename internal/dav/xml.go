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
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"webdavd/internal/locks"
	"webdavd/internal/props"
)

const davNS = "DAV:"

const xmlHeader = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// Request bodies. Element names are matched in any namespace.

type xmlInner struct {
	XMLName  xml.Name
	InnerXML string `xml:",innerxml"`
}

type xmlPropfind struct {
	XMLName  xml.Name  `xml:"propfind"`
	AllProp  *struct{} `xml:"allprop"`
	PropName *struct{} `xml:"propname"`
	Prop     *struct {
		Names []xmlInner `xml:",any"`
	} `xml:"prop"`
}

type xmlLockInfo struct {
	XMLName   xml.Name  `xml:"lockinfo"`
	Exclusive *struct{} `xml:"lockscope>exclusive"`
	Shared    *struct{} `xml:"lockscope>shared"`
	Owner     *xmlInner `xml:"owner"`
}

type propfindKind int

const (
	findAllProp propfindKind = iota
	findPropName
	findNamed
)

type propfindRequest struct {
	kind  propfindKind
	names []props.Name
}

func isBlank(body []byte) bool {
	return len(bytes.TrimSpace(body)) == 0
}

// parsePropfind decodes a PROPFIND body; an empty body means allprop
func parsePropfind(body []byte) (propfindRequest, error) {
	if isBlank(body) {
		return propfindRequest{kind: findAllProp}, nil
	}
	var pf xmlPropfind
	if err := xml.Unmarshal(body, &pf); err != nil {
		return propfindRequest{}, errMalformedXML
	}
	switch {
	case pf.PropName != nil:
		return propfindRequest{kind: findPropName}, nil
	case pf.Prop != nil:
		req := propfindRequest{kind: findNamed}
		for _, n := range pf.Prop.Names {
			req.names = append(req.names, props.Name{Space: n.XMLName.Space, Local: n.XMLName.Local})
		}
		return req, nil
	}
	return propfindRequest{kind: findAllProp}, nil
}

type patchOp struct {
	remove bool
	name   props.Name
	value  string
}

// parseProppatch walks a propertyupdate body and returns its set and remove
// instructions in document order
func parseProppatch(body []byte) ([]patchOp, error) {
	if isBlank(body) {
		return nil, errMalformedXML
	}
	d := xml.NewDecoder(bytes.NewReader(body))
	var (
		ops    []patchOp
		depth  int
		remove bool
		root   bool
	)
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errMalformedXML
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch depth {
			case 0:
				if t.Name.Local != "propertyupdate" {
					return nil, errMalformedXML
				}
				root = true
			case 1:
				switch t.Name.Local {
				case "set":
					remove = false
				case "remove":
					remove = true
				default:
					if err := d.Skip(); err != nil {
						return nil, errMalformedXML
					}
					continue
				}
			case 2:
				if t.Name.Local != "prop" {
					if err := d.Skip(); err != nil {
						return nil, errMalformedXML
					}
					continue
				}
			default:
				var el xmlInner
				if err := d.DecodeElement(&el, &t); err != nil {
					return nil, errMalformedXML
				}
				op := patchOp{remove: remove, name: props.Name{Space: t.Name.Space, Local: t.Name.Local}}
				if !remove {
					op.value = el.InnerXML
				}
				ops = append(ops, op)
				continue
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if !root {
		return nil, errMalformedXML
	}
	return ops, nil
}

// parseLockInfo returns the requested scope and raw owner fragment
func parseLockInfo(body []byte) (locks.Scope, string, error) {
	var li xmlLockInfo
	if err := xml.Unmarshal(body, &li); err != nil {
		return "", "", errMalformedXML
	}
	scope := locks.Exclusive
	if li.Shared != nil && li.Exclusive == nil {
		scope = locks.Shared
	}
	owner := ""
	if li.Owner != nil {
		owner = strings.TrimSpace(li.Owner.InnerXML)
	}
	return scope, owner, nil
}

// Response rendering

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func statusLine(code int) string {
	return "HTTP/1.1 " + strconv.Itoa(code) + " " + http.StatusText(code)
}

// element renders a property element with an optional raw inner fragment
func element(name props.Name, inner string, empty bool) string {
	open, closing := "", ""
	switch name.Space {
	case davNS:
		open, closing = "D:"+name.Local, "D:"+name.Local
	case "":
		open, closing = name.Local+` xmlns=""`, name.Local
	default:
		open, closing = "Z:"+name.Local+` xmlns:Z="`+escape(name.Space)+`"`, "Z:"+name.Local
	}
	if empty {
		return "<" + open + "/>"
	}
	return "<" + open + ">" + inner + "</" + closing + ">"
}

type propstat struct {
	status int
	props  []string
}

func writeResponse(b *strings.Builder, href string, stats []propstat) {
	b.WriteString("<D:response><D:href>")
	b.WriteString(escape(href))
	b.WriteString("</D:href>")
	for _, ps := range stats {
		if len(ps.props) == 0 {
			continue
		}
		b.WriteString("<D:propstat><D:prop>")
		for _, p := range ps.props {
			b.WriteString(p)
		}
		b.WriteString("</D:prop><D:status>")
		b.WriteString(statusLine(ps.status))
		b.WriteString("</D:status></D:propstat>")
	}
	b.WriteString("</D:response>\n")
}

const (
	multistatusOpen  = `<D:multistatus xmlns:D="DAV:">` + "\n"
	multistatusClose = "</D:multistatus>\n"
)

func timeoutValue(l locks.Lock, now time.Time) string {
	secs := int64(math.Ceil(l.Remaining(now).Seconds()))
	return "Second-" + strconv.FormatInt(secs, 10)
}

func activeLock(l locks.Lock, now time.Time) string {
	var b strings.Builder
	b.WriteString("<D:activelock><D:locktype><D:write/></D:locktype><D:lockscope><D:")
	b.WriteString(string(l.Scope))
	b.WriteString("/></D:lockscope><D:depth>")
	b.WriteString(l.Depth)
	b.WriteString("</D:depth>")
	if l.Owner != "" {
		b.WriteString("<D:owner>" + l.Owner + "</D:owner>")
	}
	b.WriteString("<D:timeout>" + timeoutValue(l, now) + "</D:timeout>")
	b.WriteString("<D:locktoken><D:href>" + escape(l.Token) + "</D:href></D:locktoken>")
	b.WriteString("<D:lockroot><D:href>" + escape(l.Href) + "</D:href></D:lockroot>")
	b.WriteString("</D:activelock>")
	return b.String()
}

// lockDiscoveryEntries renders the activelock elements of active
func lockDiscoveryEntries(active []locks.Lock, now time.Time) string {
	var b strings.Builder
	for _, l := range active {
		b.WriteString(activeLock(l, now))
	}
	return b.String()
}

func lockDiscovery(active []locks.Lock, now time.Time) string {
	return "<D:lockdiscovery>" + lockDiscoveryEntries(active, now) + "</D:lockdiscovery>"
}

const supportedLockEntries = "<D:lockentry><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry>" +
	"<D:lockentry><D:lockscope><D:shared/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry>"
