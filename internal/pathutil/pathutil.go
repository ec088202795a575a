// Package pathutil holds small helpers for matching request paths.
package pathutil

import "strings"

// HasDotSegments reports whether any segment of p is "." or "..". Such
// paths are never served as static assets: "/static/../dashboard" must not
// skip access control.
func HasDotSegments(p string) bool {
	for seg := range strings.SplitSeq(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// HasAnyPrefix reports whether p starts with one of prefixes.
func HasAnyPrefix(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		if strings.HasPrefix(p, pre) {
			return true
		}
	}
	return false
}

// Ext returns the extension of the last segment without the dot, or "" when
// there is none. Case is preserved: "/x/Inter.WOFF2" is not a woff2 asset.
func Ext(p string) string {
	last := p[strings.LastIndexByte(p, '/')+1:]
	i := strings.LastIndexByte(last, '.')
	if i < 0 || i == len(last)-1 {
		return ""
	}
	return last[i+1:]
}
