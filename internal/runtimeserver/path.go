package runtimeserver

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

var (
	errPathNullByte  = errors.New("path contains null byte")
	errPathTraversal = errors.New("path contains traversal sequence")
	errPathEncoding  = errors.New("invalid path encoding")
)

// CanonicalisePath decodes and cleans an escaped request path. Traversal
// segments and null bytes are rejected, including percent-encoded forms.
// Repeated slashes are collapsed.
func CanonicalisePath(raw string) (string, error) {
	if raw == "" {
		return "/", nil
	}
	if strings.ContainsRune(raw, 0) {
		return "", errPathNullByte
	}

	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", errPathEncoding
	}
	if strings.ContainsRune(decoded, 0) {
		return "", errPathNullByte
	}
	if containsTraversal(decoded) {
		return "", errPathTraversal
	}

	cleaned := path.Clean("/" + decoded)
	if strings.HasSuffix(decoded, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned, nil
}

func containsTraversal(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}
