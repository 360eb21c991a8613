package runner

import (
	"path"
	"regexp"
	"strings"
)

// DefaultPreserved are the project subtrees kept verbatim by Redact.
var DefaultPreserved = []string{"terraform", "manifests"}

// An absolute path starts at a boundary and is followed by a non-slash, so
// the "//host/..." part of a URL never matches.
var absPathPattern = regexp.MustCompile(`(^|[\s"'=(\[<])(/[^\s"'<>()\[\],;/][^\s"'<>()\[\],;]*)`)

// Redactor hides local filesystem layout from tool output.
type Redactor struct {
	preserved []string
}

// NewRedactor returns a Redactor that keeps paths from any of the named
// subtrees onward.
func NewRedactor(subtrees ...string) *Redactor {
	markers := make([]string, len(subtrees))
	for i, s := range subtrees {
		markers[i] = "/" + strings.Trim(s, "/") + "/"
	}
	return &Redactor{preserved: markers}
}

var defaultRedactor = NewRedactor(DefaultPreserved...)

// Redact applies the default Redactor.
func Redact(line string) string {
	return defaultRedactor.Redact(line)
}

// Redact collapses absolute paths in line to their last segment, except
// that a path containing a preserved subtree is kept from the subtree on:
//
//	/home/ci/work/terraform/modules/eks/main.tf -> terraform/modules/eks/main.tf
//	/tmp/astraops/kube-1234/config               -> config
func (r *Redactor) Redact(line string) string {
	if !strings.Contains(line, "/") {
		return line
	}
	return absPathPattern.ReplaceAllStringFunc(line, func(m string) string {
		lead := ""
		if m[0] != '/' {
			lead, m = m[:1], m[1:]
		}
		return lead + r.collapse(m)
	})
}

func (r *Redactor) collapse(p string) string {
	for _, marker := range r.preserved {
		if i := strings.Index(p, marker); i >= 0 {
			return p[i+1:]
		}
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return p
	}
	return path.Base(trimmed)
}
