// Package observability provides metrics for the deploy service.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrKind    = "kind"
	attrPhase   = "phase"
	attrOutcome = "outcome"
	attrTool    = "tool"
	attrExit    = "exit"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/deploy/abc123/status -> /v1/deploy/{jobId}/status
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func phaseAttr(phase string) attribute.KeyValue {
	return attribute.String(attrPhase, phase)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, strings.ToLower(outcome))
}

func toolAttr(tool string) attribute.KeyValue {
	return attribute.String(attrTool, tool)
}

// exitAttr classifies exit codes; raw codes would explode cardinality.
func exitAttr(code int) attribute.KeyValue {
	class := "nonzero"
	switch {
	case code == 0:
		class = "zero"
	case code < 0:
		class = "error"
	}
	return attribute.String(attrExit, class)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces the job ID segment with a placeholder.
func normalizePath(path string) string {
	const prefix = "/v1/deploy/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" || rest == "simulate" {
		return path
	}
	if _, tail, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + tail
	}
	return prefix + "{jobId}"
}
