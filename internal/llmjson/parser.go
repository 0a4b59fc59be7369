// Package llmjson parses JSON out of completion-engine responses. Engine
// output is unreliable: fenced markdown, prose wrappers, trailing commas,
// truncated documents. Parse cascades through progressively more aggressive
// strategies and rejects candidates whose top-level shape does not match the
// caller's expectation.
package llmjson

import (
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Shape constrains the top-level JSON value a caller will accept.
type Shape int

const (
	ShapeAny Shape = iota
	ShapeObject
	ShapeArray
)

func (s Shape) String() string {
	switch s {
	case ShapeObject:
		return "object"
	case ShapeArray:
		return "array"
	default:
		return "any"
	}
}

// ErrUnparseable is returned when every strategy failed or produced the
// wrong shape.
var ErrUnparseable = eris.New("llmjson: no parse strategy succeeded")

// Stats is a snapshot of the package counters. Strategy fields count
// successes attributed to that strategy.
type Stats struct {
	Attempts   int64 `json:"attempts"`
	Direct     int64 `json:"direct"`
	Fenced     int64 `json:"fenced"`
	Repaired   int64 `json:"repaired"`
	Structural int64 `json:"structural"`
	Failures   int64 `json:"failures"`
}

var counters struct {
	attempts, direct, fenced, repaired, structural, failures atomic.Int64
}

// GetStats returns the current package counters.
func GetStats() Stats {
	return Stats{
		Attempts:   counters.attempts.Load(),
		Direct:     counters.direct.Load(),
		Fenced:     counters.fenced.Load(),
		Repaired:   counters.repaired.Load(),
		Structural: counters.structural.Load(),
		Failures:   counters.failures.Load(),
	}
}

// ResetStats zeroes the package counters.
func ResetStats() {
	counters.attempts.Store(0)
	counters.direct.Store(0)
	counters.fenced.Store(0)
	counters.repaired.Store(0)
	counters.structural.Store(0)
	counters.failures.Store(0)
}

// Parse extracts one JSON value of the wanted shape from text.
//
// Strategies, in order: direct parse; fenced-block extraction; textual
// repair of the best candidate; structural repair of the best candidate.
// A strategy that parses but yields the wrong shape does not count and the
// cascade continues.
func Parse(text string, shape Shape) (json.RawMessage, error) {
	counters.attempts.Add(1)
	trimmed := strings.TrimSpace(text)

	if raw, ok := tryParse(trimmed, shape); ok {
		counters.direct.Add(1)
		return raw, nil
	}

	if block := fencedBlock(trimmed); block != "" {
		if raw, ok := tryParse(block, shape); ok {
			counters.fenced.Add(1)
			return raw, nil
		}
	}

	candidate := candidateText(trimmed, shape)

	repaired := textualRepair(candidate)
	if raw, ok := tryParse(repaired, shape); ok {
		counters.repaired.Add(1)
		return raw, nil
	}

	if raw, ok := tryParse(structuralRepair(repaired), shape); ok {
		counters.structural.Add(1)
		return raw, nil
	}

	counters.failures.Add(1)
	zap.L().Debug("response unparseable after all strategies",
		zap.String("shape", shape.String()),
		zap.Int("len", len(text)),
		zap.String("preview", preview(text)))
	return nil, eris.Wrapf(ErrUnparseable, "want %s, response preview %q", shape, preview(text))
}

// candidateText picks the text the repair strategies operate on: a fenced
// block when present, else the best bracket span, else the whole response.
func candidateText(trimmed string, shape Shape) string {
	if block := fencedBlock(trimmed); block != "" {
		return block
	}
	if span := ExtractSpan(trimmed, shape); span != "" {
		return span
	}
	return trimmed
}

// tryParse validates s as a single JSON document of the wanted shape.
func tryParse(s string, shape Shape) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !json.Valid([]byte(s)) {
		return nil, false
	}
	switch shape {
	case ShapeObject:
		if s[0] != '{' {
			return nil, false
		}
	case ShapeArray:
		if s[0] != '[' {
			return nil, false
		}
	}
	return json.RawMessage(s), true
}

// fencedBlock returns the content of the first markdown code fence holding
// JSON. A ```json tagged fence wins over untagged ones; untagged fences
// qualify only when their content opens with a bracket.
func fencedBlock(text string) string {
	var fallback string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		body := rest[start+3:]
		tag := ""
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			tag = strings.TrimSpace(body[:nl])
			body = body[nl+1:]
		}
		end := strings.Index(body, "```")
		if end < 0 {
			// Unterminated fence: take everything after the opener.
			end = len(body)
		}
		content := strings.TrimSpace(body[:end])
		if strings.EqualFold(tag, "json") && content != "" {
			return content
		}
		if fallback == "" && content != "" && (content[0] == '{' || content[0] == '[') {
			fallback = content
		}
		if end == len(body) {
			break
		}
		rest = body[end+3:]
	}
	return fallback
}

// preview truncates text for log lines and error messages.
func preview(text string) string {
	text = strings.TrimSpace(text)
	const max = 160
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
