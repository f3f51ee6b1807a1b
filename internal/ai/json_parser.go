// Package ai provides the LLM supervisor used by the consolidation pipeline
// for group-coherence review and canonicalization fallback reasoning.
package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Pre-compiled patterns; compiling per parse is much slower.
var (
	// Code fences: ```json\n{...}\n```, ```{...}```, etc. Newlines optional
	// because models occasionally omit them.
	codeFenceRegex = regexp.MustCompile(`(?s)` + "`" + `{3}(?:json)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}`)

	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	lineCommentRegex   = regexp.MustCompile(`(?m)//.*$`)

	// Greedy so nested structures survive extraction from mixed content.
	jsonObjectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	jsonArrayRegex  = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// maxParseInput caps how much model output we attempt to parse.
const maxParseInput = 10 * 1024 * 1024

// ParseResult is the outcome of a resilient JSON parse. A failed result is
// the "Malformed" variant: callers branch on Success and apply their
// documented fail-safe default instead of touching Data.
type ParseResult[T any] struct {
	Success bool
	Data    T
	Error   string
}

// Parse decodes LLM output into T, tolerating the usual formatting quirks.
//
// Strategy sequence:
//  1. direct JSON parse
//  2. strip markdown code fences and retry
//  3. fix trailing commas / comments and retry
//  4. extract a JSON object or array from mixed prose and retry
//
// context names the call site in log lines.
func Parse[T any](text, context string) ParseResult[T] {
	if len(text) > maxParseInput {
		return parseFailure[T](context, fmt.Sprintf("input exceeds %d bytes", maxParseInput))
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseFailure[T](context, "empty input")
	}

	if data, err := tryDecode[T](trimmed); err == nil {
		return ParseResult[T]{Success: true, Data: data}
	} else {
		slog.Debug("direct JSON parse failed, trying cleanup strategies",
			"context", context, "error", err.Error(), "preview", truncate(trimmed, 100))
	}

	unfenced := removeCodeFences(trimmed)
	if unfenced != trimmed {
		if data, err := tryDecode[T](unfenced); err == nil {
			return ParseResult[T]{Success: true, Data: data}
		}
	}

	cleaned := cleanupJSON(unfenced)
	if data, err := tryDecode[T](cleaned); err == nil {
		return ParseResult[T]{Success: true, Data: data}
	}

	if extracted := extractJSON(cleaned); extracted != "" {
		if data, err := tryDecode[T](extracted); err == nil {
			return ParseResult[T]{Success: true, Data: data}
		}
	}

	return parseFailure[T](context, "all JSON parsing strategies failed")
}

func tryDecode[T any](text string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(text), &result)
	return result, err
}

func removeCodeFences(text string) string {
	cleaned := codeFenceRegex.ReplaceAllString(text, "$1")
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.Trim(cleaned, "`")
	}
	return strings.TrimSpace(cleaned)
}

// cleanupJSON fixes trailing commas and // comments. Single quotes are left
// alone: rewriting them breaks valid JSON containing apostrophes.
func cleanupJSON(text string) string {
	cleaned := trailingCommaRegex.ReplaceAllString(strings.TrimSpace(text), "$1")
	cleaned = lineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// extractJSON pulls a JSON object or array out of surrounding prose. The
// first-character check keeps an array from being shredded into its first
// element.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if match := jsonArrayRegex.FindString(text); match != "" {
			return match
		}
	}
	if match := jsonObjectRegex.FindString(text); match != "" {
		return match
	}
	return jsonArrayRegex.FindString(text)
}

func parseFailure[T any](context, message string) ParseResult[T] {
	var zero T
	if context != "" {
		message = context + ": " + message
	}
	return ParseResult[T]{Success: false, Data: zero, Error: message}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
