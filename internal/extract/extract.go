// Package extract pulls structured JSON out of free-text LLM output.
// Absence or malformation is a normal outcome, never an error: callers get a
// boolean and branch on "no structured data", not on parse mechanics.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	// fencedObject matches a JSON object inside a markdown code block.
	fencedObject = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*?\\})\\s*```")
	// fencedArray matches a JSON array inside a markdown code block.
	fencedArray = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*?\\])\\s*```")
	// bareObject matches any JSON object (greedy fallback).
	bareObject = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// bareArray matches any JSON array (greedy fallback).
	bareArray = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	// trailingComma matches trailing commas before ] or }.
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// Object finds a JSON object in text and decodes it into out. A fenced block
// wins over a bare literal. Returns false when nothing decodable is present.
func Object(text string, out any) bool {
	if m := fencedObject.FindStringSubmatch(text); len(m) > 1 {
		if decode(m[1], out) {
			return true
		}
	}
	if m := bareObject.FindString(text); m != "" {
		return decode(m, out)
	}
	return false
}

// Array finds a JSON array in text and decodes it into out.
func Array(text string, out any) bool {
	if m := fencedArray.FindStringSubmatch(text); len(m) > 1 {
		if decode(m[1], out) {
			return true
		}
	}
	if m := bareArray.FindString(text); m != "" {
		return decode(m, out)
	}
	return false
}

func decode(raw string, out any) bool {
	return json.Unmarshal([]byte(clean(raw)), out) == nil
}

// clean removes JavaScript-style comments and trailing commas, which LLMs
// commonly produce inside otherwise valid JSON.
func clean(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")
	return trailingComma.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string
// values so URLs survive intact.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
