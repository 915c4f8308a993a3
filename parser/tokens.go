// Package parser pulls anti-forgery tokens and embedded session state out of
// fetched documents.
package parser

import (
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

// Input names that carry verification tokens even when not type=hidden.
var verificationInputs = []string{
	"__RequestVerificationToken",
	"_token",
	"csrf_token",
	"csrfmiddlewaretoken",
	"authenticity_token",
}

var metaTokenNames = map[string]bool{
	"csrf-token": true,
	"csrf-param": true,
	"csrf_token": true,
	"_token":     true,
	"xsrf-token": true,
}

// Script assignments whose right-hand side is a JSON state object.
var stateAssignment = regexp.MustCompile(`(?:window\.(?:__INITIAL_STATE__|__NEXT_DATA__|appData|config)|var\s+sessionData)\s*=\s*`)

// Loose token patterns for documents that are not HTML at all.
var rawTokenPatterns = []struct {
	key     string
	pattern *regexp.Regexp
}{
	{key: "csrf_token", pattern: regexp.MustCompile(`"csrf_token"\s*:\s*"([^"]*)"`)},
	{key: "_token", pattern: regexp.MustCompile(`"_token"\s*:\s*"([^"]*)"`)},
}

// ExtractTokens returns every token-like field found in document. It never
// fails: a document without tokens yields an empty map. When the same field
// appears more than once the last occurrence in document order wins. The raw
// patterns only fill keys that no element produced.
func ExtractTokens(document string) map[string]string {
	fields := make(map[string]string)
	if strings.TrimSpace(document) == "" {
		return fields
	}

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(document)); err == nil {
		doc.Find("input, meta, script").Each(func(_ int, s *goquery.Selection) {
			switch goquery.NodeName(s) {
			case "input":
				extractInput(s, fields)
			case "meta":
				extractMeta(s, fields)
			case "script":
				extractScript(s, fields)
			}
		})
	}

	raw := make(map[string]string)
	for _, p := range rawTokenPatterns {
		for _, m := range p.pattern.FindAllStringSubmatch(document, -1) {
			raw[p.key] = m[1]
		}
	}
	for key, value := range raw {
		if _, ok := fields[key]; !ok {
			fields[key] = value
		}
	}
	return fields
}

// FirstToken returns the value of the first key present in fields.
func FirstToken(fields map[string]string, keys []string) (string, bool) {
	for _, key := range keys {
		if value, ok := fields[key]; ok && value != "" {
			return value, true
		}
	}
	return "", false
}

func extractInput(s *goquery.Selection, fields map[string]string) {
	name, ok := s.Attr("name")
	if !ok {
		return
	}
	if strings.EqualFold(s.AttrOr("type", ""), "hidden") {
		fields[name] = s.AttrOr("value", "")
		return
	}
	if value, ok := s.Attr("value"); ok && slices.Contains(verificationInputs, name) {
		fields[name] = value
	}
}

func extractMeta(s *goquery.Selection, fields map[string]string) {
	name, _ := s.Attr("name")
	if !metaTokenNames[strings.ToLower(name)] {
		return
	}
	if content, ok := s.Attr("content"); ok {
		fields[name] = content
	}
}

func extractScript(s *goquery.Selection, fields map[string]string) {
	text := s.Text()
	if strings.EqualFold(s.AttrOr("type", ""), "application/json") {
		flattenJSON(strings.TrimSpace(text), fields)
		return
	}
	for _, loc := range stateAssignment.FindAllStringIndex(text, -1) {
		if object, ok := balancedObject(text[loc[1]:]); ok {
			flattenJSON(object, fields)
		}
	}
}

// flattenJSON merges the top-level keys of a JSON object into fields.
// Nested values are kept as raw JSON.
func flattenJSON(text string, fields map[string]string) {
	if !gjson.Valid(text) {
		return
	}
	parsed := gjson.Parse(text)
	if !parsed.IsObject() {
		return
	}
	parsed.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = value.String()
		return true
	})
}

// balancedObject returns the {...} literal at the start of text, honouring
// nested braces and string literals.
func balancedObject(text string) (string, bool) {
	if !strings.HasPrefix(text, "{") {
		return "", false
	}
	depth := 0
	var quote byte
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[:i+1], true
			}
		}
	}
	return "", false
}
