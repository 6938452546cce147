package pipeline

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/contextmesh/ragcore/pkg/models"
)

var (
	htmlTagPattern    = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlScriptPattern = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
	mdCodeFence       = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?")
	mdLinkPattern     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdHeadingPattern  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdEmphasisPattern = regexp.MustCompile(`\*{1,3}([^*]+)\*{1,3}|_{1,3}([^_]+)_{1,3}`)
)

// ExtractText converts raw document content into plain text based on its
// content type. Unknown types fall back to plain text when the content
// is valid UTF-8.
func ExtractText(contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}

	// Strip any charset parameter
	mediaType := contentType
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	switch mediaType {
	case "text/plain", "":
		return string(data), nil
	case "text/markdown":
		return extractMarkdown(string(data)), nil
	case "text/html":
		return extractHTML(string(data)), nil
	case "application/json":
		return extractJSON(data)
	default:
		if strings.HasPrefix(mediaType, "text/") {
			return string(data), nil
		}
		return "", fmt.Errorf("%w: unsupported content type %q", models.ErrExtraction, contentType)
	}
}

// extractMarkdown strips formatting syntax while keeping the prose
func extractMarkdown(text string) string {
	text = mdCodeFence.ReplaceAllString(text, "")
	text = mdLinkPattern.ReplaceAllString(text, "$1")
	text = mdHeadingPattern.ReplaceAllString(text, "")
	text = mdEmphasisPattern.ReplaceAllString(text, "$1$2")
	text = strings.ReplaceAll(text, "`", "")
	return text
}

// extractHTML drops script/style blocks, strips tags and decodes entities
func extractHTML(text string) string {
	text = htmlScriptPattern.ReplaceAllString(text, " ")
	text = htmlTagPattern.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	// Collapse the whitespace the tag removal left behind
	return strings.Join(strings.Fields(text), " ")
}

// extractJSON walks the document and collects scalar values with their
// key paths, one per line, in stable key order
func extractJSON(data []byte) (string, error) {
	var root interface{}
	if err := json.Unmarshal(data, &root); err != nil {
		return "", fmt.Errorf("%w: invalid JSON: %v", models.ErrExtraction, err)
	}

	var lines []string
	walkJSON("", root, &lines)
	return strings.Join(lines, "\n"), nil
}

func walkJSON(path string, node interface{}, lines *[]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkJSON(joinPath(path, k), v[k], lines)
		}
	case []interface{}:
		for i, item := range v {
			walkJSON(fmt.Sprintf("%s[%d]", path, i), item, lines)
		}
	case string:
		if v != "" {
			*lines = append(*lines, fmt.Sprintf("%s: %s", path, v))
		}
	case float64:
		*lines = append(*lines, fmt.Sprintf("%s: %v", path, v))
	case bool:
		*lines = append(*lines, fmt.Sprintf("%s: %t", path, v))
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
