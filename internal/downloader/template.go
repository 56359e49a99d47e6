package downloader

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// DefaultFilenameTemplate names files after the title and source id
const DefaultFilenameTemplate = "{title} [{id}]"

// TemplateData holds the values available to a filename template
type TemplateData struct {
	Title    string
	ID       string
	Index    int // 1-based position within a collection
	Playlist string
	Kind     Kind
	Quality  string
}

var (
	emptyParens   = regexp.MustCompile(`\(\s*\)`)
	emptyBrackets = regexp.MustCompile(`\[\s*\]`)
	spaceRun      = regexp.MustCompile(`\s+`)
	templateVar   = regexp.MustCompile(`\{([a-z]+)(?::[^}]+)?\}`)
)

// ParseTemplate expands a filename template into a sanitized base name
// without extension. Supported variables:
//
//	{title} - Media title, the id when the title is unknown
//	{id} - Source id
//	{index} or {index:03d} - Position within a playlist (with optional padding)
//	{playlist} - Playlist title
//	{kind} - video or audio
//	{quality} - Requested quality tier
func ParseTemplate(template string, data TemplateData) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template cannot be empty")
	}

	title := data.Title
	if title == "" {
		title = data.ID
	}

	result := template
	result = strings.ReplaceAll(result, "{title}", title)
	result = strings.ReplaceAll(result, "{id}", data.ID)
	result = strings.ReplaceAll(result, "{playlist}", data.Playlist)
	result = strings.ReplaceAll(result, "{kind}", string(data.Kind))
	result = strings.ReplaceAll(result, "{quality}", data.Quality)
	result = replaceNumberTemplate(result, "index", data.Index)

	// "Title []" -> "Title" when the id is unknown
	result = emptyParens.ReplaceAllString(result, "")
	result = emptyBrackets.ReplaceAllString(result, "")
	result = spaceRun.ReplaceAllString(result, " ")

	return SanitizeFilename(strings.TrimSpace(result)), nil
}

// replaceNumberTemplate replaces number templates like {index} or {index:03d}
func replaceNumberTemplate(template, variable string, value int) string {
	pattern := regexp.MustCompile(fmt.Sprintf(`\{%s(?::(\d+)d)?\}`, variable))

	return pattern.ReplaceAllStringFunc(template, func(match string) string {
		matches := pattern.FindStringSubmatch(match)
		if len(matches) > 1 && matches[1] != "" {
			padding, err := strconv.Atoi(matches[1])
			if err != nil {
				padding = 0
			}
			return fmt.Sprintf("%0*d", padding, value)
		}
		return strconv.Itoa(value)
	})
}

// SanitizeFilename removes or replaces invalid characters from a filename
func SanitizeFilename(filename string) string {
	replacements := map[rune]string{
		'/':  "-",
		'\\': "-",
		':':  " -", // Windows
		'*':  "",
		'?':  "",
		'"':  "'",
		'<':  "",
		'>':  "",
		'|':  "-",
		'\n': " ",
		'\r': " ",
		'\t': " ",
	}

	var b strings.Builder
	b.Grow(len(filename))
	for _, ch := range filename {
		if r, ok := replacements[ch]; ok {
			b.WriteString(r)
		} else if unicode.IsPrint(ch) {
			b.WriteRune(ch)
		}
	}

	cleaned := spaceRun.ReplaceAllString(b.String(), " ")
	cleaned = strings.Trim(cleaned, " .")
	if cleaned == "" {
		return "download"
	}

	// Leave room for the " (n)" suffix and the extension
	if len(cleaned) > 200 {
		cleaned = truncateUTF8(cleaned, 200)
		if lastSpace := strings.LastIndex(cleaned, " "); lastSpace > 150 {
			cleaned = cleaned[:lastSpace]
		}
		cleaned = strings.TrimRight(cleaned, " .-")
	}

	return cleaned
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// uniqueName returns name, or name with " (n)" appended, such that taken
// reports false for it.
func uniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)", name, i)
		if !taken(candidate) {
			return candidate
		}
	}
}

// escapeOutputTemplate protects literal percent signs in a base name from
// the extractor's own template expansion.
func escapeOutputTemplate(base string) string {
	return strings.ReplaceAll(base, "%", "%%")
}

// ValidateTemplate checks if a template string is valid
func ValidateTemplate(template string) error {
	if template == "" {
		return fmt.Errorf("template cannot be empty")
	}

	openBraces := strings.Count(template, "{")
	closeBraces := strings.Count(template, "}")
	if openBraces != closeBraces {
		return fmt.Errorf("unbalanced braces in template: %d open, %d close", openBraces, closeBraces)
	}

	validVars := map[string]bool{
		"title":    true,
		"id":       true,
		"index":    true,
		"playlist": true,
		"kind":     true,
		"quality":  true,
	}
	for _, match := range templateVar.FindAllStringSubmatch(template, -1) {
		if !validVars[match[1]] {
			return fmt.Errorf("invalid template variable: {%s}", match[1])
		}
	}

	return nil
}
