package knowledge

import (
	"strings"
	"unicode/utf8"
)

const (
	defaultMaxChunkTokens = 800
	defaultOverlapChars   = 100
)

type documentChunk struct {
	Text       string
	Index      int
	TokenCount int
	StartLine  int
	EndLine    int
}

type docHeading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

type documentMeta struct {
	Headings     []docHeading
	HasCodeBlock bool
	HasList      bool
	WordCount    int
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}

func tailRunes(value string, count int) string {
	if count <= 0 || value == "" {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= count {
		return value
	}
	return string(runes[len(runes)-count:])
}

func splitDocument(content string, maxTokens int, overlapChars int) []documentChunk {
	if maxTokens <= 0 {
		maxTokens = defaultMaxChunkTokens
	}
	if overlapChars < 0 {
		overlapChars = defaultOverlapChars
	}

	normalized := normalizeNewlines(content)
	if normalized == "" {
		return nil
	}

	lines := strings.Split(normalized, "\n")
	chunks := make([]documentChunk, 0, estimateTokens(normalized)/maxTokens+1)

	current := ""
	startLine := 1
	endLine := 1

	for i, line := range lines {
		lineNo := i + 1
		if i == 0 {
			current = line
			startLine = lineNo
			endLine = lineNo
			continue
		}

		candidate := current + "\n" + line
		if estimateTokens(candidate) > maxTokens && current != "" {
			chunks = append(chunks, documentChunk{
				Text:       current,
				Index:      len(chunks),
				TokenCount: estimateTokens(current),
				StartLine:  startLine,
				EndLine:    endLine,
			})
			overlap := tailRunes(current, overlapChars)
			current = overlap + "\n" + line
			startLine = lineNo
			endLine = lineNo
			continue
		}

		current = candidate
		endLine = lineNo
	}

	if current != "" || len(chunks) == 0 {
		chunks = append(chunks, documentChunk{
			Text:       current,
			Index:      len(chunks),
			TokenCount: estimateTokens(current),
			StartLine:  startLine,
			EndLine:    endLine,
		})
	}

	return chunks
}

func analyzeDocument(content string) documentMeta {
	normalized := normalizeNewlines(content)
	meta := documentMeta{
		HasCodeBlock: strings.Contains(normalized, "```"),
		WordCount:    len(strings.Fields(normalized)),
	}

	for _, line := range strings.Split(normalized, "\n") {
		trimmed := strings.TrimSpace(line)
		if level := headingLevel(trimmed); level > 0 {
			text := strings.TrimSpace(trimmed[level:])
			if text != "" {
				meta.Headings = append(meta.Headings, docHeading{Level: level, Text: text})
			}
		}
		if !meta.HasList && isListLine(trimmed) {
			meta.HasList = true
		}
	}

	return meta
}

func headingLevel(line string) int {
	level := 0
	for _, ch := range line {
		if ch != '#' {
			break
		}
		level++
	}
	if level == 0 || level > 6 || len(line) <= level {
		return 0
	}
	if line[level] != ' ' && line[level] != '\t' {
		return 0
	}
	return level
}

func isListLine(line string) bool {
	if len(line) < 2 {
		return false
	}
	switch line[0] {
	case '-', '*', '+':
		return line[1] == ' ' || line[1] == '\t'
	default:
		return false
	}
}
