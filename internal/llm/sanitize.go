package llm

import (
	"regexp"
	"strings"
)

var (
	codeBlockRe = regexp.MustCompile("(?is)```(?:[a-z0-9_+-]*)\\n(.*?)```")
	fenceLineRe = regexp.MustCompile("(?i)^\\s*```[a-z0-9_+-]*\\s*$")
)

// ExtractCodeBlock pulls code out of markdown fences and strips stray
// wrappers, including unterminated fences. When several fenced blocks are
// present the longest wins.
func ExtractCodeBlock(text string) string {
	matches := codeBlockRe.FindAllStringSubmatch(text, -1)
	if len(matches) > 0 {
		longest := matches[0][1]
		for _, match := range matches[1:] {
			if len(match[1]) > len(longest) {
				longest = match[1]
			}
		}
		return strings.TrimSpace(longest)
	}

	raw := strings.TrimSpace(text)
	if raw == "" {
		return raw
	}

	var cleaned []string
	for index, line := range strings.Split(raw, "\n") {
		if fenceLineRe.MatchString(line) {
			continue
		}
		if index == 0 && strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
