package template

import (
	"strings"
	"unicode/utf8"
)

// Marker is appended to content cut by Truncate.
const Marker = "\n\n... (truncated)"

// PreserveRatio is the fraction of the budget that must survive a cut at a
// natural boundary. Boundaries earlier than this fall back to a hard cut.
const PreserveRatio = 0.8

// Platform message length limits.
const (
	GitHubCommentLimit        = 8000
	GitHubSuccessCommentLimit = 4000
	JiraCommentLimit          = 32767
	SlackMessageLimit         = 4000
	SlackBlockLimit           = 3000
)

// Truncate bounds content to budget bytes plus the marker. Content at or under
// budget is returned unchanged. A non-positive budget disables truncation.
func Truncate(content string, budget int) string {
	if budget <= 0 || len(content) <= budget {
		return content
	}

	floor := int(float64(budget) * PreserveRatio)

	cut := lastSentenceEnd(content, floor, budget)
	if cut < 0 && hasMarkdown(content) {
		cut = lastMarkdownBoundary(content, floor, budget)
	}
	if cut < 0 {
		cut = runeBoundary(content, budget)
	}

	return strings.TrimRight(content[:cut], " \t\r\n") + Marker
}

// lastSentenceEnd returns the cut index just past the last '.', '!' or '?'
// followed by whitespace, within [floor, budget].
func lastSentenceEnd(content string, floor, budget int) int {
	for i := budget - 1; i >= 0 && i+1 >= floor; i-- {
		switch content[i] {
		case '.', '!', '?':
			next := i + 1
			if next == len(content) || isSpace(content[next]) {
				return next
			}
		}
	}
	return -1
}

func hasMarkdown(content string) bool {
	if strings.Contains(content, "```") {
		return true
	}
	for _, line := range strings.Split(content, "\n") {
		if isHeader(line) {
			return true
		}
	}
	return false
}

// lastMarkdownBoundary returns the largest structural cut point within
// [floor, budget]: the end of a closing code fence line or the start of a
// header line.
func lastMarkdownBoundary(content string, floor, budget int) int {
	best := -1
	fences := 0
	offset := 0

	for offset < len(content) {
		end := strings.IndexByte(content[offset:], '\n')
		lineEnd := len(content)
		next := len(content)
		if end >= 0 {
			lineEnd = offset + end
			next = lineEnd + 1
		}
		line := content[offset:lineEnd]

		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			fences++
			if fences%2 == 0 && lineEnd >= floor && lineEnd <= budget {
				best = lineEnd
			}
		} else if fences%2 == 0 && isHeader(line) && offset >= floor && offset <= budget {
			best = offset
		}

		if offset > budget {
			break
		}
		offset = next
	}
	return best
}

func isHeader(line string) bool {
	hashes := 0
	for hashes < len(line) && line[hashes] == '#' {
		hashes++
	}
	return hashes >= 1 && hashes <= 6 && hashes < len(line) && line[hashes] == ' '
}

// runeBoundary backs budget off so the cut never splits a UTF-8 sequence.
func runeBoundary(content string, budget int) int {
	cut := budget
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return cut
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
