package chunk

import (
	"strings"
)

// Strategy is one of the closed set of splitting algorithms.
type Strategy int

const (
	// SlidingWindow cuts fixed-size overlapping word windows.
	SlidingWindow Strategy = iota
	// Section splits on second-level headers, sub-splitting long sections
	// on paragraph boundaries.
	Section
	// DateEntry splits journal notes on third-level headers.
	DateEntry
	// Semantic merges adjacent paragraphs up to the token ceiling.
	Semantic
)

func (s Strategy) String() string {
	switch s {
	case Section:
		return "section"
	case DateEntry:
		return "date_entry"
	case Semantic:
		return "semantic"
	default:
		return "sliding_window"
	}
}

// Select picks the strategy for a note from its path and content.
func Select(notePath, content string, cfg Config) Strategy {
	cfg = cfg.withDefaults()
	dir := ""
	if i := strings.IndexByte(notePath, '/'); i >= 0 {
		dir = notePath[:i]
	}
	if dir == cfg.DailyDir {
		return DateEntry
	}
	if hasHeader(content, "## ") {
		return Section
	}
	return SlidingWindow
}

func isFence(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), "```")
}

// hasHeader reports whether any line outside a code fence starts with marker.
func hasHeader(text, marker string) bool {
	inFence := false
	for _, line := range strings.Split(text, "\n") {
		if isFence(line) {
			inFence = !inFence
			continue
		}
		if !inFence && strings.HasPrefix(line, marker) {
			return true
		}
	}
	return false
}

// headerSections splits text on lines starting with marker. The header text
// prefixes its section; text before the first header is its own section.
func headerSections(text, marker string, subSplit bool, cfg Config) []string {
	var (
		out     []string
		header  string
		lines   []string
		inFence bool
	)

	flush := func() {
		body := strings.TrimSpace(strings.Join(lines, "\n"))
		lines = nil
		if body == "" {
			return
		}
		full := body
		if header != "" {
			full = header + "\n" + body
		}
		if subSplit && ApproxTokens(full) > cfg.MaxTokens {
			out = append(out, mergeParagraphs(extractParagraphs(full), cfg.MaxTokens)...)
			return
		}
		out = append(out, full)
	}

	for _, line := range strings.Split(text, "\n") {
		if isFence(line) {
			inFence = !inFence
		} else if !inFence && strings.HasPrefix(line, marker) {
			flush()
			header = strings.TrimSpace(line[len(marker):])
			continue
		}
		lines = append(lines, line)
	}
	flush()
	return out
}

// unit is an indivisible run of words: a single word, or a whole fenced
// code block.
type unit struct {
	text  string
	words int
}

func splitUnits(text string) []unit {
	var (
		out     []unit
		fence   []string
		inFence bool
	)
	for _, line := range strings.Split(text, "\n") {
		if isFence(line) {
			fence = append(fence, line)
			if inFence {
				block := strings.Join(fence, "\n")
				out = append(out, unit{text: block, words: len(strings.Fields(block))})
				fence = nil
			}
			inFence = !inFence
			continue
		}
		if inFence {
			fence = append(fence, line)
			continue
		}
		for _, w := range strings.Fields(line) {
			out = append(out, unit{text: w, words: 1})
		}
	}
	if len(fence) > 0 {
		// Unterminated fence: keep the remainder together.
		block := strings.Join(fence, "\n")
		out = append(out, unit{text: block, words: len(strings.Fields(block))})
	}
	return out
}

// slidingWindow cuts overlapping windows of roughly MaxTokens tokens. Fenced
// code blocks count as one unit and are never cut.
func slidingWindow(text string, cfg Config) []string {
	units := splitUnits(text)
	if len(units) == 0 {
		return nil
	}

	window := max(1, int(float64(cfg.MaxTokens)/tokensPerWord))
	overlap := max(0, int(float64(cfg.OverlapTokens)/tokensPerWord))

	var out []string
	start := 0
	for start < len(units) {
		end, words := start, 0
		for end < len(units) && (end == start || words+units[end].words <= window) {
			words += units[end].words
			end++
		}

		parts := make([]string, 0, end-start)
		for _, u := range units[start:end] {
			parts = append(parts, u.text)
		}
		fragment := strings.Join(parts, " ")
		if ApproxTokens(fragment) >= cfg.MinChunkTokens || len(out) == 0 {
			out = append(out, fragment)
		}
		if end == len(units) {
			break
		}

		next, tail := end, 0
		for next-1 > start && tail+units[next-1].words <= overlap {
			next--
			tail += units[next].words
		}
		start = next
	}
	return out
}

// extractParagraphs splits text on blank lines, keeping fenced code blocks
// atomic.
func extractParagraphs(text string) []string {
	var (
		out     []string
		lines   []string
		inFence bool
	)
	flush := func() {
		if block := strings.TrimSpace(strings.Join(lines, "\n")); block != "" {
			out = append(out, block)
		}
		lines = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if isFence(line) {
			inFence = !inFence
			lines = append(lines, line)
			continue
		}
		if inFence {
			lines = append(lines, line)
			continue
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		lines = append(lines, line)
	}
	flush()
	return out
}

// mergeParagraphs greedily joins consecutive paragraphs while the running
// total stays within maxTokens. A single oversized paragraph stands alone.
func mergeParagraphs(paras []string, maxTokens int) []string {
	var (
		out    []string
		cur    []string
		tokens int
	)
	for _, p := range paras {
		t := ApproxTokens(p)
		if tokens+t > maxTokens && len(cur) > 0 {
			out = append(out, strings.Join(cur, "\n\n"))
			cur = nil
			tokens = 0
		}
		cur = append(cur, p)
		tokens += t
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n\n"))
	}
	return out
}
