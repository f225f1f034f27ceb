package usecase

import (
	"strings"

	"github.com/google/uuid"
)

const (
	fence           = "```"
	basePlaceholder = "<diff-buddy-code-block>"
)

// Sanitizer hides code fences inside source content from the provider and
// puts them back afterwards. The placeholder is chosen so that it never
// occurs in the content itself.
type Sanitizer struct {
	placeholder string
	longestRun  int
}

// NewSanitizer prepares a sanitizer for content.
func NewSanitizer(content string) Sanitizer {
	placeholder := basePlaceholder
	for strings.Contains(content, placeholder) {
		placeholder = "<diff-buddy-code-block-" + uuid.NewString() + ">"
	}
	return Sanitizer{placeholder: placeholder, longestRun: longestBacktickRun(content)}
}

// Escape replaces every fence in content with the placeholder.
func (s Sanitizer) Escape(content string) string {
	return strings.ReplaceAll(content, fence, s.placeholder)
}

// Restore undoes Escape on generated text. When restored content is present
// the provider's own fences are widened past any backtick run in the content
// so block boundaries stay unambiguous.
func (s Sanitizer) Restore(text string) string {
	if !strings.Contains(text, s.placeholder) {
		return text
	}
	text = strings.ReplaceAll(text, fence, s.widenedFence())
	return strings.ReplaceAll(text, s.placeholder, fence)
}

func (s Sanitizer) widenedFence() string {
	width := len(fence) + 1
	if s.longestRun >= width {
		width = s.longestRun + 1
	}
	return strings.Repeat("`", width)
}

func longestBacktickRun(content string) int {
	longest, run := 0, 0
	for i := 0; i < len(content); i++ {
		if content[i] != '`' {
			run = 0
			continue
		}
		run++
		if run > longest {
			longest = run
		}
	}
	return longest
}
