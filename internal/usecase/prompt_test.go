package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildPromptAppendsDiff(t *testing.T) {
	t.Parallel()

	prompt := BuildPrompt("+added {{diff}} line")

	assert.True(t, strings.HasSuffix(prompt, "Diff:\n+added {{diff}} line"))
	assert.Contains(t, prompt, "Include a summary of the PR at the top.")
	assert.Equal(t, 1, strings.Count(prompt, "{{diff}}"), "only the template slot is substituted")
}
