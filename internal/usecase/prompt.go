package usecase

import "strings"

const promptTemplate = `Turn the following PR into a "blog post" using markdown. Group related sections of the diff using section headings, display them in codeblocks, and give short explanations of what's going on. You can include multiple codeblocks per section as needed. Focus on the changes that matter most for understanding behavior; you may omit noisy or low-value changes.

Include a summary of the PR at the top.
Avoid emojis.

For each displayed diff, it needs to be in proper diff format, including all headers and syntax. Make sure each codeblock is an individual syntactically valid diff that can be parsed. Each diff codeblock should only include changes from a single file.

**Grouping and Structure:**
- Group related changes thematically (by feature, concern, or behavior change) rather than by file.
- Only create section headings for substantial changes or groups of 3+ related modifications.
- Small, isolated changes should be grouped in a "Miscellaneous changes" section at the end.
- Do not output entire files. Use focused hunks that illustrate the key changes.
- Every section must include a short narrative before each diff codeblock (1-2 sentences).
- Do not place diff codeblocks back-to-back without commentary between them.

**Explanations:**
- For each section, provide 1-2 sentences explaining the motivation or context before showing the diffs.
- Focus explanations on why and what behavior changed, not just the syntax.

**Reviewer Focus:**
- Always include at least one diff hunk that shows the core implementation for each newly added or substantially modified feature.
- Avoid showing only type or interface changes without any corresponding behavioral code.
- Prefer multiple small hunks over a single large one; keep each hunk tight and only include necessary context.

**Special Cases:**
- If there are any breaking changes or API modifications, highlight these clearly.

Example:
` + "```" + `diff
diff --git a/app/suggest.ts b/app/suggest.ts
index 0fd06dd2d..4f60cf74b 100644
--- a/app/suggest.ts
+++ b/app/suggest.ts
@@ -33,6 +33,12 @@ const DOM_RECT_FALLBACK: DOMRect = {
   },
 };
 
+type SuggestionEvent =
+  | { type: 'LOADING_STARTED'; query: string }
+  | { type: 'LOADING_COMPLETED' };
` + "```" + `

Diff:
{{diff}}`

// BuildPrompt embeds sanitized diff content into the instruction template.
func BuildPrompt(diff string) string {
	return strings.Replace(promptTemplate, "{{diff}}", diff, 1)
}
