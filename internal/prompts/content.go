package prompts

import (
	"fmt"
	"strings"
)

// WriterSystem is the system prompt for article drafting.
const WriterSystem = "You are a professional content writer for a nonprofit newsletter that brings the arts to communities."

const articleDraftTemplate = `Create a news article about: %s

Requirements:
- Tone: %s
- Target audience: staff, donors, volunteers, community members
- Length: %s
- Include specific details:
%s

Generate:
1. A compelling headline (5-10 words)
2. A short excerpt/summary (1-2 sentences, ~30-50 words)
3. Full article body in markdown with an engaging opening, key details
   and a closing call to action.

Return valid JSON only, with no markdown code blocks:
{"title": "...", "excerpt": "...", "content": "..."}`

// ArticleDraft returns the user prompt for drafting an article. Each
// detail becomes a bullet; no details reads "None provided".
func ArticleDraft(topic, tone, length string, details []string) string {
	d := "None provided"
	if len(details) > 0 {
		d = "- " + strings.Join(details, "\n- ")
	}
	return fmt.Sprintf(articleDraftTemplate, topic, tone, length, d)
}

// HeaderImage returns the prompt for a newsletter header image.
func HeaderImage(style, mood, subject string) string {
	return fmt.Sprintf("Generate a %s and %s image suitable for a nonprofit newsletter. Subject: %s. High quality, professional, artistic.",
		style, mood, subject)
}
