package pipeline

import (
	"fmt"
	"strings"

	"genpaper/internal/models"
	"genpaper/internal/util"
)

const PromptVersion = "v2"

const outlinePromptTemplate = `You are planning a literature review.
Group the candidate papers into an ordered list of sections for the topic.
Use only the paper references listed below.

Output STRICT JSON with this schema:
{
  "title": "string",
  "sections": [
    {
      "key": "short-kebab-case-id",
      "title": "string",
      "key_points": ["string"],
      "paper_ids": ["paper id from the list"],
      "expected_words": 400
    }
  ]
}

Rules:
- Between 3 and 8 sections, introduction first and conclusion last.
- Every section lists the papers that support it; a paper may appear in several sections.
- expected_words is between 150 and 1200.
- Do not invent paper ids.
`

const sectionSystemPrompt = `You write one section of an academic literature review.
Use only the evidence provided. Every factual claim needs a citation: call the add_citation tool
with the paper_id of the supporting evidence and place the returned marker right after the claim.
If a claim has no supporting evidence, leave it out. Write flowing prose in Markdown without a heading.`

const reviewPromptTemplate = `You review one section of a literature review for clarity, coherence, use of evidence, and citation coverage.

Output STRICT JSON: {"score": 0-100, "issues": ["short issue"]}
Return {"score": 100, "issues": []} only for a section with no problems.
`

const rewritePromptTemplate = `The section below repeats material that already appears earlier in the document.
Rewrite it so it adds new information and does not restate earlier sections.
Keep every citation marker of the form [@key] attached to the claim it supports. Do not add new markers.
Return only the rewritten section text.
`

func buildOutlinePrompt(topic string, papers []models.Paper) string {
	var b strings.Builder
	b.WriteString(outlinePromptTemplate)
	b.WriteString("\nTopic: " + strings.TrimSpace(topic) + "\n\nCandidate papers:\n")
	for _, p := range papers {
		year := "n.d."
		if y := p.YearOrZero(); y > 0 {
			year = fmt.Sprint(y)
		}
		fmt.Fprintf(&b, "- paper:%s | %s (%s)", p.PaperID, strings.TrimSpace(p.Title), year)
		if abs := util.Clip(p.Abstract, 300); abs != "" {
			b.WriteString(" | " + abs)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func buildSectionPrompt(topic string, sec models.OutlineSection, evidence []models.ChunkResult) (string, []string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nSection: %s\n", strings.TrimSpace(topic), sec.Title)
	if len(sec.KeyPoints) > 0 {
		b.WriteString("Cover these points:\n")
		for _, kp := range sec.KeyPoints {
			b.WriteString("- " + kp + "\n")
		}
	}
	words := sec.ExpectedWords
	if words <= 0 {
		words = 300
	}
	fmt.Fprintf(&b, "Target length: about %d words.\n", words)
	return b.String(), evidenceContext(evidence)
}

// evidenceContext labels each chunk with the paper reference the citation tool accepts.
func evidenceContext(evidence []models.ChunkResult) []string {
	out := make([]string, 0, len(evidence))
	for _, c := range evidence {
		out = append(out, fmt.Sprintf("[paper:%s] %s\n%s", c.PaperID, strings.TrimSpace(c.Title), util.Clip(c.Content, 2000)))
	}
	return out
}

func buildReviewPrompt(sec models.SectionDraft) string {
	return reviewPromptTemplate + "\nSection: " + sec.Title + "\n\n" + sec.Content
}

func buildRewritePrompt(sec models.SectionDraft, usedElsewhere []string) string {
	var b strings.Builder
	b.WriteString(rewritePromptTemplate)
	if len(usedElsewhere) > 0 {
		b.WriteString("\nEvidence already used by earlier sections, prefer other evidence:\n")
		for _, id := range usedElsewhere {
			b.WriteString("- " + id + "\n")
		}
	}
	b.WriteString("\nSection: " + sec.Title + "\n\n" + sec.Content)
	return b.String()
}

func PromptHash() string {
	return fmt.Sprintf("genpaper_prompt_%s", PromptVersion)
}
