package pipeline

import (
	"fmt"
	"strings"

	"github.com/shao3d/experts-panel/pkg/models"
)

// Per-post excerpt cap in prompts. Long posts are truncated; the model
// ranks on substance, not completeness.
const maxPostExcerpt = 1500

const mapSystemPrompt = `You rank channel posts by how relevant they are to a user's question.
For each post decide HIGH (directly answers or substantially addresses the question),
MEDIUM (related, partially useful), or LOW (unrelated). Omit LOW posts from the output.
Respond with JSON only:
{"relevant_posts": [{"telegram_message_id": <id>, "relevance": "HIGH"|"MEDIUM", "reason": "<short>"}], "chunk_summary": "<one sentence>"}`

const mediumScoringSystemPrompt = `You assign a relevance score between 0.0 and 1.0 to each post
for the given question. 1.0 means the post directly answers it; 0.0 means unrelated.
Respond with JSON only:
{"scores": [{"telegram_message_id": <id>, "score": <0.0-1.0>}]}`

const reduceSystemPrompt = `You are an expert analyst answering a question using ONLY the provided posts.
Rules:
- Every fact must come from the posts. Never add outside knowledge.
- Cite sources inline as [post:ID] using the post's ID after each non-trivial claim.
- Match answer length to the material: concise for 3 or fewer posts, comprehensive for 10 or more.
- main_sources lists the IDs of the posts the answer leans on most.
Respond with JSON only:
{"answer": "<markdown with [post:ID] citations>", "main_sources": [<id>, ...], "confidence": "HIGH"|"MEDIUM"|"LOW", "has_expert_comments": <bool>, "language": "ru"|"en"}`

const validateSystemPrompt = `You re-render an answer into the required language.
Preserve all [post:ID] citations exactly as they appear. Preserve markdown structure.
Keep metaphors and the author's voice; translate meaning, not word by word.
Output only the re-rendered answer, no commentary.`

const commentMapSystemPrompt = `You decide whether reader discussions are relevant to a user's question.
Each group is described by drift topics extracted from its comments.
Label each group HIGH, MEDIUM, or LOW relevance to the question.
Respond with JSON only:
{"groups": [{"post_id": <id>, "relevance": "HIGH"|"MEDIUM"|"LOW", "reason": "<short>"}]}`

const commentSynthesisSystemPrompt = `You summarize how reader discussions COMPLEMENT an expert's answer.
Never restate what the answer already says — surface only what the discussions add:
disagreements, practical experience, alternatives, corrections.
Reference discussions as [post:ID]. Output free-form markdown.`

func buildMapPrompt(query string, posts []models.Post) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPosts:\n", query)
	for _, post := range posts {
		fmt.Fprintf(&b, "\n[ID %d] (%s)\n%s\n",
			post.TelegramMessageID,
			post.CreatedAt.Format("2006-01-02"),
			excerpt(post.MessageText))
	}
	return b.String()
}

func buildMediumScoringPrompt(query string, posts []models.RankedPost) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPosts to score:\n", query)
	for _, post := range posts {
		fmt.Fprintf(&b, "\n[ID %d]\n%s\n", post.TelegramMessageID, excerpt(post.MessageText))
	}
	return b.String()
}

func buildReducePrompt(query string, posts []models.RankedPost) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nSource posts (%d), most relevant first:\n", query, len(posts))
	for _, post := range posts {
		fmt.Fprintf(&b, "\n[ID %d] relevance=%s (%s)\n%s\n",
			post.TelegramMessageID,
			post.Relevance,
			post.CreatedAt.Format("2006-01-02"),
			excerpt(post.MessageText))
	}
	return b.String()
}

func buildValidatePrompt(lang models.Language, answer string) string {
	target := "Russian"
	if lang == models.LanguageEnglish {
		target = "English"
	}
	return fmt.Sprintf("Target language: %s\n\nAnswer to re-render:\n%s", target, answer)
}

func buildCommentMapPrompt(query string, groups []models.DriftGroup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nDiscussion groups:\n", query)
	for _, g := range groups {
		fmt.Fprintf(&b, "\n[post_id %d] anchored at %q\n", g.PostID, excerptN(g.Anchor.MessageText, 200))
		for _, t := range g.Topics {
			fmt.Fprintf(&b, "- topic: %s; keywords: %s; context: %s\n",
				t.Topic, strings.Join(t.Keywords, ", "), t.Context)
		}
	}
	return b.String()
}

func buildCommentSynthesisPrompt(query string, answer string, groups []models.CommentGroupResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nMain answer:\n%s\n\nRelevant discussions:\n", query, answer)
	for _, g := range groups {
		fmt.Fprintf(&b, "\n[post:%d] (%s) %s\n", g.TelegramMessageID, g.Relevance, g.Reason)
		for _, t := range g.Topics {
			fmt.Fprintf(&b, "- %s: %s\n", t.Topic, t.Context)
		}
	}
	return b.String()
}

func excerpt(s string) string {
	return excerptN(s, maxPostExcerpt)
}

func excerptN(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	// Don't split a multi-byte rune: drop continuation bytes, then the
	// orphaned lead byte if one remains.
	for len(cut) > 0 && cut[len(cut)-1] >= 0x80 && cut[len(cut)-1] < 0xC0 {
		cut = cut[:len(cut)-1]
	}
	if len(cut) > 0 && cut[len(cut)-1] >= 0xC0 {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
