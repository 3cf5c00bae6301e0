package models

import (
	"errors"
	"fmt"
)

// ContentOutputs is the structured payload produced by a single model call.
// All ten artifacts must be present on a completed generation.
type ContentOutputs struct {
	TwitterPosts       []string        `json:"twitter_posts"`
	LinkedInPosts      []string        `json:"linkedin_posts"`
	InstagramCaptions  []string        `json:"instagram_captions"`
	BlogArticle        BlogArticle     `json:"blog_article"`
	EmailNewsletter    EmailNewsletter `json:"email_newsletter"`
	QuoteGraphics      []string        `json:"quote_graphics"`
	TwitterThread      []string        `json:"twitter_thread"`
	PodcastShowNotes   string          `json:"podcast_show_notes"`
	VideoScriptSummary string          `json:"video_script_summary"`
	TikTokHooks        []string        `json:"tiktok_hooks"`
}

type BlogArticle struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
}

type EmailNewsletter struct {
	Subject   string `json:"subject"`
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
}

// Validate checks that every artifact is populated. Counts are not enforced
// beyond non-emptiness; models occasionally return short lists and the
// artifacts are still usable.
func (o *ContentOutputs) Validate() error {
	if o == nil {
		return errors.New("outputs missing")
	}
	checks := []struct {
		name  string
		empty bool
	}{
		{"twitter_posts", len(o.TwitterPosts) == 0},
		{"linkedin_posts", len(o.LinkedInPosts) == 0},
		{"instagram_captions", len(o.InstagramCaptions) == 0},
		{"blog_article", o.BlogArticle.Title == "" || o.BlogArticle.Content == ""},
		{"email_newsletter", o.EmailNewsletter.Subject == "" || o.EmailNewsletter.Content == ""},
		{"quote_graphics", len(o.QuoteGraphics) == 0},
		{"twitter_thread", len(o.TwitterThread) == 0},
		{"podcast_show_notes", o.PodcastShowNotes == ""},
		{"video_script_summary", o.VideoScriptSummary == ""},
		{"tiktok_hooks", len(o.TikTokHooks) == 0},
	}
	for _, c := range checks {
		if c.empty {
			return fmt.Errorf("missing or empty artifact %q", c.name)
		}
	}
	return nil
}
