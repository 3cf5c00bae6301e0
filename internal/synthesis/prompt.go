package synthesis

import "fmt"

const systemPrompt = `You are a content repurposing assistant. Given a transcript, produce derivative content for multiple platforms. Respond with a single JSON object and nothing else.`

func userPrompt(transcript string) string {
	return fmt.Sprintf(`Repurpose the following transcript into a JSON object with exactly these keys:

- "twitter_posts": array of 5 standalone tweets (max 280 chars each)
- "linkedin_posts": array of 3 LinkedIn posts
- "instagram_captions": array of 2 Instagram captions with hashtags
- "blog_article": object with "title", "content" (markdown), "word_count"
- "email_newsletter": object with "subject", "content", "word_count"
- "quote_graphics": array of 5 short quotable lines
- "twitter_thread": array of tweets forming one coherent thread
- "podcast_show_notes": string of show notes with bullet points
- "video_script_summary": string summarizing the content as a video script
- "tiktok_hooks": array of 5 attention-grabbing opening lines

Transcript:
%s`, transcript)
}
