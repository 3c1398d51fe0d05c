package publisher

import (
	"regexp"

	"github.com/fpang/feedmirror/internal/store"
)

// hashtagSuffix closes every published status.
const hashtagSuffix = "#cute #moe #anime #artwork #mastoart #dotmoe"

// enhancerCredit is appended when the post's images went through the upscale
// step.
const enhancerCredit = "Upscaled by: [Real-CUGAN](https://github.com/bilibili/ailab/tree/main/Real-CUGAN)"

// urlPattern finds the first http(s) URL in the message so it can be turned
// into an explicit markdown link.
var urlPattern = regexp.MustCompile(`https?://(?:www\.)?[-a-zA-Z0-9@:%._+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b(?:[-a-zA-Z0-9()@:%_+.~#?&/=]*)`)

// BuildCaption assembles the status text for a post: the original message
// with its first URL rewritten as a markdown link, an attribution line, an
// optional enhancement credit, and the fixed hashtag suffix. Deterministic
// for the same inputs.
func BuildCaption(post *store.Post, enhanced bool) string {
	caption := rewriteFirstURL(post.Message)

	caption += "\n\nPosted by: [" + post.Author + "](" + post.AuthorLink + ")"

	if enhanced {
		caption += "\n" + enhancerCredit
	}

	caption += "\n\n" + hashtagSuffix
	return caption
}

// rewriteFirstURL replaces the first URL occurrence with an inline markdown
// link to itself. Messages without a URL pass through unchanged.
func rewriteFirstURL(message string) string {
	loc := urlPattern.FindStringIndex(message)
	if loc == nil {
		return message
	}
	url := message[loc[0]:loc[1]]
	return message[:loc[0]] + "[" + url + "](" + url + ")" + message[loc[1]:]
}
