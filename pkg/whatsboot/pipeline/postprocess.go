package pipeline

import (
	"regexp"
	"strings"
)

// DefaultMaxWords bounds a reply before sentence completion.
const DefaultMaxWords = 200

var (
	sentenceEnd  = regexp.MustCompile(`[.!?]$`)
	nextSentence = regexp.MustCompile(`(?s)^.*?[.!?]`)
	leadGreeting = regexp.MustCompile(`(?i)^(?:¡hola!|hola\b|hello\b|hi\b)\s*[,!?]*\s*`)
	speakerLabel = regexp.MustCompile(`(?:User|Bot):\s*`)
	markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// PostProcess shapes a completion into the reply sent to the participant.
// The first maxWords space-separated words are kept; when they do not end
// a sentence the reply runs on through the next '.', '!' or '?'. A leading
// greeting and User:/Bot: labels are removed and markdown links become
// their bare URL.
func PostProcess(response string, maxWords int) string {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}

	words := strings.Split(response, " ")
	reply := response
	if len(words) > maxWords {
		reply = strings.Join(words[:maxWords], " ")
		if !sentenceEnd.MatchString(strings.TrimSpace(reply)) {
			rest := strings.Join(words[maxWords:], " ")
			if m := nextSentence.FindString(rest); m != "" {
				reply += " " + m
			}
		}
	}

	reply = leadGreeting.ReplaceAllString(reply, "")
	reply = speakerLabel.ReplaceAllString(reply, "")
	reply = markdownLink.ReplaceAllString(reply, "$2")
	return reply
}
