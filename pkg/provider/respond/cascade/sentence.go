package cascade

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// minSentenceLen batches short fragments so TTS is not fed one-word
	// clips; anything shorter is held and prepended to the next sentence.
	minSentenceLen = 20

	// maxSentenceLen caps how much text may accumulate without a sentence
	// boundary before a forced split at the nearest word break.
	maxSentenceLen = 250

	fence = "```"
)

// sentenceEnd matches sentence-ending punctuation followed by a whitespace
// run. The run is consumed with the sentence so the remainder starts at the
// next word.
var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// sentenceBuffer accumulates streamed tokens and yields complete sentences
// for synthesis. It never splits inside a fenced code block; a closed block
// is carried into the following sentence where the sanitizer removes it.
type sentenceBuffer struct {
	buf     string
	pending string
	inFence bool
}

// add appends one token and returns any sentences completed by it.
func (b *sentenceBuffer) add(token string) []string {
	b.buf += token
	return b.extract()
}

// flush returns whatever text remains once the stream has ended: held short
// fragments plus an unterminated final sentence. ok is false when the
// buffer was empty.
func (b *sentenceBuffer) flush() (text string, ok bool) {
	rest := strings.TrimSpace(b.pending + b.buf)
	b.pending = ""
	b.buf = ""
	b.inFence = false
	return rest, rest != ""
}

func (b *sentenceBuffer) extract() []string {
	var out []string

	for b.buf != "" {
		// Fence accounting. An odd number of markers means a block is
		// still open, so everything waits for the closing fence. An even
		// number means all blocks are closed; text through the last
		// closing fence is held back and prepended to the next sentence.
		if n := strings.Count(b.buf, fence); n > 0 {
			if n%2 == 1 {
				b.inFence = true
				break
			}
			b.inFence = false
			last := strings.LastIndex(b.buf, fence)
			after := b.buf[last+len(fence):]
			if strings.TrimSpace(after) == "" {
				break
			}
			b.pending += b.buf[:last+len(fence)]
			b.buf = after
			continue
		}
		if b.inFence {
			break
		}

		if loc := sentenceEnd.FindStringIndex(b.buf); loc != nil {
			sentence := b.pending + strings.TrimSpace(b.buf[:loc[1]])
			b.pending = ""
			b.buf = b.buf[loc[1]:]
			if len(sentence) >= minSentenceLen {
				out = append(out, sentence)
			} else {
				b.pending = sentence + " "
			}
			continue
		}

		if len(b.pending)+len(b.buf) > maxSentenceLen {
			combined := b.pending + b.buf
			split := strings.LastIndex(combined[:maxSentenceLen], " ")
			if split == -1 {
				split = maxSentenceLen
				for split > 0 && !utf8.RuneStart(combined[split]) {
					split--
				}
			}
			sentence := strings.TrimSpace(combined[:split])
			b.pending = ""
			b.buf = strings.TrimLeft(combined[split:], " ")
			if sentence != "" {
				out = append(out, sentence)
			}
			continue
		}

		break
	}

	return out
}

var (
	// fencedCode matches a complete fenced code block, or an unterminated
	// one running to the end of the text.
	fencedCode = regexp.MustCompile("(?s)```.*?```|```.*$")

	// mediaTag matches the MEDIA: audio-path artifacts the upstream chat
	// service embeds in reply text.
	mediaTag = regexp.MustCompile(`(?i)\n?MEDIA:/?[\w/._ -]+\.(?:mp3|wav|ogg|m4a|opus)\n?`)

	urlPattern = regexp.MustCompile(`https?://\S+`)

	// markdownMarks strips emphasis, heading and inline-code markers while
	// keeping their inner text.
	markdownMarks = regexp.MustCompile("[*_`#]+")

	emojiPattern = regexp.MustCompile(`[\x{2600}-\x{27BF}\x{1F300}-\x{1F9FF}\x{1FA00}-\x{1FAFF}\x{2300}-\x{23FF}\x{2B50}-\x{2B55}\x{200D}\x{FE0E}\x{FE0F}]+`)

	spaceRun = regexp.MustCompile(`\s+`)

	speakable = regexp.MustCompile(`[a-zA-Z0-9]`)
)

// cleanForSpeech strips artifacts TTS cannot pronounce: fenced code blocks,
// MEDIA: tags, URLs, markdown markup and emoji. It returns "" when nothing
// speakable remains.
func cleanForSpeech(text string) string {
	text = fencedCode.ReplaceAllString(text, " ")
	text = mediaTag.ReplaceAllString(text, " ")
	text = urlPattern.ReplaceAllString(text, " ")
	text = markdownMarks.ReplaceAllString(text, "")
	text = emojiPattern.ReplaceAllString(text, "")
	text = strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
	if !speakable.MatchString(text) {
		return ""
	}
	return text
}
