package transcript_test

import (
	"regexp"
	"testing"

	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/internal/transcript/phonetic"
)

func TestCommandDetector_RegexPass(t *testing.T) {
	t.Parallel()

	d := transcript.NewCommandDetector()

	tests := []struct {
		text    string
		want    transcript.Action
		matched bool
	}{
		{"stop", transcript.ActionStopSpeaking, true},
		{"Stop talking.", transcript.ActionStopSpeaking, true},
		{"be quiet", transcript.ActionStopSpeaking, true},
		{"Shut up!", transcript.ActionStopSpeaking, true},
		{"end the conversation", transcript.ActionExitConversation, true},
		{"Exit voice mode", transcript.ActionExitConversation, true},
		{"stop listening", transcript.ActionExitConversation, true},
		{"go to sleep", transcript.ActionExitConversation, true},
		{"tell me about go generics", transcript.ActionNone, false},
		{"please stop the car", transcript.ActionNone, false},
		{"", transcript.ActionNone, false},
		{"   ", transcript.ActionNone, false},
	}
	for _, tt := range tests {
		got, matched := d.Detect(tt.text)
		if got != tt.want || matched != tt.matched {
			t.Errorf("Detect(%q) = (%v, %v), want (%v, %v)",
				tt.text, got, matched, tt.want, tt.matched)
		}
	}
}

func TestCommandDetector_PhoneticFallback(t *testing.T) {
	t.Parallel()

	d := transcript.NewCommandDetector(transcript.WithMatcher(phonetic.New()))

	// Not an exact pattern, but phonetically "stop talking".
	got, matched := d.Detect("stop tokking")
	if !matched || got != transcript.ActionStopSpeaking {
		t.Errorf("Detect(%q) = (%v, %v), want (stop_speaking, true)", "stop tokking", got, matched)
	}

	// Long ordinary sentences never reach the phonetic pass, even when they
	// share a token with a command phrase.
	got, matched = d.Detect("can you stop by the store on your way home")
	if matched || got != transcript.ActionNone {
		t.Errorf("Detect(long sentence) = (%v, %v), want (none, false)", got, matched)
	}
}

func TestCommandDetector_NoMatcherSkipsFallback(t *testing.T) {
	t.Parallel()

	d := transcript.NewCommandDetector()

	if got, matched := d.Detect("stop tokking"); matched || got != transcript.ActionNone {
		t.Errorf("Detect without matcher = (%v, %v), want (none, false)", got, matched)
	}
}

func TestCommandDetector_CustomCommands(t *testing.T) {
	t.Parallel()

	d := transcript.NewCommandDetector(transcript.WithCommands(transcript.Command{
		Name:   "hold-on",
		Regex:  regexp.MustCompile(`(?i)^hold on[.!]?$`),
		Action: transcript.ActionStopSpeaking,
	}))

	if got, matched := d.Detect("Hold on"); !matched || got != transcript.ActionStopSpeaking {
		t.Errorf("Detect(custom command) = (%v, %v), want (stop_speaking, true)", got, matched)
	}
}

func TestAction_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action transcript.Action
		want   string
	}{
		{transcript.ActionNone, "none"},
		{transcript.ActionStopSpeaking, "stop_speaking"},
		{transcript.ActionExitConversation, "exit_conversation"},
	}
	for _, tt := range tests {
		if got := tt.action.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.action, got, tt.want)
		}
	}
}
