package transcript

import (
	"log/slog"
	"regexp"
	"strings"
)

// maxPhoneticTokens caps the transcript length eligible for the phonetic
// pass. Longer transcripts are ordinary speech even when a token happens to
// sound like part of a command phrase.
const maxPhoneticTokens = 5

// Action is the engine operation a spoken control command maps to.
type Action int

const (
	// ActionNone: the transcript is ordinary speech, not a command.
	ActionNone Action = iota

	// ActionStopSpeaking cancels the in-progress spoken response without
	// leaving the conversation.
	ActionStopSpeaking

	// ActionExitConversation ends the conversation session entirely.
	ActionExitConversation
)

// String returns a human-readable action name.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionStopSpeaking:
		return "stop_speaking"
	case ActionExitConversation:
		return "exit_conversation"
	default:
		return "unknown"
	}
}

// PhraseMatcher scores a transcript against candidate phrases. Implemented
// by [phonetic.Matcher]; used as the second detection pass so that "stop
// tokking" still triggers the stop command.
type PhraseMatcher interface {
	// Match returns the best-matching phrase, its confidence, and whether
	// any phrase matched above the matcher's thresholds.
	Match(text string, phrases []string) (phrase string, confidence float64, matched bool)
}

// Command pairs detection patterns with the action they trigger.
type Command struct {
	// Name is a human-readable label for logging.
	Name string

	// Regex matches the whole (trimmed) transcript, case-insensitively.
	Regex *regexp.Regexp

	// Phrases are the canonical spoken forms used by the phonetic pass when
	// no regex matched. They should be short imperative utterances.
	Phrases []string

	// Action is the engine operation to trigger on a match.
	Action Action
}

// CommandOption configures a [CommandDetector] during construction.
type CommandOption func(*CommandDetector)

// WithMatcher enables the phonetic second pass using m. Without a matcher
// only the regex pass runs.
func WithMatcher(m PhraseMatcher) CommandOption {
	return func(d *CommandDetector) {
		d.matcher = m
	}
}

// WithCommands appends additional commands to the built-in set.
func WithCommands(cmds ...Command) CommandOption {
	return func(d *CommandDetector) {
		d.commands = append(d.commands, cmds...)
	}
}

// CommandDetector checks final transcripts for spoken control commands.
// Detection happens in two passes: exact regex patterns first, then an
// optional phonetic pass that tolerates transcription misspellings of the
// command phrases. A transcript that carries a command is consumed by the
// engine and never reaches the response pipeline.
//
// All methods are safe for concurrent use; the detector is read-only after
// construction.
type CommandDetector struct {
	commands []Command
	matcher  PhraseMatcher
}

// NewCommandDetector builds a detector with the built-in command set.
func NewCommandDetector(opts ...CommandOption) *CommandDetector {
	d := &CommandDetector{commands: defaultCommands()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect tests whether text is a spoken control command. Returns the action
// and true on a match, or [ActionNone] and false otherwise. Commands are
// tested in order; the first match wins.
func (d *CommandDetector) Detect(text string) (Action, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ActionNone, false
	}

	for _, c := range d.commands {
		if c.Regex == nil || !c.Regex.MatchString(trimmed) {
			continue
		}
		slog.Info("transcript: voice command matched",
			"command", c.Name,
			"action", c.Action.String(),
			"text", trimmed,
		)
		return c.Action, true
	}

	if d.matcher == nil {
		return ActionNone, false
	}

	// Second pass: phonetic matching against the canonical phrases, so a
	// slightly garbled transcription of a command still triggers it. Only
	// short utterances qualify; command phrases are short imperatives, and
	// a long sentence sharing one token with a phrase is ordinary speech.
	normalized := Normalize(trimmed)
	if len(strings.Fields(normalized)) > maxPhoneticTokens {
		return ActionNone, false
	}
	for _, c := range d.commands {
		if len(c.Phrases) == 0 {
			continue
		}
		phrase, confidence, matched := d.matcher.Match(normalized, c.Phrases)
		if !matched {
			continue
		}
		slog.Info("transcript: voice command matched phonetically",
			"command", c.Name,
			"action", c.Action.String(),
			"phrase", phrase,
			"confidence", confidence,
			"text", trimmed,
		)
		return c.Action, true
	}

	return ActionNone, false
}

// defaultCommands returns the built-in spoken control commands.
func defaultCommands() []Command {
	return []Command{
		{
			Name:    "stop-speaking",
			Regex:   regexp.MustCompile(`(?i)^(stop|stop talking|stop speaking|be quiet|quiet|shush|shut up)[.!]?$`),
			Phrases: []string{"stop talking", "stop speaking", "be quiet"},
			Action:  ActionStopSpeaking,
		},
		{
			Name:    "exit-conversation",
			Regex:   regexp.MustCompile(`(?i)^(exit|end|leave|close) (the )?(conversation|voice mode|voice chat|chat)[.!]?$`),
			Phrases: []string{"exit conversation", "end the conversation", "leave voice mode"},
			Action:  ActionExitConversation,
		},
		{
			Name:    "stop-listening",
			Regex:   regexp.MustCompile(`(?i)^(stop listening|go to sleep)[.!]?$`),
			Phrases: []string{"stop listening"},
			Action:  ActionExitConversation,
		},
	}
}
