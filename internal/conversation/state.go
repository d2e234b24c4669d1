package conversation

import "time"

// Phase is the coarse conversation mode, used for serialization and metric
// labels.
type Phase string

const (
	// PhaseIdle: no conversation is active.
	PhaseIdle Phase = "idle"

	// PhaseListening: the engine is capturing the next utterance.
	PhaseListening Phase = "listening"

	// PhaseProcessing: a finished utterance is being turned into a reply.
	PhaseProcessing Phase = "processing"

	// PhaseSpeaking: reply audio is playing.
	PhaseSpeaking Phase = "speaking"
)

// State is the conversation mode as a tagged union. Exactly four concrete
// types implement it: [Idle], [Listening], [Processing], and [Speaking].
// Each variant carries only the fields meaningful in that mode; callers
// switch on the concrete type to read them.
type State interface {
	// Phase returns the coarse mode.
	Phase() Phase

	// String returns the phase name, with the stage appended for
	// [Processing].
	String() string

	// sealed restricts implementations to this package.
	sealed()
}

// Idle is the state outside any conversation.
type Idle struct{}

// Listening is the state while the engine is capturing and waiting for the
// current utterance to end.
type Listening struct {
	// Since is when the current capture session started.
	Since time.Time
}

// Stage narrows [Processing] to the pipeline step currently running.
type Stage string

const (
	// StageTranscribing: the utterance is at the speech-to-text stage.
	StageTranscribing Stage = "transcribing"

	// StageAwaitingResponse: the transcript has been sent and the response
	// stream has not yet produced audio.
	StageAwaitingResponse Stage = "awaiting_response"
)

// Processing is the state between the end of an utterance and the first
// audio of the reply.
type Processing struct {
	// Stage is the pipeline step currently running.
	Stage Stage
}

// Speaking is the state while reply audio is playing.
type Speaking struct {
	// CanInterrupt reports whether user speech will stop the playback.
	CanInterrupt bool
}

func (Idle) Phase() Phase       { return PhaseIdle }
func (Listening) Phase() Phase  { return PhaseListening }
func (Processing) Phase() Phase { return PhaseProcessing }
func (Speaking) Phase() Phase   { return PhaseSpeaking }

func (Idle) String() string      { return string(PhaseIdle) }
func (Listening) String() string { return string(PhaseListening) }
func (p Processing) String() string {
	if p.Stage == "" {
		return string(PhaseProcessing)
	}
	return string(PhaseProcessing) + ":" + string(p.Stage)
}
func (Speaking) String() string { return string(PhaseSpeaking) }

func (Idle) sealed()       {}
func (Listening) sealed()  {}
func (Processing) sealed() {}
func (Speaking) sealed()   {}
