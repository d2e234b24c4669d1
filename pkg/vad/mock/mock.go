// Package mock provides in-memory mock implementations of the [vad.Detector]
// and [vad.Session] interfaces for use in unit tests.
//
// The mock session replays a scripted event sequence so tests can drive a
// capture cycle through exact speech/silence transitions without synthesizing
// PCM at particular energy levels:
//
//	sess := &mock.Session{Events: []vad.Event{
//	    {Type: vad.Silence},
//	    {Type: vad.SpeechStart, Level: 0.5},
//	    {Type: vad.SpeechEnd},
//	}}
//	det := &mock.Detector{NewSessionResult: sess}
package mock

import (
	"sync"

	"github.com/voxloop/voxloop/pkg/vad"
)

var (
	_ vad.Detector = (*Detector)(nil)
	_ vad.Session  = (*Session)(nil)
)

// Detector is a mock implementation of [vad.Detector].
type Detector struct {
	mu sync.Mutex

	// NewSessionResult, when non-nil, is returned by every NewSession call.
	// When nil, NewSession creates a fresh [Session] per call and records it
	// in Sessions.
	NewSessionResult vad.Session

	// CallCountNewSession records how many times NewSession was called.
	CallCountNewSession int

	// Sessions records the sessions created by NewSession, in order.
	Sessions []*Session
}

// NewSession implements [vad.Detector].
func (d *Detector) NewSession() vad.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountNewSession++
	if d.NewSessionResult != nil {
		return d.NewSessionResult
	}
	s := &Session{}
	d.Sessions = append(d.Sessions, s)
	return s
}

// Session is a mock implementation of [vad.Session]. Each ProcessFrame call
// returns the next scripted event; once the script is exhausted, every
// further call returns a silence event.
type Session struct {
	mu sync.Mutex

	// Events is the scripted event sequence consumed by ProcessFrame.
	Events []vad.Event

	// Frames records the PCM passed to each ProcessFrame call.
	Frames [][]byte

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	next int
}

// ProcessFrame implements [vad.Session].
func (s *Session) ProcessFrame(pcm []byte) vad.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, pcm)
	if s.next >= len(s.Events) {
		return vad.Event{Type: vad.Silence}
	}
	ev := s.Events[s.next]
	s.next++
	return ev
}

// Reset implements [vad.Session]. It rewinds the script to the beginning.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountReset++
	s.next = 0
}
