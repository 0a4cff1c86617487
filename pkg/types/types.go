// Package types defines the shared value types used across prompter packages.
//
// These types form the lingua franca between recognizer providers, the
// supervisor, and the alignment session. They are intentionally minimal:
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-recognition hypothesis from a recognizer.
// Both partial (interim) and final transcripts use this type.
//
// Partial transcripts may be superseded or reordered relative to finals of the
// same utterance; consumers must not assume arrival order reflects speech order.
type Transcript struct {
	// Text is the recognised speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) hypothesis.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// recognizer does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	// May be nil for recognizers that don't support word-level output.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// ReceivedAt is the wall-clock time the hypothesis reached the supervisor.
	// Set by the supervisor when zero.
	ReceivedAt time.Time
}

// Partial reports whether t is an interim hypothesis.
func (t Transcript) Partial() bool { return !t.IsFinal }

// WordDetail holds per-word metadata from recognizers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in recognition.
// Used to improve recognition of script-specific proper nouns.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Okonkwo").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
