package stt

import "github.com/MrWong99/prompter/pkg/types"

// Aliases so provider implementations and callers can stay within the stt
// namespace.
type (
	Transcript   = types.Transcript
	WordDetail   = types.WordDetail
	KeywordBoost = types.KeywordBoost
)
