package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// Common resolution errors that can be checked with errors.Is.
var (
	// ErrNotFound is returned when an upstream has no record of the track.
	ErrNotFound = errors.New("resolver: track not found")

	// ErrRateLimited is returned when an upstream rate limit is hit.
	ErrRateLimited = errors.New("resolver: rate limit exceeded")

	// ErrUnavailable is returned when content exists but cannot be served
	// (region block, removed stream, revoked signed URL).
	ErrUnavailable = errors.New("resolver: content unavailable")

	// ErrBadPayload is returned when an upstream response cannot be decoded
	// (non-JSON body where JSON was expected, missing stream URL).
	ErrBadPayload = errors.New("resolver: malformed upstream payload")

	// ErrNoCandidates is returned when no provider yields any candidate,
	// e.g. auto-fallback disabled with no preferred instance set.
	ErrNoCandidates = errors.New("resolver: no candidates available")
)

// SourceError wraps an error with the candidate that produced it, so failure
// attribution stays unambiguous across the fallback chain.
type SourceError struct {
	// Source is the candidate name (e.g. "youtube", "piped:pipedapi.kavin.rocks").
	Source string

	// TrackID is the track being resolved.
	TrackID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	if e.TrackID != "" {
		return fmt.Sprintf("%s: track %s: %v", e.Source, e.TrackID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *SourceError) Unwrap() error {
	return e.Err
}

// CandidateError records the outcome of one failed candidate attempt.
type CandidateError struct {
	Candidate string
	Instance  string // set when the candidate belongs to the proxy pool
	Err       error
}

// ResolutionError is the terminal failure after every candidate has been
// tried. It carries the per-candidate errors for diagnostics and for the
// instance health registry.
type ResolutionError struct {
	TrackID      string
	PerCandidate []CandidateError
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if len(e.PerCandidate) == 0 {
		return fmt.Sprintf("resolve %s: no candidates available", e.TrackID)
	}
	parts := make([]string, 0, len(e.PerCandidate))
	for _, ce := range e.PerCandidate {
		parts = append(parts, fmt.Sprintf("%s: %v", ce.Candidate, ce.Err))
	}
	return fmt.Sprintf("resolve %s: all %d candidates failed: %s",
		e.TrackID, len(e.PerCandidate), strings.Join(parts, "; "))
}

// Unwrap exposes the last candidate error for errors.Is chains.
func (e *ResolutionError) Unwrap() error {
	if len(e.PerCandidate) == 0 {
		return ErrNoCandidates
	}
	return e.PerCandidate[len(e.PerCandidate)-1].Err
}
