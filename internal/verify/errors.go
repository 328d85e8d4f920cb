package verify

import (
	"fmt"
	"strings"
)

// IntegrityError is a broken document-level hash lock.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("%s hash mismatch: got %s != expected %s", e.Path, e.Actual, e.Expected)
}

// MismatchKind classifies one failed manifest entry.
type MismatchKind string

const (
	MismatchMissing    MismatchKind = "missing"
	MismatchHash       MismatchKind = "hash"
	MismatchMalformed  MismatchKind = "malformed"
	MismatchArtifact   MismatchKind = "artifact"
	MismatchUnrecorded MismatchKind = "unrecorded"
)

// Mismatch is one manifest entry that did not verify.
type Mismatch struct {
	Kind     MismatchKind
	Path     string
	Expected string
	Actual   string
	Detail   string
}

func (m Mismatch) String() string {
	switch m.Kind {
	case MismatchMissing:
		return "missing file referenced by manifest: " + m.Path
	case MismatchHash:
		return fmt.Sprintf("file hash mismatch: %s: got %s != expected %s", m.Path, m.Actual, m.Expected)
	case MismatchMalformed:
		return fmt.Sprintf("malformed manifest digest for %s: %q", m.Path, m.Expected)
	case MismatchArtifact:
		return fmt.Sprintf("artifact %s (%s) is not recorded in manifest", m.Detail, m.Path)
	case MismatchUnrecorded:
		return "file not recorded in manifest: " + m.Path
	}
	return fmt.Sprintf("%s: %s", m.Kind, m.Path)
}

// ManifestMismatchError aggregates every manifest entry that failed.
type ManifestMismatchError struct {
	Mismatches []Mismatch
}

func (e *ManifestMismatchError) Error() string {
	lines := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		lines[i] = m.String()
	}
	return fmt.Sprintf("%d manifest entries failed verification: %s", len(e.Mismatches), strings.Join(lines, "; "))
}

// Paths returns the paths of all mismatched entries.
func (e *ManifestMismatchError) Paths() []string {
	out := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		out[i] = m.Path
	}
	return out
}

// PathTraversalError is a manifest or artifact path that resolves outside
// the capsule root. Such paths are never read.
type PathTraversalError struct {
	Path   string
	Reason string
}

func (e *PathTraversalError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("path escapes capsule dir: %s (%s)", e.Path, e.Reason)
	}
	return "path escapes capsule dir: " + e.Path
}

// ClaimBindingError means the claim is missing, unreadable, or does not
// hash to the capsule's claim_sha256.
type ClaimBindingError struct {
	Reason   string
	Expected string
	Actual   string
}

func (e *ClaimBindingError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("claim hash mismatch: got %s != expected %s", e.Actual, e.Expected)
}

// RequirementFailure is one claim entry that is not honored.
type RequirementFailure struct {
	ClaimID        string
	NoRequirements bool
	Missing        []string
	Failed         []string
}

// Messages renders the failure as itemized, human-readable lines.
func (f RequirementFailure) Messages() []string {
	var out []string
	if f.NoRequirements {
		out = append(out, fmt.Sprintf("claim %s: lists no required falsifiers", f.ClaimID))
	}
	if len(f.Missing) > 0 {
		out = append(out, fmt.Sprintf("claim %s: missing falsifiers: %s", f.ClaimID, strings.Join(f.Missing, ", ")))
	}
	if len(f.Failed) > 0 {
		out = append(out, fmt.Sprintf("claim %s: failed falsifiers: %s", f.ClaimID, strings.Join(f.Failed, ", ")))
	}
	return out
}

// ClaimRequirementError aggregates every claim entry that is not honored,
// or carries a Reason when the claim could not be evaluated at all.
type ClaimRequirementError struct {
	Reason   string
	Failures []RequirementFailure
}

func (e *ClaimRequirementError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	var lines []string
	for _, f := range e.Failures {
		lines = append(lines, f.Messages()...)
	}
	return strings.Join(lines, "; ")
}
