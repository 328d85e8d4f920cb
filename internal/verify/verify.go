package verify

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/kokistudios/vireon/internal/canonical"
	"github.com/kokistudios/vireon/internal/capsule"
	"github.com/kokistudios/vireon/internal/hashtree"
)

// Check names one verification stage.
type Check string

const (
	CheckHashes            Check = "hashes"
	CheckClaimLock         Check = "claim_lock"
	CheckClaimRequirements Check = "claim_requirements"
)

// Checks lists every stage in the order All runs them.
var Checks = []Check{CheckHashes, CheckClaimLock, CheckClaimRequirements}

// Result is the outcome of one check. Errors holds one human-readable line
// per finding; Failures holds the typed errors behind them.
type Result struct {
	Check    Check
	OK       bool
	Errors   []string
	Failures []error
}

// Err joins the typed failures, or returns nil when the check passed.
func (r Result) Err() error {
	return errors.Join(r.Failures...)
}

// Report collects the results of several checks over one capsule.
type Report struct {
	Root    string
	Results []Result
	OK      bool
}

// Errors returns every error line prefixed with the check that produced it.
func (r Report) Errors() []string {
	var out []string
	for _, res := range r.Results {
		for _, e := range res.Errors {
			out = append(out, fmt.Sprintf("%s: %s", res.Check, e))
		}
	}
	return out
}

// Verifier checks a capsule directory. It never writes to the directory,
// so any number of verifiers may run against an unchanging capsule.
type Verifier struct {
	Root string

	// Strict also reports files present on disk that the manifest does not
	// record.
	Strict bool

	Logger *log.Logger
}

// New returns a Verifier for the capsule at root.
func New(root string) *Verifier {
	return &Verifier{Root: root}
}

func (v *Verifier) logger() *log.Logger {
	if v.Logger == nil {
		return log.New(io.Discard)
	}
	return v.Logger
}

// findings accumulates the outcome of a single check.
type findings struct {
	check    Check
	errs     []string
	failures []error
}

func (f *findings) fail(err error) {
	f.failures = append(f.failures, err)
	f.errs = append(f.errs, err.Error())
}

func (f *findings) result() Result {
	return Result{Check: f.check, OK: len(f.failures) == 0, Errors: f.errs, Failures: f.failures}
}

// Run executes the named check.
func (v *Verifier) Run(check Check) (Result, error) {
	switch check {
	case CheckHashes:
		return v.Hashes(), nil
	case CheckClaimLock:
		return v.ClaimLock(), nil
	case CheckClaimRequirements:
		return v.ClaimRequirements(), nil
	}
	return Result{}, fmt.Errorf("unknown check %q", check)
}

// All runs every check and reports them together.
func (v *Verifier) All() Report {
	rep, _ := v.Report(Checks...)
	return rep
}

// Report runs the given checks in order.
func (v *Verifier) Report(checks ...Check) (Report, error) {
	rep := Report{Root: v.Root, OK: true}
	for _, c := range checks {
		res, err := v.Run(c)
		if err != nil {
			return Report{}, err
		}
		rep.Results = append(rep.Results, res)
		rep.OK = rep.OK && res.OK
	}
	return rep, nil
}

// Hashes verifies the capsule lock and every manifest entry.
func (v *Verifier) Hashes() Result {
	f := &findings{check: CheckHashes}
	defer v.logDone(f)

	capsuleJSON, err := os.ReadFile(filepath.Join(v.Root, capsule.CapsuleFile))
	if err != nil {
		f.fail(&IntegrityError{Path: capsule.CapsuleFile, Reason: readReason(err)})
		return f.result()
	}
	actual := canonical.SumHex(capsuleJSON)

	lock := ""
	if raw, err := os.ReadFile(filepath.Join(v.Root, capsule.LockFile)); err != nil {
		f.fail(&IntegrityError{Path: capsule.LockFile, Reason: readReason(err)})
	} else {
		lock = strings.TrimSpace(string(raw))
		if lock != actual {
			f.fail(&IntegrityError{Path: capsule.CapsuleFile, Expected: lock, Actual: actual})
		}
	}

	rawManifest, err := os.ReadFile(filepath.Join(v.Root, capsule.ManifestFile))
	if err != nil {
		f.fail(&IntegrityError{Path: capsule.ManifestFile, Reason: readReason(err)})
		return f.result()
	}
	stored, err := hashtree.Parse(rawManifest)
	if err != nil {
		f.fail(&IntegrityError{Path: capsule.ManifestFile, Reason: err.Error()})
		return f.result()
	}
	if len(stored) == 0 {
		f.fail(&IntegrityError{Path: capsule.ManifestFile, Reason: "manifest records no files"})
		return f.result()
	}

	if lock != "" {
		switch entry, ok := stored[capsule.CapsuleFile]; {
		case !ok:
			f.fail(&IntegrityError{Path: capsule.ManifestFile, Reason: "no entry for " + capsule.CapsuleFile})
		case entry != lock:
			f.fail(&IntegrityError{Path: capsule.ManifestFile + " entry " + capsule.CapsuleFile, Expected: lock, Actual: entry})
		}
	}

	fresh, err := hashtree.Build(v.Root)
	if err != nil {
		f.fail(&IntegrityError{Path: v.Root, Reason: err.Error()})
		return f.result()
	}

	var mismatches []Mismatch
	for _, p := range stored.Paths() {
		want := stored[p]
		rel, err := v.resolve(p)
		if err != nil {
			f.fail(err)
			continue
		}
		got, ok := fresh[rel]
		switch {
		case !ok:
			mismatches = append(mismatches, Mismatch{Kind: MismatchMissing, Path: p, Expected: want})
		case !hashtree.ValidDigest(want):
			mismatches = append(mismatches, Mismatch{Kind: MismatchMalformed, Path: p, Expected: want, Actual: got})
		case got != want:
			mismatches = append(mismatches, Mismatch{Kind: MismatchHash, Path: p, Expected: want, Actual: got})
		}
	}

	if c, err := capsule.Parse(capsuleJSON); err == nil {
		for _, name := range c.ArtifactNames() {
			p := c.Artifacts[name]
			rel, err := v.resolve(p)
			if err != nil {
				f.fail(err)
				continue
			}
			if _, ok := stored[rel]; !ok {
				mismatches = append(mismatches, Mismatch{Kind: MismatchArtifact, Path: p, Detail: name})
			}
		}
	} else {
		f.fail(&IntegrityError{Path: capsule.CapsuleFile, Reason: err.Error()})
	}

	if v.Strict {
		for _, p := range fresh.Paths() {
			if p == capsule.ManifestFile || p == capsule.LockFile {
				continue
			}
			if _, ok := stored[p]; !ok {
				mismatches = append(mismatches, Mismatch{Kind: MismatchUnrecorded, Path: p, Actual: fresh[p]})
			}
		}
	}

	if len(mismatches) > 0 {
		err := &ManifestMismatchError{Mismatches: mismatches}
		f.failures = append(f.failures, err)
		for _, m := range mismatches {
			f.errs = append(f.errs, m.String())
		}
	}
	return f.result()
}

// ClaimLock verifies that claim.json hashes to the capsule's claim_sha256.
func (v *Verifier) ClaimLock() Result {
	f := &findings{check: CheckClaimLock}
	defer v.logDone(f)

	c, err := v.readCapsule()
	if err != nil {
		f.fail(&ClaimBindingError{Reason: err.Error()})
		return f.result()
	}
	if c.ClaimSHA256 == "" {
		f.fail(&ClaimBindingError{Reason: "capsule does not record claim_sha256"})
		return f.result()
	}

	raw, err := os.ReadFile(filepath.Join(v.Root, capsule.ClaimFile))
	if os.IsNotExist(err) {
		f.fail(&ClaimBindingError{Reason: "missing claim " + capsule.ClaimFile + ": capsule is not self-contained"})
		return f.result()
	}
	if err != nil {
		f.fail(&ClaimBindingError{Reason: fmt.Sprintf("cannot read %s: %v", capsule.ClaimFile, err)})
		return f.result()
	}

	got, err := capsule.ClaimDigest(raw)
	if err != nil {
		f.fail(&ClaimBindingError{Reason: fmt.Sprintf("%s is not valid JSON: %v", capsule.ClaimFile, err)})
		return f.result()
	}
	if got != c.ClaimSHA256 {
		f.fail(&ClaimBindingError{Expected: c.ClaimSHA256, Actual: got})
	}
	return f.result()
}

// ClaimRequirements verifies that every falsifier each claim entry
// requires is present in the capsule and passed.
func (v *Verifier) ClaimRequirements() Result {
	f := &findings{check: CheckClaimRequirements}
	defer v.logDone(f)

	c, err := v.readCapsule()
	if err != nil {
		f.fail(&ClaimRequirementError{Reason: err.Error()})
		return f.result()
	}
	raw, err := os.ReadFile(filepath.Join(v.Root, capsule.ClaimFile))
	if err != nil {
		f.fail(&ClaimRequirementError{Reason: fmt.Sprintf("cannot read %s: %s", capsule.ClaimFile, readReason(err))})
		return f.result()
	}
	claim, err := capsule.ParseClaim(raw)
	if err != nil {
		f.fail(&ClaimRequirementError{Reason: err.Error()})
		return f.result()
	}
	if len(claim.Claims) == 0 {
		f.fail(&ClaimRequirementError{Reason: "claim lists no claims"})
		return f.result()
	}

	var failures []RequirementFailure
	for i, entry := range claim.Claims {
		rf := Requirements(c, entry)
		if rf == nil {
			continue
		}
		if rf.ClaimID == "" {
			rf.ClaimID = fmt.Sprintf("claims[%d]", i)
		}
		failures = append(failures, *rf)
	}
	if len(failures) > 0 {
		f.failures = append(f.failures, &ClaimRequirementError{Failures: failures})
		for _, rf := range failures {
			f.errs = append(f.errs, rf.Messages()...)
		}
	}
	return f.result()
}

// Requirements evaluates one claim entry against a capsule's falsifiers and
// returns nil when the entry is honored.
func Requirements(c capsule.Capsule, entry capsule.ClaimEntry) *RequirementFailure {
	rf := RequirementFailure{ClaimID: entry.ID}
	if len(entry.RequiredFalsifiers) == 0 {
		rf.NoRequirements = true
		return &rf
	}
	for _, name := range entry.RequiredFalsifiers {
		fz, ok := c.Falsifier(name)
		switch {
		case !ok:
			rf.Missing = append(rf.Missing, name)
		case !fz.Passed:
			rf.Failed = append(rf.Failed, name)
		}
	}
	if len(rf.Missing) == 0 && len(rf.Failed) == 0 {
		return nil
	}
	return &rf
}

func (v *Verifier) readCapsule() (capsule.Capsule, error) {
	data, err := os.ReadFile(filepath.Join(v.Root, capsule.CapsuleFile))
	if err != nil {
		return capsule.Capsule{}, fmt.Errorf("cannot read %s: %s", capsule.CapsuleFile, readReason(err))
	}
	return capsule.Parse(data)
}

// resolve validates a manifest path and returns its clean slash form.
// Nothing is read from disk; symlinks are resolved only to confirm the
// target stays inside the root.
func (v *Verifier) resolve(p string) (string, error) {
	if p == "" {
		return "", &PathTraversalError{Path: p, Reason: "empty path"}
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(filepath.FromSlash(p)) || filepath.VolumeName(filepath.FromSlash(p)) != "" {
		return "", &PathTraversalError{Path: p, Reason: "absolute path"}
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &PathTraversalError{Path: p}
	}

	root, err := filepath.Abs(v.Root)
	if err != nil {
		return "", &PathTraversalError{Path: p, Reason: err.Error()}
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return clean, nil
	}
	realPath, err := filepath.EvalSymlinks(filepath.Join(root, filepath.FromSlash(clean)))
	if err != nil {
		// Missing files are reported by the manifest comparison.
		return clean, nil
	}
	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &PathTraversalError{Path: p, Reason: "symlink resolves outside the capsule"}
	}
	return clean, nil
}

func (v *Verifier) logDone(f *findings) {
	if len(f.failures) == 0 {
		v.logger().Debug("check passed", "check", f.check, "root", v.Root)
		return
	}
	v.logger().Debug("check failed", "check", f.check, "root", v.Root, "errors", len(f.errs))
}

func readReason(err error) string {
	if os.IsNotExist(err) {
		return "missing"
	}
	return err.Error()
}

// VerifyHashes runs the hash check against the capsule at dir.
func VerifyHashes(dir string) Result { return New(dir).Hashes() }

// VerifyClaimLocked runs the claim-lock check against the capsule at dir.
func VerifyClaimLocked(dir string) Result { return New(dir).ClaimLock() }

// VerifyClaimRequirements runs the claim-requirements check against the
// capsule at dir.
func VerifyClaimRequirements(dir string) Result { return New(dir).ClaimRequirements() }

// VerifyAll runs every check against the capsule at dir.
func VerifyAll(dir string) Report { return New(dir).All() }
