package verify

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/vireon/internal/canonical"
	"github.com/kokistudios/vireon/internal/capsule"
	"github.com/kokistudios/vireon/internal/hashtree"
)

const kernelClaim = "{\n  \"claims\": [\n    {\"id\": \"c1\", \"required_falsifiers\": [\"determinism_same_seed\"]}\n  ]\n}\n"

// writeCapsule seals the kernel scenario capsule bound to claim.
func writeCapsule(t *testing.T, claim string, falsifiers ...capsule.Falsifier) string {
	t.Helper()
	if len(falsifiers) == 0 {
		falsifiers = []capsule.Falsifier{{Name: "determinism_same_seed", Description: "same seed, same output", Passed: true}}
	}
	claimSHA := ""
	var claimBytes []byte
	if claim != "" {
		claimBytes = []byte(claim)
		var err error
		claimSHA, err = capsule.ClaimDigest(claimBytes)
		require.NoError(t, err)
	}

	c := capsule.New(
		capsule.Spec{Domain: "kernel", Model: "demo", Params: map[string]canonical.Value{"steps": canonical.Int(10)}},
		capsule.Provenance{GitSHA: "UNKNOWN", Platform: "linux-amd64", Runtime: "go"},
		[]capsule.Metric{{Name: "energy", Value: 0.5, Units: "arb"}},
		falsifiers,
		claimSHA,
		map[string]string{"x": "artifacts/x.f64", "fp": "artifacts/fingerprint.u8"},
	)
	root := filepath.Join(t.TempDir(), "capsule")
	_, err := capsule.Write(root, c, capsule.WriteOptions{
		Claim: claimBytes,
		Files: map[string][]byte{"x.f64": {0, 1, 2, 3, 4, 5, 6, 7}, "fingerprint.u8": {1, 0, 1}},
	})
	require.NoError(t, err)
	return root
}

func rewriteManifest(t *testing.T, root string, edit func(hashtree.Manifest)) {
	t.Helper()
	path := filepath.Join(root, capsule.ManifestFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	m, err := hashtree.Parse(data)
	require.NoError(t, err)
	edit(m)
	out, err := m.Encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0644))
}

func TestUnmodifiedCapsulePassesEverything(t *testing.T) {
	root := writeCapsule(t, kernelClaim)

	rep := VerifyAll(root)
	assert.True(t, rep.OK, "errors: %v", rep.Errors())
	require.Len(t, rep.Results, 3)
	for _, res := range rep.Results {
		assert.True(t, res.OK, res.Check)
		assert.Empty(t, res.Errors, res.Check)
		assert.NoError(t, res.Err())
	}
}

func TestVerificationIsIdempotent(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	require.NoError(t, os.WriteFile(filepath.Join(root, "artifacts", "x.f64"), []byte("changed"), 0644))

	first := VerifyAll(root)
	second := VerifyAll(root)
	assert.Equal(t, first.Errors(), second.Errors())
	assert.False(t, first.OK)
}

func TestHashes_SingleByteMutation(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	path := filepath.Join(root, "artifacts", "x.f64")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	res := VerifyHashes(root)
	assert.False(t, res.OK)
	require.Len(t, res.Errors, 1, "errors: %v", res.Errors)
	assert.Contains(t, res.Errors[0], "artifacts/x.f64")

	var mme *ManifestMismatchError
	require.True(t, errors.As(res.Err(), &mme))
	assert.Equal(t, []string{"artifacts/x.f64"}, mme.Paths())
	assert.Equal(t, MismatchHash, mme.Mismatches[0].Kind)
	assert.Equal(t, hashtree.HashBytes(data), mme.Mismatches[0].Actual)

	assert.True(t, VerifyClaimLocked(root).OK, "claim lock is independent of artifact bytes")
}

func TestHashes_AccumulatesAllMismatches(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	require.NoError(t, os.WriteFile(filepath.Join(root, "artifacts", "x.f64"), []byte("a"), 0644))
	require.NoError(t, os.Remove(filepath.Join(root, "artifacts", "fingerprint.u8")))

	res := VerifyHashes(root)
	assert.False(t, res.OK)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "missing file referenced by manifest: artifacts/fingerprint.u8")
	assert.Contains(t, res.Errors[1], "file hash mismatch: artifacts/x.f64")
}

func TestHashes_CapsuleTampered(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	path := filepath.Join(root, capsule.CapsuleFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(data), `"kernel"`, `"kernal"`, 1))
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	res := VerifyHashes(root)
	assert.False(t, res.OK)

	var ie *IntegrityError
	require.True(t, errors.As(res.Err(), &ie))
	assert.Equal(t, canonical.SumHex(tampered), ie.Actual)
	assert.Contains(t, ie.Error(), ie.Expected)
	assert.Contains(t, ie.Error(), ie.Actual)
}

func TestHashes_LockRewrittenToMatchTamperedCapsule(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	path := filepath.Join(root, capsule.CapsuleFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(data), `"kernel"`, `"kernal"`, 1))
	require.NoError(t, os.WriteFile(path, tampered, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, capsule.LockFile), []byte(canonical.SumHex(tampered)+"\n"), 0644))

	res := VerifyHashes(root)
	assert.False(t, res.OK)

	var ie *IntegrityError
	require.True(t, errors.As(res.Err(), &ie), "manifest entry for capsule.json must still disagree")
	assert.Contains(t, ie.Path, capsule.ManifestFile)
}

func TestHashes_MissingDocuments(t *testing.T) {
	for _, name := range []string{capsule.CapsuleFile, capsule.LockFile, capsule.ManifestFile} {
		t.Run(name, func(t *testing.T) {
			root := writeCapsule(t, kernelClaim)
			require.NoError(t, os.Remove(filepath.Join(root, name)))

			res := VerifyHashes(root)
			assert.False(t, res.OK)
			var ie *IntegrityError
			require.True(t, errors.As(res.Err(), &ie))
			assert.Contains(t, strings.Join(res.Errors, "\n"), name)
		})
	}
}

func TestHashes_TraversalEntryRejected(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0644))

	rewriteManifest(t, root, func(m hashtree.Manifest) {
		m["../secret.txt"] = hashtree.HashBytes([]byte("secret"))
		m["artifacts/../../secret.txt"] = hashtree.HashBytes([]byte("secret"))
		m["/etc/passwd"] = hashtree.HashBytes(nil)
	})

	res := VerifyHashes(root)
	assert.False(t, res.OK)
	require.Len(t, res.Failures, 3, "errors: %v", res.Errors)
	for _, err := range res.Failures {
		var pte *PathTraversalError
		assert.True(t, errors.As(err, &pte), "got %v", err)
	}
	for _, e := range res.Errors {
		assert.Contains(t, e, "path escapes capsule dir")
	}
}

func TestHashes_SymlinkEscapeRejected(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	outside := filepath.Join(t.TempDir(), "outside.bin")
	require.NoError(t, os.WriteFile(outside, []byte("outside"), 0644))
	if err := os.Symlink(outside, filepath.Join(root, "artifacts", "link.bin")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	rewriteManifest(t, root, func(m hashtree.Manifest) {
		m["artifacts/link.bin"] = hashtree.HashBytes([]byte("outside"))
	})

	res := VerifyHashes(root)
	require.Len(t, res.Failures, 1, "errors: %v", res.Errors)
	var pte *PathTraversalError
	assert.True(t, errors.As(res.Failures[0], &pte))
}

func TestHashes_MalformedDigest(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	rewriteManifest(t, root, func(m hashtree.Manifest) {
		m["artifacts/x.f64"] = "NOT-A-DIGEST"
	})

	res := VerifyHashes(root)
	var mme *ManifestMismatchError
	require.True(t, errors.As(res.Err(), &mme))
	require.Len(t, mme.Mismatches, 1)
	assert.Equal(t, MismatchMalformed, mme.Mismatches[0].Kind)
}

func TestHashes_EmptyManifest(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	require.NoError(t, os.WriteFile(filepath.Join(root, capsule.ManifestFile), []byte("{}"), 0644))

	res := VerifyHashes(root)
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors[0], "no files")
}

func TestHashes_ArtifactNotInManifest(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	rewriteManifest(t, root, func(m hashtree.Manifest) {
		delete(m, "artifacts/fingerprint.u8")
	})

	res := VerifyHashes(root)
	var mme *ManifestMismatchError
	require.True(t, errors.As(res.Err(), &mme))
	require.Len(t, mme.Mismatches, 1)
	assert.Equal(t, MismatchArtifact, mme.Mismatches[0].Kind)
	assert.Equal(t, "fp", mme.Mismatches[0].Detail)
}

func TestHashes_StrictReportsUnrecordedFiles(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	require.NoError(t, os.WriteFile(filepath.Join(root, "artifacts", "extra.txt"), []byte("smuggled"), 0644))

	assert.True(t, VerifyHashes(root).OK, "lenient mode only checks recorded entries")

	v := New(root)
	v.Strict = true
	res := v.Hashes()
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "artifacts/extra.txt")
}

func TestClaimLock_MissingClaim(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	require.NoError(t, os.Remove(filepath.Join(root, capsule.ClaimFile)))

	res := VerifyClaimLocked(root)
	assert.False(t, res.OK)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "missing claim")
	var cbe *ClaimBindingError
	assert.True(t, errors.As(res.Err(), &cbe))
}

func TestClaimLock_NoClaimRecorded(t *testing.T) {
	root := writeCapsule(t, "")
	res := VerifyClaimLocked(root)
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors[0], "claim_sha256")
}

func TestClaimLock_WhitespaceOnlyChangeStillBinds(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	compact := `{"claims":[{"required_falsifiers":["determinism_same_seed"],"id":"c1"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(root, capsule.ClaimFile), []byte(compact), 0644))

	assert.True(t, VerifyClaimLocked(root).OK)
	assert.False(t, VerifyHashes(root).OK, "the manifest still records the original bytes")
}

func TestClaimLock_AlteredClaim(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	altered := `{"claims":[{"id":"c1","required_falsifiers":[]}]}`
	require.NoError(t, os.WriteFile(filepath.Join(root, capsule.ClaimFile), []byte(altered), 0644))

	res := VerifyClaimLocked(root)
	var cbe *ClaimBindingError
	require.True(t, errors.As(res.Err(), &cbe))
	assert.NotEqual(t, cbe.Expected, cbe.Actual)
	assert.Contains(t, res.Errors[0], "claim hash mismatch")
}

func TestClaimLock_ClaimNotJSON(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	require.NoError(t, os.WriteFile(filepath.Join(root, capsule.ClaimFile), []byte("{not json"), 0644))

	res := VerifyClaimLocked(root)
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors[0], "not valid JSON")
}

func TestClaimRequirements_MissingVersusFailed(t *testing.T) {
	claim := `{"claims":[{"id":"c1","required_falsifiers":["determinism_same_seed","flaky","absent"]}]}`
	root := writeCapsule(t, claim,
		capsule.Falsifier{Name: "determinism_same_seed", Passed: true},
		capsule.Falsifier{Name: "flaky", Passed: false},
	)

	res := VerifyClaimRequirements(root)
	assert.False(t, res.OK)

	var cre *ClaimRequirementError
	require.True(t, errors.As(res.Err(), &cre))
	require.Len(t, cre.Failures, 1)
	assert.Equal(t, "c1", cre.Failures[0].ClaimID)
	assert.Equal(t, []string{"absent"}, cre.Failures[0].Missing)
	assert.Equal(t, []string{"flaky"}, cre.Failures[0].Failed)
	assert.Equal(t, []string{
		"claim c1: missing falsifiers: absent",
		"claim c1: failed falsifiers: flaky",
	}, res.Errors)
}

func TestClaimRequirements_ChecksEveryEntry(t *testing.T) {
	claim := `{"claims":[
		{"id":"a","required_falsifiers":["nope"]},
		{"id":"b","required_falsifiers":["determinism_same_seed"]},
		{"id":"c","required_falsifiers":[]},
		{"required_falsifiers":["also_nope"]}
	]}`
	root := writeCapsule(t, claim)

	res := VerifyClaimRequirements(root)
	var cre *ClaimRequirementError
	require.True(t, errors.As(res.Err(), &cre))
	require.Len(t, cre.Failures, 3)
	assert.Equal(t, "a", cre.Failures[0].ClaimID)
	assert.True(t, cre.Failures[1].NoRequirements)
	assert.Equal(t, "claims[3]", cre.Failures[2].ClaimID)
}

func TestClaimRequirements_EmptyClaimList(t *testing.T) {
	root := writeCapsule(t, `{"claims":[]}`)
	res := VerifyClaimRequirements(root)
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors[0], "no claims")
}

func TestClaimRequirements_PassedMustBeLiteralTrue(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	path := filepath.Join(root, capsule.CapsuleFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"passed":true`)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), `"passed":true`, `"passed":"true"`, 1)), 0644))

	res := VerifyClaimRequirements(root)
	require.False(t, res.OK)
	assert.Equal(t, []string{"claim c1: failed falsifiers: determinism_same_seed"}, res.Errors)
}

func TestKernelScenario(t *testing.T) {
	root := writeCapsule(t, kernelClaim)
	assert.True(t, VerifyHashes(root).OK)
	assert.True(t, VerifyClaimLocked(root).OK)
	assert.True(t, VerifyClaimRequirements(root).OK)

	other := writeCapsule(t, `{"claims":[{"id":"c1","required_falsifiers":["determinism_same_seed","inverse_seed_recovery"]}]}`)
	assert.True(t, VerifyClaimLocked(other).OK)
	assert.False(t, VerifyClaimRequirements(other).OK)
}

func TestReport_SelectedChecks(t *testing.T) {
	root := writeCapsule(t, "")

	rep, err := New(root).Report(CheckHashes)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	require.Len(t, rep.Results, 1)

	rep = VerifyAll(root)
	assert.False(t, rep.OK)
	for _, line := range rep.Errors() {
		assert.True(t, strings.HasPrefix(line, string(CheckClaimLock)) || strings.HasPrefix(line, string(CheckClaimRequirements)), line)
	}

	_, err = New(root).Report(Check("bogus"))
	assert.Error(t, err)
}
