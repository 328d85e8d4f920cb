package capsule

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/vireon/internal/canonical"
)

func sampleCapsule() Capsule {
	return New(
		Spec{
			Domain:         "kernel",
			Model:          "demo_workload_inverse",
			Params:         map[string]canonical.Value{"seed_search_max": canonical.Int(50)},
			Discretization: map[string]canonical.Value{"steps": canonical.Int(80)},
			Init:           map[string]canonical.Value{"seed": canonical.Int(7), "type": canonical.String("rng_demo")},
			Boundary:       map[string]canonical.Value{"type": canonical.String("n/a")},
		},
		Provenance{GitSHA: "UNKNOWN", Platform: "linux-amd64", Runtime: "go1.24.0", Deps: map[string]string{"example.com/dep": "v1.0.0"}},
		[]Metric{{Name: "demo_energy", Value: 0.25, Units: "arb", Notes: "mean(x^2)"}},
		[]Falsifier{{
			Name:        "determinism_same_seed",
			Description: "Same seed + same steps must match exactly.",
			Passed:      true,
			Details:     map[string]canonical.Value{"tau": canonical.Number(0), "distance": canonical.Number(0)},
		}},
		"",
		map[string]string{"x": "artifacts/x.f64"},
	)
}

func TestEncode_Deterministic(t *testing.T) {
	a, err := sampleCapsule().Encode()
	require.NoError(t, err)
	b, err := sampleCapsule().Encode()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, strings.ContainsAny(string(a), "\n\t"), "canonical form has no insignificant whitespace")
}

func TestEncode_TopLevelKeys(t *testing.T) {
	data, err := sampleCapsule().Encode()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(data), `{"artifacts":{"x":"artifacts/x.f64"},"claim_sha256":"","falsifiers":[`))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, k := range []string{"spec", "provenance", "metrics", "falsifiers", "claim_sha256", "artifacts"} {
		assert.Contains(t, raw, k)
	}
}

func TestEncode_MetricDocument(t *testing.T) {
	data, err := sampleCapsule().Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"metrics":[{"name":"demo_energy","notes":"mean(x^2)","units":"arb","value":0.25}]`)
}

func TestParse_RoundTrip(t *testing.T) {
	orig := sampleCapsule()
	data, err := orig.Encode()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)

	again, err := parsed.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
	assert.Equal(t, "kernel", parsed.Spec.Domain)
	assert.Equal(t, "artifacts/x.f64", parsed.Artifacts["x"])
}

func TestParse_NotAnObject(t *testing.T) {
	_, err := Parse([]byte(`[1,2]`))
	assert.Error(t, err)
	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestNew_CopiesInputs(t *testing.T) {
	artifacts := map[string]string{"x": "artifacts/x.f64"}
	falsifiers := []Falsifier{{Name: "f", Passed: true}}
	c := New(Spec{}, Provenance{}, nil, falsifiers, "", artifacts)

	artifacts["x"] = "elsewhere"
	falsifiers[0].Passed = false

	assert.Equal(t, "artifacts/x.f64", c.Artifacts["x"])
	f, ok := c.Falsifier("f")
	require.True(t, ok)
	assert.True(t, f.Passed)
}

func TestFalsifierLookup(t *testing.T) {
	c := sampleCapsule()
	_, ok := c.Falsifier("determinism_same_seed")
	assert.True(t, ok)
	_, ok = c.Falsifier("nope")
	assert.False(t, ok)
}

func TestParseClaim(t *testing.T) {
	c, err := ParseClaim([]byte(`{"claims":[{"id":"c1","required_falsifiers":["a","b"]},{"id":"c2","required_falsifiers":[]}]}`))
	require.NoError(t, err)
	require.Len(t, c.Claims, 2)
	assert.Equal(t, "c1", c.Claims[0].ID)
	assert.Equal(t, []string{"a", "b"}, c.Claims[0].RequiredFalsifiers)
	assert.Empty(t, c.Claims[1].RequiredFalsifiers)
}

func TestParseClaim_Malformed(t *testing.T) {
	for _, doc := range []string{
		`[]`,
		`{"claims":{}}`,
		`{"claims":["c1"]}`,
		`{"claims":[{"id":"c1","required_falsifiers":"a"}]}`,
		`{"claims":[{"id":"c1","required_falsifiers":[1]}]}`,
	} {
		_, err := ParseClaim([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestParseClaim_EmptyIsNotAParseError(t *testing.T) {
	c, err := ParseClaim([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, c.Claims)
}

func TestClaimDigest_MatchesCanonicalValue(t *testing.T) {
	claim := Claim{Claims: []ClaimEntry{{ID: "c1", RequiredFalsifiers: []string{"determinism_same_seed"}}}}
	want, err := canonical.Hash(claim.Value())
	require.NoError(t, err)

	raw := []byte("{\n  \"claims\": [\n    {\"required_falsifiers\": [\"determinism_same_seed\"], \"id\": \"c1\"}\n  ]\n}\n")
	got, err := ClaimDigest(raw)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDiff(t *testing.T) {
	a, err := sampleCapsule().Encode()
	require.NoError(t, err)

	patch, err := Diff(a, a)
	require.NoError(t, err)
	assert.Empty(t, patch)

	other := sampleCapsule()
	other.Spec.Domain = "fluid"
	b, err := other.Encode()
	require.NoError(t, err)

	patch, err = Diff(a, b)
	require.NoError(t, err)
	require.Len(t, patch, 1)
	out, err := json.Marshal(patch)
	require.NoError(t, err)
	assert.Contains(t, string(out), "/spec/domain")
}
