// Package workload is the demo run driver: a small deterministic
// computation whose output can be fingerprinted and inverted back to its
// seed, plus the falsifiers that check it.
package workload

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/kokistudios/vireon/internal/canonical"
	"github.com/kokistudios/vireon/internal/capsule"
)

const (
	// Size is the length of the generated vector.
	Size = 4096

	// FingerprintLen is the number of leading sign bits kept as the
	// fingerprint.
	FingerprintLen = 64

	coupling = 0.01
)

// Artifact paths recorded in the capsule's artifacts map.
const (
	VectorArtifact      = "x.f64"
	FingerprintArtifact = "fingerprint.u8"
)

// Falsifier names produced by Run.
const (
	FalsifierDeterminism    = "determinism_same_seed"
	FalsifierInverse        = "inverse_seed_recovery"
	FalsifierCorrespondence = "correspondence_seed_matches_spec"
	FalsifierHashes         = "hash_verification"
	FalsifierClaimLock      = "claim_lock"
)

// Params configures one run.
type Params struct {
	Seed          int
	Steps         int
	SeedSearchMax int
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{Seed: 1, Steps: 50, SeedSearchMax: 50}
}

// Validate rejects parameters the workload cannot run with.
func (p Params) Validate() error {
	if p.Seed < 0 {
		return fmt.Errorf("seed must be non-negative, got %d", p.Seed)
	}
	if p.Steps < 0 {
		return fmt.Errorf("steps must be non-negative, got %d", p.Steps)
	}
	if p.SeedSearchMax < 0 {
		return fmt.Errorf("seed search max must be non-negative, got %d", p.SeedSearchMax)
	}
	return nil
}

// Generate draws Size standard normals from a PCG stream seeded by seed and
// applies steps rounds of x = tanh(x + 0.01*roll(x, 1)).
func Generate(seed, steps int) []float64 {
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	x := make([]float64, Size)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	next := make([]float64, Size)
	for range steps {
		for i := range x {
			prev := x[(i+Size-1)%Size]
			next[i] = math.Tanh(x[i] + coupling*prev)
		}
		x, next = next, x
	}
	return x
}

// Energy is the mean of x².
func Energy(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum / float64(len(x))
}

// Fingerprint returns the sign bits (1 for positive) of the first
// FingerprintLen entries of x.
func Fingerprint(x []float64) []byte {
	n := min(FingerprintLen, len(x))
	fp := make([]byte, n)
	for i := range n {
		if x[i] > 0 {
			fp[i] = 1
		}
	}
	return fp
}

// RecoverSeed searches seeds 0..limit for one whose output has fingerprint
// fp. It returns false when none matches.
func RecoverSeed(ctx context.Context, fp []byte, steps, limit int) (int, bool, error) {
	for s := 0; s <= limit; s++ {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		if bytes.Equal(Fingerprint(Generate(s, steps)), fp) {
			return s, true, nil
		}
	}
	return 0, false, nil
}

// Output is a capsule ready to be sealed together with its artifact bytes.
type Output struct {
	Capsule capsule.Capsule
	Files   map[string][]byte
}

// Run executes the workload and assembles its capsule. claimSHA256 is the
// claim digest to record, or empty when the run is unclaimed.
func Run(ctx context.Context, p Params, prov capsule.Provenance, claimSHA256 string) (*Output, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	x := Generate(p.Seed, p.Steps)
	fp := Fingerprint(x)
	deterministic := equal(x, Generate(p.Seed, p.Steps))

	recovered, found, err := RecoverSeed(ctx, fp, p.Steps, p.SeedSearchMax)
	if err != nil {
		return nil, err
	}
	recoveredValue := canonical.Null()
	recoveredMetric := -1.0
	if found {
		recoveredValue = canonical.Int(int64(recovered))
		recoveredMetric = float64(recovered)
	}

	spec := capsule.Spec{
		Domain:         "kernel",
		Model:          "demo_workload_inverse",
		Params:         map[string]canonical.Value{"seed_search_max": canonical.Int(int64(p.SeedSearchMax))},
		Discretization: map[string]canonical.Value{"steps": canonical.Int(int64(p.Steps))},
		Init:           map[string]canonical.Value{"seed": canonical.Int(int64(p.Seed)), "type": canonical.String("rng_demo")},
		Boundary:       map[string]canonical.Value{"type": canonical.String("n/a")},
	}

	metrics := []capsule.Metric{
		{Name: "demo_energy", Value: Energy(x), Units: "arb", Notes: "mean(x^2)"},
		{Name: "inverse_recovered_seed", Value: recoveredMetric, Units: "id", Notes: "seed recovered from fingerprint"},
	}

	verifierNote := map[string]canonical.Value{"note": canonical.String("declared only; enforced by vireon verify")}
	falsifiers := []capsule.Falsifier{
		{
			Name:        FalsifierDeterminism,
			Description: "Same seed + same steps must match exactly.",
			Passed:      deterministic,
			Details:     map[string]canonical.Value{"tau": canonical.Number(0), "distance": canonical.Number(0)},
		},
		{
			Name:        FalsifierInverse,
			Description: "Recover seed from stored fingerprint by brute-force search over [0, seed_search_max].",
			Passed:      found,
			Details: map[string]canonical.Value{
				"seed_search_max": canonical.Int(int64(p.SeedSearchMax)),
				"recovered_seed":  recoveredValue,
			},
		},
		{
			Name:        FalsifierCorrespondence,
			Description: "Recovered seed must equal spec.init.seed.",
			Passed:      found && recovered == p.Seed,
			Details: map[string]canonical.Value{
				"spec_seed":      canonical.Int(int64(p.Seed)),
				"recovered_seed": recoveredValue,
			},
		},
		{
			Name:        FalsifierHashes,
			Description: "capsule.sha256 and manifest.json must verify against capsule contents.",
			Passed:      true,
			Details:     verifierNote,
		},
		{
			Name:        FalsifierClaimLock,
			Description: "claim.json inside capsule must match claim_sha256 recorded in capsule.json.",
			Passed:      true,
			Details:     verifierNote,
		},
	}

	artifacts := map[string]string{
		"x":           capsule.ArtifactsDir + "/" + VectorArtifact,
		"fingerprint": capsule.ArtifactsDir + "/" + FingerprintArtifact,
	}

	return &Output{
		Capsule: capsule.New(spec, prov, metrics, falsifiers, claimSHA256, artifacts),
		Files: map[string][]byte{
			VectorArtifact:      EncodeVector(x),
			FingerprintArtifact: fp,
		},
	}, nil
}

// EncodeVector serializes x as little-endian float64 values.
func EncodeVector(x []float64) []byte {
	buf := make([]byte, 8*len(x))
	for i, v := range x {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("vector length %d is not a multiple of 8", len(b))
	}
	x := make([]float64, len(b)/8)
	for i := range x {
		x[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return x, nil
}

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}
