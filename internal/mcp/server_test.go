package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/vireon/internal/canonical"
	"github.com/kokistudios/vireon/internal/capsule"
)

func sealed(t *testing.T) string {
	t.Helper()
	claim := []byte(`{"claims":[{"id":"c1","required_falsifiers":["determinism_same_seed"]}]}`)
	sha, err := capsule.ClaimDigest(claim)
	require.NoError(t, err)

	c := capsule.New(
		capsule.Spec{Domain: "kernel", Init: map[string]canonical.Value{"seed": canonical.Int(1)}},
		capsule.Provenance{GitSHA: "UNKNOWN"},
		[]capsule.Metric{{Name: "demo_energy", Value: 0.5}},
		[]capsule.Falsifier{{Name: "determinism_same_seed", Passed: true}, {Name: "backdoor_fingerprint_match", Passed: false}},
		sha,
		map[string]string{"x": "artifacts/x.f64"},
	)
	root := filepath.Join(t.TempDir(), "run")
	_, err = capsule.Write(root, c, capsule.WriteOptions{
		Claim: claim,
		Files: map[string][]byte{"x.f64": {1, 2, 3}},
	})
	require.NoError(t, err)
	return root
}

func TestHandleVerify(t *testing.T) {
	s := NewServer("test")
	root := sealed(t)

	_, out, err := s.handleVerify(context.Background(), nil, VerifyArgs{Dir: root})
	require.NoError(t, err)
	res := out.(VerifyResult)
	assert.True(t, res.OK)
	assert.Len(t, res.Checks, 3)

	require.NoError(t, os.WriteFile(filepath.Join(root, "artifacts", "x.f64"), []byte{9}, 0644))
	_, out, err = s.handleVerify(context.Background(), nil, VerifyArgs{Dir: root, Checks: []string{"hashes"}})
	require.NoError(t, err)
	res = out.(VerifyResult)
	assert.False(t, res.OK)
	require.Len(t, res.Checks, 1)
	assert.Equal(t, "hashes", res.Checks[0].Check)
	assert.Len(t, res.Checks[0].Errors, 1)
}

func TestHandleVerify_BadArgs(t *testing.T) {
	s := NewServer("test")
	_, _, err := s.handleVerify(context.Background(), nil, VerifyArgs{})
	assert.Error(t, err)

	_, _, err = s.handleVerify(context.Background(), nil, VerifyArgs{Dir: sealed(t), Checks: []string{"nope"}})
	assert.ErrorContains(t, err, "unknown check")
}

func TestHandleShow(t *testing.T) {
	s := NewServer("test")
	root := sealed(t)

	_, out, err := s.handleShow(context.Background(), nil, ShowArgs{Dir: root})
	require.NoError(t, err)
	res := out.(ShowResult)
	assert.Equal(t, "kernel", res.Domain)
	assert.Len(t, res.Lock, 64)
	assert.Equal(t, `{"seed":1}`, res.Init)
	require.Len(t, res.Falsifiers, 2)
	assert.Equal(t, "backdoor_fingerprint_match", res.Falsifiers[0].Name)
	assert.Equal(t, "artifacts/x.f64", res.Artifacts["x"])

	_, _, err = s.handleShow(context.Background(), nil, ShowArgs{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestHandleManifest(t *testing.T) {
	s := NewServer("test")
	root := sealed(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0644))

	_, out, err := s.handleManifest(context.Background(), nil, ManifestArgs{Dir: root})
	require.NoError(t, err)
	res := out.(ManifestResult)
	assert.Equal(t, 1, res.Changed)
	assert.Len(t, res.Digest, 64)
	assert.NotEqual(t, res.Digest, res.ActualDigest)

	statuses := map[string]string{}
	for _, e := range res.Entries {
		statuses[e.Path] = e.Status
	}
	assert.Equal(t, "ok", statuses[capsule.CapsuleFile])
	assert.Equal(t, "ok", statuses["artifacts/x.f64"])
	assert.Equal(t, "unrecorded", statuses["stray.txt"])
	assert.NotContains(t, statuses, capsule.ManifestFile)

	require.NoError(t, os.Remove(filepath.Join(root, "stray.txt")))
	_, out, err = s.handleManifest(context.Background(), nil, ManifestArgs{Dir: root})
	require.NoError(t, err)
	res = out.(ManifestResult)
	assert.Equal(t, 0, res.Changed)
	assert.Equal(t, res.Digest, res.ActualDigest)
}

func TestServer_CallToolOverTransport(t *testing.T) {
	ctx := context.Background()
	s := NewServer("test")
	root := sealed(t)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := s.server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "vireon_verify",
		Arguments: map[string]any{"dir": root},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NotEmpty(t, res.Content)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	var out VerifyResult
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	assert.True(t, out.OK)
}
