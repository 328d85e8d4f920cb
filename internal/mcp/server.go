package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kokistudios/vireon/internal/canonical"
	"github.com/kokistudios/vireon/internal/capsule"
	"github.com/kokistudios/vireon/internal/hashtree"
	"github.com/kokistudios/vireon/internal/verify"
)

// Server exposes the capsule verifier as MCP tools.
type Server struct {
	server *mcp.Server
}

// NewServer creates a new vireon MCP server.
func NewServer(version string) *Server {
	s := &Server{}

	impl := &mcp.Implementation{
		Name:    "vireon",
		Version: version,
	}

	s.server = mcp.NewServer(impl, nil)
	s.registerTools()

	return s
}

// Run starts the MCP server on stdio.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	// vireon_verify - run verification checks against a capsule directory
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "vireon_verify",
		Description: "Verify a sealed run capsule. Runs the hashes, claim_lock and claim_requirements checks " +
			"(or only the ones named in checks) and returns every error found, not just the first. " +
			"A capsule is trustworthy only when ok is true.",
	}, s.handleVerify)

	// vireon_show - summarize a capsule
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vireon_show",
		Description: "Summarize a run capsule: its lock, spec, metrics, falsifier outcomes and artifacts. Does not verify anything; use vireon_verify for that.",
	}, s.handleShow)

	// vireon_manifest - stored vs recomputed manifest
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vireon_manifest",
		Description: "List every file of a capsule with the digest recorded in manifest.json next to the digest recomputed from disk. Status is ok, modified, missing or unrecorded. digest and actual_digest hash the canonical manifest itself and are equal exactly when nothing changed.",
	}, s.handleManifest)
}

// VerifyArgs defines the input for vireon_verify.
type VerifyArgs struct {
	Dir    string   `json:"dir" jsonschema:"Path to the capsule directory"`
	Checks []string `json:"checks,omitempty" jsonschema:"Checks to run: hashes, claim_lock, claim_requirements (default: all)"`
	Strict bool     `json:"strict,omitempty" jsonschema:"Also report files on disk that the manifest does not record"`
}

// CheckOutcome is the result of one check.
type CheckOutcome struct {
	Check  string   `json:"check"`
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// VerifyResult is the output of vireon_verify.
type VerifyResult struct {
	Dir    string         `json:"dir"`
	OK     bool           `json:"ok"`
	Checks []CheckOutcome `json:"checks"`
}

func (s *Server) handleVerify(ctx context.Context, req *mcp.CallToolRequest, args VerifyArgs) (*mcp.CallToolResult, any, error) {
	if args.Dir == "" {
		return nil, nil, fmt.Errorf("dir is required")
	}

	checks := verify.Checks
	if len(args.Checks) > 0 {
		checks = make([]verify.Check, len(args.Checks))
		for i, c := range args.Checks {
			checks[i] = verify.Check(strings.TrimSpace(c))
		}
	}

	v := verify.New(args.Dir)
	v.Strict = args.Strict
	rep, err := v.Report(checks...)
	if err != nil {
		return nil, nil, err
	}

	out := VerifyResult{Dir: args.Dir, OK: rep.OK}
	for _, res := range rep.Results {
		out.Checks = append(out.Checks, CheckOutcome{
			Check:  string(res.Check),
			OK:     res.OK,
			Errors: res.Errors,
		})
	}
	return nil, out, nil
}

// ShowArgs defines the input for vireon_show.
type ShowArgs struct {
	Dir string `json:"dir" jsonschema:"Path to the capsule directory"`
}

// MetricSummary is one metric of a capsule.
type MetricSummary struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Units string  `json:"units,omitempty"`
}

// FalsifierSummary is one falsifier outcome.
type FalsifierSummary struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// ShowResult is the output of vireon_show.
type ShowResult struct {
	Dir         string             `json:"dir"`
	Lock        string             `json:"capsule_sha256,omitempty"`
	Domain      string             `json:"domain"`
	Model       string             `json:"model,omitempty"`
	GitSHA      string             `json:"git_sha,omitempty"`
	ClaimSHA256 string             `json:"claim_sha256,omitempty"`
	Metrics     []MetricSummary    `json:"metrics,omitempty"`
	Falsifiers  []FalsifierSummary `json:"falsifiers,omitempty"`
	Artifacts   map[string]string  `json:"artifacts,omitempty"`
	Init        string             `json:"init,omitempty"`
}

func (s *Server) handleShow(ctx context.Context, req *mcp.CallToolRequest, args ShowArgs) (*mcp.CallToolResult, any, error) {
	if args.Dir == "" {
		return nil, nil, fmt.Errorf("dir is required")
	}

	data, err := os.ReadFile(filepath.Join(args.Dir, capsule.CapsuleFile))
	if err != nil {
		return nil, nil, fmt.Errorf("capsule not found: %w", err)
	}
	c, err := capsule.Parse(data)
	if err != nil {
		return nil, nil, err
	}

	out := ShowResult{
		Dir:         args.Dir,
		Domain:      c.Spec.Domain,
		Model:       c.Spec.Model,
		GitSHA:      c.Provenance.GitSHA,
		ClaimSHA256: c.ClaimSHA256,
		Artifacts:   c.Artifacts,
	}
	if lock, err := os.ReadFile(filepath.Join(args.Dir, capsule.LockFile)); err == nil {
		out.Lock = strings.TrimSpace(string(lock))
	}
	if len(c.Spec.Init) > 0 {
		if enc, err := canonical.Encode(canonical.Object(c.Spec.Init)); err == nil {
			out.Init = string(enc)
		}
	}
	for _, m := range c.Metrics {
		out.Metrics = append(out.Metrics, MetricSummary{Name: m.Name, Value: m.Value, Units: m.Units})
	}
	for _, f := range c.Falsifiers {
		out.Falsifiers = append(out.Falsifiers, FalsifierSummary{Name: f.Name, Passed: f.Passed})
	}
	sort.Slice(out.Falsifiers, func(i, j int) bool {
		return out.Falsifiers[i].Name < out.Falsifiers[j].Name
	})

	return nil, out, nil
}

// ManifestArgs defines the input for vireon_manifest.
type ManifestArgs struct {
	Dir string `json:"dir" jsonschema:"Path to the capsule directory"`
}

// ManifestEntry is one file of a capsule.
type ManifestEntry struct {
	Path     string `json:"path"`
	Recorded string `json:"recorded,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Status   string `json:"status"`
}

// ManifestResult is the output of vireon_manifest.
type ManifestResult struct {
	Dir          string          `json:"dir"`
	Digest       string          `json:"digest"`
	ActualDigest string          `json:"actual_digest"`
	Entries      []ManifestEntry `json:"entries"`
	Changed      int             `json:"changed"`
}

func (s *Server) handleManifest(ctx context.Context, req *mcp.CallToolRequest, args ManifestArgs) (*mcp.CallToolResult, any, error) {
	if args.Dir == "" {
		return nil, nil, fmt.Errorf("dir is required")
	}

	data, err := os.ReadFile(filepath.Join(args.Dir, capsule.ManifestFile))
	if err != nil {
		return nil, nil, fmt.Errorf("manifest not found: %w", err)
	}
	recorded, err := hashtree.Parse(data)
	if err != nil {
		return nil, nil, err
	}
	actual, err := hashtree.BuildExcluding(args.Dir, capsule.ManifestFile, capsule.LockFile)
	if err != nil {
		return nil, nil, err
	}

	out := ManifestResult{Dir: args.Dir}
	if out.Digest, err = recorded.Digest(); err != nil {
		return nil, nil, err
	}
	if out.ActualDigest, err = actual.Digest(); err != nil {
		return nil, nil, err
	}
	for _, e := range hashtree.Compare(recorded, actual) {
		status := e.Status()
		if status != "ok" {
			out.Changed++
		}
		out.Entries = append(out.Entries, ManifestEntry{
			Path:     e.Path,
			Recorded: e.Recorded,
			Actual:   e.Actual,
			Status:   status,
		})
	}
	return nil, out, nil
}
