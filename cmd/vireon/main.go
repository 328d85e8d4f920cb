package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/vireon/internal/bundle"
	"github.com/kokistudios/vireon/internal/canonical"
	"github.com/kokistudios/vireon/internal/capsule"
	"github.com/kokistudios/vireon/internal/config"
	"github.com/kokistudios/vireon/internal/hashtree"
	vireonmcp "github.com/kokistudios/vireon/internal/mcp"
	"github.com/kokistudios/vireon/internal/provenance"
	"github.com/kokistudios/vireon/internal/ui"
	"github.com/kokistudios/vireon/internal/verify"
	"github.com/kokistudios/vireon/internal/workload"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

func main() {
	var noColor, verbose bool

	rootCmd := &cobra.Command{
		Use:   "vireon",
		Short: "vireon: sealed, verifiable run capsules",
		Long:  "Seal a computational run into a self-contained capsule directory and verify it later: file hashes, the claim it was bound to, and the falsifiers that claim requires.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Init(noColor)
			ui.SetVerbose(verbose)
		},
	}

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "share", Title: "Sharing Commands:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	for _, c := range []*cobra.Command{capsuleCmd(), verifyCmd(), showCmd()} {
		c.GroupID = "core"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{manifestCmd(), diffCmd(), claimCmd()} {
		c.GroupID = "inspect"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{packCmd(), unpackCmd()} {
		c.GroupID = "share"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{initCmd(), configCmd(), doctorCmd()} {
		c.GroupID = "config"
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(completionCmd())
	rootCmd.AddCommand(mcpServeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadStore loads configuration, letting the named flags of cmd override
// the file and environment layers when they were set.
func loadStore(cmd *cobra.Command, flags ...string) (*config.Store, error) {
	fs := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	for _, name := range flags {
		if f := cmd.Flags().Lookup(name); f != nil {
			fs.AddFlag(f)
		}
	}
	return config.Load(config.Home(), fs)
}

// capsuleDir returns the capsule directory named by args, or the
// configured output directory.
func capsuleDir(s *config.Store, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return s.Config.OutputDir
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Initialize VIREON_HOME with a default config.yaml",
		Long:    "Create the VIREON_HOME directory (~/.vireon by default) with a default config.yaml. Every setting can also be given by environment (VIREON_WORKLOAD__SEED=3) or flag.",
		Example: "  vireon init\n  vireon init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.Home()
			if err := config.Init(home, force); err != nil {
				return err
			}
			ui.LogoWithTagline("sealed, verifiable run capsules")
			ui.Success("vireon initialized")
			ui.Detail("Home:", home)
			ui.Detail("Config:", config.ConfigPath(home))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config.yaml with defaults")
	return cmd
}

func capsuleCmd() *cobra.Command {
	var force, clean bool
	cmd := &cobra.Command{
		Use:   "capsule",
		Short: "Run the demo workload and seal it into a capsule",
		Long: "Run the deterministic demo workload, evaluate its falsifiers, and seal the result into a capsule directory. " +
			"With --claim, the claim document is copied into the capsule and its canonical hash is recorded in capsule.json.",
		Example: "  vireon capsule\n  vireon capsule --out runs/seed7 --seed 7 --claim claim.json\n  vireon capsule --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore(cmd, "out", "claim", "seed", "steps", "seed-search-max")
			if err != nil {
				return err
			}
			cfg := s.Config
			root := cfg.OutputDir

			var claim []byte
			var claimSHA string
			if cfg.ClaimPath != "" {
				claim, err = os.ReadFile(cfg.ClaimPath)
				if err != nil {
					return fmt.Errorf("failed to read claim: %w", err)
				}
				claimSHA, err = capsule.ClaimDigest(claim)
				if err != nil {
					return fmt.Errorf("invalid claim %s: %w", cfg.ClaimPath, err)
				}
			}

			overwrite := force
			if confirmReplace(root, force) {
				ok, err := ui.Confirm(fmt.Sprintf("%s already holds a capsule. Replace it?", root))
				if err != nil {
					return err
				}
				if !ok {
					ui.EmptyState("Aborted.")
					return nil
				}
				overwrite = true
			}

			params := workload.Params{
				Seed:          cfg.Workload.Seed,
				Steps:         cfg.Workload.Steps,
				SeedSearchMax: cfg.Workload.SeedSearchMax,
			}
			spinner := ui.NewSpinner("Running workload...")
			out, err := workload.Run(cmd.Context(), params, provenance.Collect("."), claimSHA)
			spinner.Stop()
			if err != nil {
				return err
			}

			ui.Status(fmt.Sprintf("Sealing %s", root))
			res, err := capsule.Write(root, out.Capsule, capsule.WriteOptions{
				Claim:     claim,
				Files:     out.Files,
				Overwrite: overwrite,
				Clean:     clean,
				Logger:    ui.Logger,
			})
			var partial *capsule.PartialWriteError
			if errors.As(err, &partial) {
				return fmt.Errorf("%w (rerun with --clean to remove it)", err)
			}
			if err != nil {
				return err
			}

			ui.Success("Capsule sealed")
			ui.Detail("Root:", res.Root)
			ui.Detail("SHA-256:", res.CapsuleSHA256)
			ui.Detail("Files:", fmt.Sprintf("%d", len(res.Manifest)))
			if claimSHA != "" {
				ui.Detail("Claim:", claimSHA)
			}

			ui.SectionHeader("Falsifiers")
			for _, f := range out.Capsule.Falsifiers {
				if f.Passed {
					ui.Success(fmt.Sprintf("%s %s", f.Name, ui.Dim(f.Description)))
				} else {
					ui.Warning(fmt.Sprintf("%s did not hold", f.Name))
				}
			}
			return nil
		},
	}
	d := config.DefaultConfig()
	cmd.Flags().String("out", d.OutputDir, "Capsule output directory")
	cmd.Flags().String("claim", "", "Claim document to bind into the capsule")
	cmd.Flags().Int("seed", d.Workload.Seed, "Workload seed")
	cmd.Flags().Int("steps", d.Workload.Steps, "Workload iteration count")
	cmd.Flags().Int("seed-search-max", d.Workload.SeedSearchMax, "Upper bound of the inverse seed search")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing capsule without asking")
	cmd.Flags().BoolVar(&clean, "clean", false, "Remove staging directories left by an interrupted write")
	return cmd
}

// confirmReplace reports whether sealing into root needs the user's consent.
func confirmReplace(root string, force bool) bool {
	return !force && capsule.Exists(root)
}

func verifyCmd() *cobra.Command {
	var hashes, claim, requirements bool
	cmd := &cobra.Command{
		Use:   "verify [dir]",
		Short: "Verify a capsule",
		Long: "Verify a capsule directory. Without check flags every check runs: hashes (capsule lock and manifest), " +
			"claim (claim.json is the claim the capsule was bound to) and requirements (every falsifier the claim requires passed). " +
			"Every error is printed; the exit status is 1 when any check fails.",
		Example: "  vireon verify\n  vireon verify runs/seed7 --hashes\n  vireon verify runs/seed7 --strict",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore(cmd, "strict")
			if err != nil {
				return err
			}

			var checks []verify.Check
			if hashes {
				checks = append(checks, verify.CheckHashes)
			}
			if claim {
				checks = append(checks, verify.CheckClaimLock)
			}
			if requirements {
				checks = append(checks, verify.CheckClaimRequirements)
			}
			if len(checks) == 0 {
				checks = verify.Checks
			}

			dir := capsuleDir(s, args)
			ui.Info(fmt.Sprintf("Verifying %s", dir))
			v := verify.New(dir)
			v.Strict = s.Config.Verify.Strict
			v.Logger = ui.Logger
			rep, err := v.Report(checks...)
			if err != nil {
				return err
			}

			for _, res := range rep.Results {
				ui.Verdict(string(res.Check), res.OK, res.Errors)
			}
			if !rep.OK {
				ui.Error(fmt.Sprintf("%s failed verification", rep.Root))
				os.Exit(1)
			}
			ui.Success(fmt.Sprintf("%s verified", ui.Bold(rep.Root)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&hashes, "hashes", false, "Check the capsule lock and manifest")
	cmd.Flags().BoolVar(&claim, "claim", false, "Check that claim.json matches the recorded claim hash")
	cmd.Flags().BoolVar(&requirements, "requirements", false, "Check that every required falsifier passed")
	cmd.Flags().Bool("strict", false, "Also report files the manifest does not record")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [dir]",
		Short: "Display a capsule",
		Long:  "Render a capsule's spec, metrics, falsifiers and artifacts. Nothing is verified; use 'vireon verify' for that.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore(cmd)
			if err != nil {
				return err
			}
			dir := capsuleDir(s, args)
			data, err := os.ReadFile(filepath.Join(dir, capsule.CapsuleFile))
			if err != nil {
				return fmt.Errorf("not a capsule: %w", err)
			}
			c, err := capsule.Parse(data)
			if err != nil {
				return err
			}
			lock, _ := os.ReadFile(filepath.Join(dir, capsule.LockFile))
			ui.RenderMarkdown(capsuleMarkdown(dir, strings.TrimSpace(string(lock)), c))
			return nil
		},
	}
}

func capsuleMarkdown(dir, lock string, c capsule.Capsule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Capsule `%s`\n\n", dir)
	if lock != "" {
		fmt.Fprintf(&b, "**Lock:** `%s`\n\n", lock)
	}
	fmt.Fprintf(&b, "**Domain:** %s  \n**Model:** %s  \n", c.Spec.Domain, c.Spec.Model)
	if c.ClaimSHA256 != "" {
		fmt.Fprintf(&b, "**Claim:** `%s`  \n", c.ClaimSHA256)
	}
	fmt.Fprintf(&b, "**Git:** `%s`  \n**Platform:** %s\n", c.Provenance.GitSHA, c.Provenance.Platform)

	b.WriteString("\n## Spec\n\n")
	for _, section := range []struct {
		name   string
		fields map[string]canonical.Value
	}{
		{"params", c.Spec.Params},
		{"discretization", c.Spec.Discretization},
		{"init", c.Spec.Init},
		{"boundary", c.Spec.Boundary},
	} {
		enc, err := canonical.Encode(canonical.Object(section.fields))
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- **%s:** `%s`\n", section.name, enc)
	}

	if len(c.Metrics) > 0 {
		b.WriteString("\n## Metrics\n\n| Name | Value | Units | Notes |\n|---|---|---|---|\n")
		for _, m := range c.Metrics {
			fmt.Fprintf(&b, "| %s | %g | %s | %s |\n", m.Name, m.Value, m.Units, m.Notes)
		}
	}

	if len(c.Falsifiers) > 0 {
		b.WriteString("\n## Falsifiers\n\n")
		for _, f := range c.Falsifiers {
			mark := "✓"
			if !f.Passed {
				mark = "✗"
			}
			fmt.Fprintf(&b, "- %s **%s**: %s\n", mark, f.Name, f.Description)
		}
	}

	if names := c.ArtifactNames(); len(names) > 0 {
		b.WriteString("\n## Artifacts\n\n")
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: `%s`\n", name, c.Artifacts[name])
		}
	}
	return b.String()
}

func manifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest [dir]",
		Short: "Compare a capsule's recorded manifest with its files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore(cmd)
			if err != nil {
				return err
			}
			dir := capsuleDir(s, args)
			data, err := os.ReadFile(filepath.Join(dir, capsule.ManifestFile))
			if err != nil {
				return fmt.Errorf("not a capsule: %w", err)
			}
			recorded, err := hashtree.Parse(data)
			if err != nil {
				return err
			}
			actual, err := hashtree.BuildExcluding(dir, capsule.ManifestFile, capsule.LockFile)
			if err != nil {
				return err
			}

			changed := 0
			var rows [][]string
			for _, e := range hashtree.Compare(recorded, actual) {
				status := e.Status()
				if status != "ok" {
					changed++
				}
				rows = append(rows, []string{e.Path, shortDigest(e.Recorded), shortDigest(e.Actual), colorStatus(status)})
			}
			ui.Table([]string{"path", "recorded", "actual", "status"}, rows)
			recordedDigest, err := recorded.Digest()
			if err != nil {
				return err
			}
			actualDigest, err := actual.Digest()
			if err != nil {
				return err
			}
			ui.Detail("Manifest digest:", recordedDigest)
			if actualDigest != recordedDigest {
				ui.Detail("On disk:", actualDigest)
			}
			if changed > 0 {
				ui.Warning(fmt.Sprintf("%d file(s) differ from the manifest", changed))
			}
			return nil
		},
	}
}

func colorStatus(status string) string {
	switch status {
	case "ok":
		return ui.Green(status)
	case "missing":
		return ui.Red(status)
	}
	return ui.Yellow(status)
}

func shortDigest(d string) string {
	if d == "" {
		return "-"
	}
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func diffCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "diff <a> <b>",
		Short:   "Show how two capsules' documents differ",
		Long:    "Compare the capsule.json documents of two capsule directories as a JSON Patch. Two capsules have the same lock exactly when the patch is empty.",
		Example: "  vireon diff runs/seed1 runs/seed7\n  vireon diff runs/seed1 runs/seed7 -o json-patch",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := capsule.DiffDirs(args[0], args[1])
			if err != nil {
				return err
			}

			switch output {
			case "json-patch":
				data, err := json.MarshalIndent(patch, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal patch: %w", err)
				}
				fmt.Println(string(data))
				return nil
			case "table":
			default:
				return fmt.Errorf("unsupported output %q (use table or json-patch)", output)
			}

			if len(patch) == 0 {
				ui.Success("capsule documents are identical")
				return nil
			}
			var rows [][]string
			for _, op := range patch {
				value := ""
				if op.Value != nil {
					if enc, err := json.Marshal(op.Value); err == nil {
						value = string(enc)
					}
				}
				rows = append(rows, []string{op.Type, fmt.Sprint(op.Path), value})
			}
			ui.Table([]string{"op", "path", "value"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json-patch")
	return cmd
}

func claimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Work with claim documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash <file>",
		Short: "Print the canonical SHA-256 of a claim document",
		Long:  "Print the digest a capsule records as claim_sha256 for this claim. Formatting and key order do not change it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sum, err := capsule.ClaimDigest(raw)
			if err != nil {
				return err
			}
			fmt.Println(sum)
			return nil
		},
	})
	return cmd
}

func packCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:     "pack [dir]",
		Short:   "Archive a capsule into a .vcap bundle",
		Example: "  vireon pack runs/seed7\n  vireon pack runs/seed7 -o /tmp/seed7.vcap",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore(cmd)
			if err != nil {
				return err
			}
			m, path, err := bundle.Pack(capsuleDir(s, args), out)
			if err != nil {
				return err
			}
			ui.Success("Capsule packed")
			ui.KeyValue("Bundle: ", path)
			ui.KeyValue("SHA-256:", m.CapsuleSHA256)
			ui.KeyValue("Files:  ", fmt.Sprintf("%d", len(m.Files)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Bundle path or directory")
	return cmd
}

func unpackCmd() *cobra.Command {
	var noVerify bool
	cmd := &cobra.Command{
		Use:   "unpack <bundle> <dir>",
		Short: "Extract a .vcap bundle and verify it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := bundle.Unpack(args[0], args[1])
			if err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Unpacked %d file(s) to %s", len(m.Files), args[1]))
			if noVerify {
				return nil
			}
			rep := verify.VerifyAll(args[1])
			for _, res := range rep.Results {
				ui.Verdict(string(res.Check), res.OK, res.Errors)
			}
			if !rep.OK {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip verification after extracting")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit vireon configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore(cmd)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(s.Config)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			if s.File != "" {
				ui.Detail("File:", s.File)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	keys := append([]string(nil), config.Keys...)
	sort.Strings(keys)
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a value in config.yaml. Valid keys: " + strings.Join(keys, ", ") + ".",
		Example: `  vireon config set workload.seed 7
  vireon config set verify.strict true
  vireon config set claim_path ./claim.json`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: keys,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SetConfigValue(config.Home(), args[0], args[1]); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], args[1]))
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check health of VIREON_HOME and the configured capsule",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.Home()

			if fix {
				ui.CommandBanner("DOCTOR", "repair mode")
				fixed := config.FixIssues(home)
				for _, f := range fixed {
					ui.Success(fmt.Sprintf("[FIXED] %s", f))
				}
				if len(fixed) == 0 {
					ui.EmptyState("Nothing to fix.")
				}
			} else {
				ui.CommandBanner("DOCTOR", "health check")
			}

			issues := config.CheckHealth(home)

			s, err := config.Load(home, nil)
			if err != nil {
				issues = append(issues, config.Issue{Severity: "error", Message: err.Error()})
			} else if capsule.Exists(s.Config.OutputDir) {
				rep := verify.VerifyAll(s.Config.OutputDir)
				for _, e := range rep.Errors() {
					issues = append(issues, config.Issue{Severity: "warning", Message: fmt.Sprintf("%s: %s", s.Config.OutputDir, e)})
				}
			}

			if len(issues) == 0 {
				ui.Success("Everything looks good")
				return nil
			}

			hasError := false
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(fmt.Sprintf("[ERR]  %s", issue.Message))
					hasError = true
				} else {
					ui.Warning(fmt.Sprintf("[WARN] %s", issue.Message))
				}
			}

			if hasError {
				os.Exit(2)
			}
			os.Exit(1)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Recreate a missing VIREON_HOME or config.yaml")
	return cmd
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		Long:      "Generate shell completion scripts for bash, zsh, or fish. Output the script to stdout for sourcing in your shell profile.",
		Example:   "  vireon completion bash > ~/.bashrc.d/vireon\n  vireon completion zsh > ~/.zfunc/_vireon\n  vireon completion fish > ~/.config/fish/completions/vireon.fish",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			default:
				return fmt.Errorf("unsupported shell: %s (use bash, zsh, or fish)", args[0])
			}
		},
	}
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Run vireon as an MCP server",
		Long:   "Start vireon as a Model Context Protocol (MCP) server over stdio, exposing capsule verification, display and manifest comparison as tools.",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			server := vireonmcp.NewServer(buildVersion())
			return server.Run(cmd.Context())
		},
	}
}
