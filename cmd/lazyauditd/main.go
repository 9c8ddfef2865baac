// Command lazyauditd is a thin operator CLI over the lazy audit engine:
// it registers samples, runs an audit, verifies a package, and reports
// measured performance, all in a single in-process run (spec §1 "no
// HTTP surface in scope").
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/lazyaudit-labs/engine/pkg/capsule"
	"github.com/lazyaudit-labs/engine/pkg/config"
	"github.com/lazyaudit-labs/engine/pkg/orchestrator"
	"github.com/lazyaudit-labs/engine/pkg/telemetry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// ANSI colors, matched to the teacher's dispatcher styling.
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorGreen  = "\033[32m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

// Run is the entrypoint for testing: it never calls os.Exit itself.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 0
	}

	switch args[1] {
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "lazyauditd v1.1")
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sLazy Audit Engine%s\n", ColorBold+ColorCyan, ColorReset)
	fmt.Fprintf(w, "%sCheap registration, expensive proof only when an auditor asks.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  lazyauditd <command> [flags]")
	fmt.Fprintln(w, "")
	printCommand(w, "doctor", "Print resolved configuration and telemetry status")
	printCommand(w, "demo", "Register, audit, verify, and report a scripted sample dataset")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func runDoctorCmd(stdout, _ io.Writer) int {
	cfg := config.Load()
	fmt.Fprintln(stdout, "Resolved configuration:")
	fmt.Fprintf(stdout, "  log_level:                  %s\n", cfg.LogLevel)
	fmt.Fprintf(stdout, "  pbkdf2_iterations:          %d\n", cfg.PBKDF2Iterations)
	fmt.Fprintf(stdout, "  dataset_hash_threshold:     %d\n", cfg.DatasetHashThreshold)
	fmt.Fprintf(stdout, "  dataset_hash_chunk_size:    %d\n", cfg.DatasetHashChunkSize)
	fmt.Fprintf(stdout, "  proof_cache_capacity:       %d\n", cfg.ProofCacheCapacity)
	fmt.Fprintf(stdout, "  metadata_store_path:        %s\n", cfg.MetadataStorePath)
	fmt.Fprintf(stdout, "  allow_sample_overwrite:     %t\n", cfg.AllowSampleOverwrite)
	fmt.Fprintf(stdout, "  audit_rate_limit_per_second: %.1f\n", cfg.AuditRateLimitPerSecond)
	fmt.Fprintf(stdout, "  telemetry_enabled:          %t\n", cfg.TelemetryEnabled)

	ctx := context.Background()
	telemCfg := telemetry.DefaultConfig()
	telemCfg.Enabled = cfg.TelemetryEnabled
	provider, err := telemetry.New(ctx, telemCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry init failed: %v\n", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(ctx) }()

	fmt.Fprintln(stdout, "telemetry: initialized OK")
	return 0
}

func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		datasetID     string
		modelVersion  string
		samples       int
		exportPackage bool
	)
	cmd.StringVar(&datasetID, "dataset", "demo-dataset", "Dataset id to register samples under")
	cmd.StringVar(&modelVersion, "model-version", "v1", "Model version recorded on the audit")
	cmd.IntVar(&samples, "samples", 5, "Number of synthetic samples to register")
	cmd.BoolVar(&exportPackage, "export-package", false, "Print the audit package's canonical JSON encoding before the summary")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if samples <= 0 {
		fmt.Fprintln(stderr, "Error: --samples must be positive")
		return 2
	}

	cfg := config.Load()
	cfg.MetadataStorePath = ""
	orch := orchestrator.New(cfg, nil)
	defer orch.CleanupAll()

	sessionID := "demo-session"
	if err := orch.OpenSession(sessionID, datasetID, []byte("demo-passphrase"), nil); err != nil {
		fmt.Fprintf(stderr, "open session: %v\n", err)
		return 1
	}

	inputs := make([]orchestrator.SampleInput, samples)
	sampleIDs := make([]string, samples)
	for i := 0; i < samples; i++ {
		id := fmt.Sprintf("sample-%d", i)
		inputs[i] = orchestrator.SampleInput{
			SampleID:  id,
			Plaintext: fmt.Sprintf("synthetic payload %d", i),
		}
		sampleIDs[i] = id
	}
	if err := orch.AddTrainingSamples(datasetID, inputs, modelVersion); err != nil {
		fmt.Fprintf(stderr, "add samples: %v\n", err)
		return 1
	}

	pkg, err := orch.GenerateComplianceAudit(context.Background(), orchestrator.AuditRequest{
		SessionID:           sessionID,
		DatasetID:           datasetID,
		SampleIDs:           sampleIDs,
		ModelVersion:        modelVersion,
		ComplianceFramework: "demo",
		AuditType:           "on-demand",
	})
	if err != nil {
		fmt.Fprintf(stderr, "generate audit: %v\n", err)
		return 1
	}

	if err := orch.VerifyAuditIntegrity(pkg, capsule.VerifyOptions{}); err != nil {
		fmt.Fprintf(stderr, "verify audit: %v\n", err)
		return 1
	}

	if exportPackage {
		canonical, err := pkg.ExportJSON()
		if err != nil {
			fmt.Fprintf(stderr, "export package: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(canonical))
	}

	report := orch.GlobalPerformanceReport()

	summary := struct {
		AuditID          string  `json:"audit_id"`
		DatasetID        string  `json:"dataset_id"`
		SamplesAudited   int     `json:"samples_audited"`
		MerkleRoot       string  `json:"merkle_root_hex"`
		ProofCacheHits   uint64  `json:"proof_cache_hits"`
		ProofCacheMisses uint64  `json:"proof_cache_misses"`
		ProofCacheRatio  float64 `json:"proof_cache_hit_ratio"`
	}{
		AuditID:          pkg.AuditID,
		DatasetID:        pkg.DatasetID,
		SamplesAudited:   len(pkg.MaterializedCapsules),
		MerkleRoot:       hex.EncodeToString(pkg.MerkleTreeInfo.RootHash[:]),
		ProofCacheHits:   report.ProofCacheHits,
		ProofCacheMisses: report.ProofCacheMisses,
		ProofCacheRatio:  report.ProofCacheHitRatio,
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		fmt.Fprintf(stderr, "encode summary: %v\n", err)
		return 1
	}
	return 0
}

