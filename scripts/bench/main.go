// Benchmark report tool for fleetlink.
//
// Runs the benchmarks of each hot-path package separately and writes a
// report grouped by package to target/reports/bench.txt. Exits non-zero if
// any package fails.
//
// Usage:
//
//	go run ./scripts/bench
//	BENCH_TIME=10s go run ./scripts/bench
//	BENCH_FILTER=Fold go run ./scripts/bench
package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

type benchSuite struct {
	Package string
	About   string
}

// benchSuites are the packages on the enrollment and heartbeat paths.
var benchSuites = []benchSuite{
	{Package: "./internal/ingest/", About: "rollup folding per heartbeat"},
	{Package: "./internal/enroll/", About: "hardware fingerprinting"},
	{Package: "./internal/broadcast/", About: "event fan-out to subscribers"},
	{Package: "./internal/cache/", About: "fleet snapshots for /api/fleet and /healthz"},
}

type suiteResult struct {
	Suite    benchSuite
	Lines    []string
	Duration time.Duration
	Err      error
}

func main() {
	projectRoot := findProjectRoot()
	reportDir := filepath.Join(projectRoot, "target", "reports")
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		log.Fatalf("creating report directory: %v", err)
	}

	benchTime := envOr("BENCH_TIME", "3s")
	filter := envOr("BENCH_FILTER", ".")

	results := make([]suiteResult, 0, len(benchSuites))
	failures := 0
	for _, suite := range benchSuites {
		fmt.Printf("--- %s (%s) ---\n", suite.Package, suite.About)
		r := runSuite(projectRoot, suite, benchTime, filter)
		if r.Err != nil {
			failures++
		}
		results = append(results, r)
	}

	report := buildReport(time.Now(), captureGoVersion(), benchTime, results)
	reportPath := filepath.Join(reportDir, "bench.txt")
	if err := os.WriteFile(reportPath, []byte(report), 0o644); err != nil {
		log.Fatalf("writing bench report: %v", err)
	}
	fmt.Printf("\nBenchmark report: %s\n", reportPath)

	if failures > 0 {
		fmt.Printf("%d package(s) failed.\n", failures)
		os.Exit(1)
	}
	fmt.Println("Benchmark run complete.")
}

func runSuite(projectRoot string, suite benchSuite, benchTime, filter string) suiteResult {
	start := time.Now()
	cmd := exec.Command("go", "test",
		"-run=^$",
		"-bench="+filter,
		"-benchmem",
		"-benchtime="+benchTime,
		suite.Package,
	)
	cmd.Dir = projectRoot

	var buf bytes.Buffer
	cmd.Stdout = io.MultiWriter(os.Stdout, &buf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &buf)
	err := cmd.Run()

	return suiteResult{
		Suite:    suite,
		Lines:    benchmarkLines(buf.String()),
		Duration: time.Since(start),
		Err:      err,
	}
}

// benchmarkLines keeps only result rows, dropping goos/pkg/PASS chatter.
func benchmarkLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Benchmark") {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	return lines
}

func buildReport(now time.Time, goVer, benchTime string, results []suiteResult) string {
	var sb strings.Builder
	sep := strings.Repeat("=", 72)
	sb.WriteString("fleetlink Benchmark Report\n")
	sb.WriteString(sep + "\n")
	fmt.Fprintf(&sb, "Generated:      %s\n", now.Format(time.RFC1123))
	fmt.Fprintf(&sb, "Go Version:     %s\n", goVer)
	fmt.Fprintf(&sb, "OS/Arch:        %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Benchmark Time: %s per benchmark\n", benchTime)
	sb.WriteString(sep + "\n")

	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "FAIL: " + r.Err.Error()
		}
		fmt.Fprintf(&sb, "\n%s  %s  [%s, %s]\n", r.Suite.Package, r.Suite.About, status, r.Duration.Round(time.Second))
		if len(r.Lines) == 0 {
			sb.WriteString("  (no benchmarks matched)\n")
			continue
		}
		for _, line := range r.Lines {
			sb.WriteString("  " + line + "\n")
		}
	}
	return sb.String()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func captureGoVersion() string {
	out, err := exec.Command("go", "version").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

func findProjectRoot() string {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		log.Fatal("could not determine script directory")
	}
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			log.Fatal("could not find project root (no go.mod found)")
		}
		dir = parent
	}
}
