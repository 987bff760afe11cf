package gate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// Scanner is one independent system-scan check over a worker's output tree.
type Scanner interface {
	Name() string
	Scan(dir string) []pipeline.Violation
}

// ScanLayer runs the configured scanner set against every worker directory.
type ScanLayer struct {
	Scanners []Scanner
}

// NewScanLayer builds a ScanLayer from scanner names. Unknown names were
// already rejected by config validation.
func NewScanLayer(names []string) *ScanLayer {
	registry := map[string]Scanner{
		"secrets": &secretScanner{},
		"cors":    &corsScanner{},
		"logging": &loggingScanner{},
		"tracing": &tracingScanner{},
		"health":  &healthScanner{},
		"deploy":  &deployScanner{},
	}
	var scanners []Scanner
	for _, n := range names {
		if s, ok := registry[n]; ok {
			scanners = append(scanners, s)
		}
	}
	return &ScanLayer{Scanners: scanners}
}

func (l *ScanLayer) Name() string   { return "system_scan" }
func (l *ScanLayer) Blocking() bool { return true }

func (l *ScanLayer) Run(_ context.Context, target *Target) (pipeline.Verdict, []pipeline.Violation, error) {
	var violations []pipeline.Violation
	for _, dir := range orderedWorkerDirs(target) {
		for _, s := range l.Scanners {
			violations = append(violations, s.Scan(dir)...)
		}
	}

	critical := false
	for _, v := range violations {
		if v.Severity == "critical" {
			critical = true
			break
		}
	}

	switch {
	case critical:
		return pipeline.VerdictFailed, violations, nil
	case len(violations) > 0:
		return pipeline.VerdictPartial, violations, nil
	default:
		return pipeline.VerdictPassed, violations, nil
	}
}

// Rescan runs the scanner set over just the given worker directories. The
// fix loop uses this as its minimum re-verification surface after a pass.
func (l *ScanLayer) Rescan(_ context.Context, dirs map[string]string) ([]pipeline.Violation, error) {
	names := make([]string, 0, len(dirs))
	for name := range dirs {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []pipeline.Violation
	for _, name := range names {
		for _, s := range l.Scanners {
			violations = append(violations, s.Scan(dirs[name])...)
		}
	}
	return violations, nil
}

// orderedWorkerDirs returns worker directories in a stable order so scan
// output is deterministic run to run.
func orderedWorkerDirs(target *Target) []string {
	if len(target.WorkerDirs) == 0 {
		return nil
	}
	names := make([]string, 0, len(target.WorkerDirs))
	for name := range target.WorkerDirs {
		names = append(names, name)
	}
	sort.Strings(names)
	dirs := make([]string, len(names))
	for i, n := range names {
		dirs[i] = target.WorkerDirs[n]
	}
	return dirs
}

// maxScanFileSize keeps scanners from reading huge generated blobs.
const maxScanFileSize = 1 << 20

// eachSourceFile walks a worker tree and invokes fn with each text file's
// relative path and content. Unreadable files are skipped.
func eachSourceFile(root string, fn func(rel string, content string)) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxScanFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		fn(rel, string(data))
		return nil
	})
}

// violationAt builds a violation pointing at worker-relative file location.
func violationAt(scanner, category, severity, dir, rel, msg string) pipeline.Violation {
	return pipeline.Violation{
		Category: category,
		Location: filepath.Base(dir) + "/" + rel,
		Severity: severity,
		Message:  msg,
		Source:   scanner,
	}
}

// isSourceExt reports whether a path looks like service source code.
func isSourceExt(rel string) bool {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".go", ".py", ".js", ".ts", ".java", ".rb", ".rs":
		return true
	}
	return false
}

// fmtLine is a tiny helper for scanner messages with line numbers.
func fmtLine(msg string, line int) string {
	return fmt.Sprintf("%s (line %d)", msg, line)
}
