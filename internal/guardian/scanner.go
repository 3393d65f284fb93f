package guardian

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/garagon/aguara"

	"github.com/conclave-sec/conclave/rules"
)

// AguaraScanner wraps the Aguara engine as an EnhancementScanner. It
// loads conclave's embedded manipulation rules plus an optional custom
// rules directory, and hot-swaps its options when the custom directory
// changes on disk.
type AguaraScanner struct {
	tempDir string // embedded rules extracted here
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu   sync.RWMutex
	opts []aguara.Option

	customRulesDir string
}

// NewAguaraScanner creates a scanner. customRulesDir may be empty.
func NewAguaraScanner(customRulesDir string, logger *slog.Logger) *AguaraScanner {
	s := &AguaraScanner{customRulesDir: customRulesDir, logger: logger}

	dir, err := extractEmbeddedRules()
	if err == nil && dir != "" {
		s.tempDir = dir
	} else if err != nil {
		logger.Warn("embedded manipulation rules unavailable", "error", err)
	}
	s.rebuildOpts()

	if customRulesDir != "" {
		s.watchCustomRules(customRulesDir)
	}
	return s
}

func (s *AguaraScanner) rebuildOpts() {
	var opts []aguara.Option
	if s.tempDir != "" {
		opts = append(opts, aguara.WithCustomRules(s.tempDir))
	}
	if s.customRulesDir != "" {
		if _, err := os.Stat(s.customRulesDir); err == nil {
			opts = append(opts, aguara.WithCustomRules(s.customRulesDir))
		}
	}

	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
}

// watchCustomRules reloads scanner options whenever a rule file in the
// custom directory is written, created, or removed.
func (s *AguaraScanner) watchCustomRules(dir string) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("rules watcher unavailable", "error", err)
		return
	}
	if err := w.Add(dir); err != nil {
		s.logger.Warn("cannot watch custom rules dir", "dir", dir, "error", err)
		_ = w.Close()
		return
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				ext := filepath.Ext(ev.Name)
				if ext != ".yaml" && ext != ".yml" {
					continue
				}
				s.logger.Info("custom rules changed, reloading", "file", ev.Name, "op", ev.Op.String())
				s.rebuildOpts()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("rules watcher error", "error", err)
			}
		}
	}()
}

// Scan runs the content through Aguara and maps the worst finding
// severity to a Signal risk.
func (s *AguaraScanner) Scan(ctx context.Context, content string) (Signal, error) {
	s.mu.RLock()
	opts := s.opts
	s.mu.RUnlock()

	result, err := aguara.ScanContent(ctx, content, "message.md", opts...)
	if err != nil {
		return Signal{}, fmt.Errorf("aguara scan: %w", err)
	}

	signal := Signal{Risk: "none"}
	var names []string
	var worst aguara.Severity

	for _, f := range result.Findings {
		names = append(names, f.RuleID)
		if f.Severity > worst {
			worst = f.Severity
		}
	}

	switch {
	case worst >= aguara.SeverityCritical:
		signal.Risk = "critical"
	case worst >= aguara.SeverityHigh:
		signal.Risk = "high"
	case worst >= aguara.SeverityMedium:
		signal.Risk = "medium"
	case len(names) > 0:
		signal.Risk = "low"
	}

	signal.Patterns = names
	if len(names) > 0 {
		signal.Detail = fmt.Sprintf("manipulation rules triggered: %s", strings.Join(names, ", "))
	}
	return signal, nil
}

// Close stops the watcher and removes extracted rule files.
func (s *AguaraScanner) Close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.tempDir != "" {
		_ = os.RemoveAll(s.tempDir) //nolint:errcheck // best-effort cleanup
	}
}

// extractEmbeddedRules writes the embedded rule YAMLs to a temp
// directory so Aguara can load them from disk.
func extractEmbeddedRules() (string, error) {
	dir, err := os.MkdirTemp("", "conclave-rules-*")
	if err != nil {
		return "", err
	}

	embedded := rules.FS()
	err = fs.WalkDir(embedded, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, err := fs.ReadFile(embedded, path)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, filepath.Base(path)), data, 0o644)
	})
	if err != nil {
		_ = os.RemoveAll(dir) //nolint:errcheck // best-effort cleanup
		return "", err
	}
	return dir, nil
}
