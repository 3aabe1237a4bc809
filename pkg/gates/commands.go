package gates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/crewline/foreman/pkg/audit"
	"github.com/crewline/foreman/pkg/models"
)

// Toolchain holds the lint and type-check commands for one language.
// Commands are names resolved via PATH, never absolute paths.
type Toolchain struct {
	Lint      []string `yaml:"lint"`
	TypeCheck []string `yaml:"type_check"`
}

func (t Toolchain) lint() []string      { return t.Lint }
func (t Toolchain) typeCheck() []string { return t.TypeCheck }

func defaultToolchains() map[string]Toolchain {
	return map[string]Toolchain{
		"go": {
			Lint:      []string{"golangci-lint", "run"},
			TypeCheck: []string{"go", "vet"},
		},
		"python": {
			Lint:      []string{"ruff", "check"},
			TypeCheck: []string{"mypy"},
		},
		"typescript": {
			Lint:      []string{"eslint"},
			TypeCheck: []string{"tsc", "--noEmit"},
		},
		"javascript": {
			Lint: []string{"eslint"},
		},
		"rust": {
			Lint:      []string{"cargo", "clippy", "--quiet"},
			TypeCheck: []string{"cargo", "check", "--quiet"},
		},
	}
}

func defaultBuildCommands() [][]string {
	return [][]string{
		{"go", "build", "./..."},
		{"cargo", "build"},
		{"npm", "run", "build"},
		{"make", "build"},
	}
}

var extLanguages = map[string]string{
	".go":  "go",
	".py":  "python",
	".ts":  "typescript",
	".tsx": "typescript",
	".js":  "javascript",
	".jsx": "javascript",
	".rs":  "rust",
}

// detectLanguage picks the majority language among the target files.
func detectLanguage(files []string) string {
	counts := make(map[string]int)
	for _, f := range files {
		if lang, ok := extLanguages[filepath.Ext(f)]; ok {
			counts[lang]++
		}
	}
	best, bestCount := "", 0
	for lang, n := range counts {
		if n > bestCount || (n == bestCount && lang < best) {
			best, bestCount = lang, n
		}
	}
	return best
}

// checkToolchain runs the per-language lint or type-check command against the
// task's target files. A missing command or undetectable language is a soft
// pass.
func (r *Runner) checkToolchain(ctx context.Context, kind string, task *models.Task, timeout time.Duration, pick func(Toolchain) []string) (bool, string) {
	lang := detectLanguage(task.TargetFiles)
	if lang == "" {
		slog.Info("No recognizable language in target files, passing gate",
			"gate", kind, "task", task.Title)
		return true, ""
	}
	argv := pick(r.cfg.Toolchains[lang])
	if len(argv) == 0 {
		slog.Info("No command configured for language, passing gate",
			"gate", kind, "language", lang)
		return true, ""
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		slog.Info("Command not installed, passing gate",
			"gate", kind, "command", argv[0])
		return true, ""
	}

	output, err := r.runCommand(ctx, append(argv, task.TargetFiles...), timeout)
	if err == nil {
		return true, ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false, fmt.Sprintf("%s timed out after %s", kind, timeout)
	}
	return false, fmt.Sprintf("%s failed: %v\n\n%s", kind, err, audit.Truncate(output, feedbackLimit))
}

// checkBuild tries the configured build commands in order; the first whose
// binary exists decides the gate. None installed is a soft pass.
func (r *Runner) checkBuild(ctx context.Context) (bool, string) {
	commands := r.cfg.BuildCommands
	if commands == nil {
		commands = defaultBuildCommands()
	}
	for _, argv := range commands {
		if len(argv) == 0 {
			continue
		}
		if _, err := exec.LookPath(argv[0]); err != nil {
			continue
		}
		output, err := r.runCommand(ctx, argv, r.cfg.BuildTimeout)
		if err == nil {
			return true, ""
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Sprintf("build timed out after %s", r.cfg.BuildTimeout)
		}
		return false, fmt.Sprintf("build failed: %v\n\n%s", err, audit.Truncate(output, feedbackLimit))
	}
	slog.Info("No build command installed, passing gate")
	return true, ""
}

func (r *Runner) runCommand(ctx context.Context, argv []string, timeout time.Duration) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Dir = r.workDir
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "TERM=dumb")
	cmd.WaitDelay = 5 * time.Second

	output, err := cmd.CombinedOutput()
	if cmdCtx.Err() != nil && ctx.Err() == nil {
		return string(output), context.DeadlineExceeded
	}
	return string(output), err
}
