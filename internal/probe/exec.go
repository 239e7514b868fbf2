package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

const targetPlaceholder = "{target}"

// Exec runs an external command per target. It succeeds when a line of the
// standard output matches Match. {target} in Args is replaced by the target,
// without a placeholder the target is the last argument.
type Exec struct {
	Path  string
	Args  []string
	Match *regexp.Regexp
}

func NewExec(cfg model.Exec) (Exec, error) {
	re, err := regexp.Compile(cfg.Match)
	if err != nil {
		return Exec{}, fmt.Errorf("compiling exec match: %w", err)
	}
	return Exec{
		Path:  cfg.Path,
		Args:  append([]string(nil), cfg.Args...),
		Match: re,
	}, nil
}

func (p Exec) Probe(ctx context.Context, target model.Target) (model.Result, error) {
	args := make([]string, 0, len(p.Args)+1)
	replaced := false
	for _, arg := range p.Args {
		if strings.Contains(arg, targetPlaceholder) {
			replaced = true
			arg = strings.ReplaceAll(arg, targetPlaceholder, target)
		}
		args = append(args, arg)
	}
	if !replaced {
		args = append(args, target)
	}

	cmd := exec.CommandContext(ctx, p.Path, args...)
	cmd.WaitDelay = time.Second
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	runErr := cmd.Run()

	var matches []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if p.Match.MatchString(line) {
			matches = append(matches, line)
		}
	}
	if len(matches) > 0 {
		if runErr != nil {
			slog.DebugContext(ctx, "command failed after a match", "path", p.Path, "err", runErr)
		}
		return model.Success(strings.Join(matches, "; ")), nil
	}
	if runErr != nil {
		return model.Result{}, fmt.Errorf("%s: %w", p.Path, runErr)
	}
	return model.Failure(model.ErrNoMatch.Error()), nil
}
