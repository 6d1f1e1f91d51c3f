// Package processor runs the external clip pipeline for one video URL.
// The pipeline is a separate program; this package builds its argument
// list, contains its failures, and reads its result summary.
package processor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclip/clipd/internal/pipeline"
)

// Config locates the pipeline program. Args may contain the {url}
// placeholder; option flags derived from ProcessOptions are appended
// after them.
type Config struct {
	Command string
	Args    []string
	WorkDir string
}

// Command is a pipeline.Processor backed by an external program.
type Command struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Command, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("processor command is required")
	}
	return &Command{cfg: cfg, logger: logger}, nil
}

// resultLine is the summary the pipeline prints as its last stdout
// line.
type resultLine struct {
	ClipsFound     int      `json:"clips_found"`
	ClipsProcessed int      `json:"clips_processed"`
	Errors         []string `json:"errors"`
}

// Process runs the pipeline synchronously. The context cancels the
// child process; a non-zero exit is a failed attempt, not an error in
// the loop's bookkeeping sense, so stderr is folded into the result.
func (c *Command) Process(ctx context.Context, url string, opts pipeline.ProcessOptions) (pipeline.ProcessResult, error) {
	args := make([]string, 0, len(c.cfg.Args)+8)
	for _, arg := range c.cfg.Args {
		args = append(args, strings.ReplaceAll(arg, "{url}", url))
	}
	args = append(args, optionFlags(opts)...)

	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	if c.cfg.WorkDir != "" {
		cmd.Dir = c.cfg.WorkDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		c.logger.Warn("pipeline run failed",
			zap.String("url", url),
			zap.Duration("elapsed", elapsed),
			zap.Error(runErr))
		return pipeline.ProcessResult{
			ProcessingTime: elapsed,
			Errors:         []string{fmt.Sprintf("%v: %s", runErr, lastLine(&stderr))},
		}, fmt.Errorf("running %s: %w", c.cfg.Command, runErr)
	}

	result := pipeline.ProcessResult{Success: true, ProcessingTime: elapsed}
	if summary, ok := parseSummary(&stdout); ok {
		result.ClipsFound = summary.ClipsFound
		result.ClipsProcessed = summary.ClipsProcessed
		result.Errors = summary.Errors
	} else {
		c.logger.Debug("pipeline printed no summary line", zap.String("url", url))
	}
	return result, nil
}

func optionFlags(opts pipeline.ProcessOptions) []string {
	var flags []string
	if opts.ModelSize != "" {
		flags = append(flags, "--model-size", opts.ModelSize)
	}
	if opts.Workers > 0 {
		flags = append(flags, "--workers", strconv.Itoa(opts.Workers))
	}
	if !opts.UseCache {
		flags = append(flags, "--no-cache")
	}
	if !opts.Upload {
		flags = append(flags, "--no-upload")
	}
	return flags
}

// parseSummary reads the last non-empty stdout line as JSON.
func parseSummary(out *bytes.Buffer) (resultLine, bool) {
	var last string
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	var summary resultLine
	if last == "" || json.Unmarshal([]byte(last), &summary) != nil {
		return resultLine{}, false
	}
	return summary, true
}

func lastLine(buf *bytes.Buffer) string {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	return lines[len(lines)-1]
}
