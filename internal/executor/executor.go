// Package executor runs an external agent command as a message Processor.
//
// For each message the command is started as a subprocess, the message is written
// to its stdin as JSON, and its stdout becomes the processing result. A non-zero
// exit, a timeout or oversized output is a processing failure.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dyluth/warren/internal/broker"
	"github.com/dyluth/warren/internal/logger"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the maximum time a command may run.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxOutput caps captured stdout and stderr (10MB each).
	DefaultMaxOutput = 10 * 1024 * 1024
)

var (
	// ErrTimeout is returned when the command outlives its timeout.
	ErrTimeout = errors.New("command timed out")

	// ErrOutputTooLarge is returned when stdout or stderr reaches the output cap.
	ErrOutputTooLarge = errors.New("command output exceeded limit")

	// ErrNoOutput is returned when the command exits cleanly without writing stdout.
	ErrNoOutput = errors.New("command produced no output")
)

// Config describes the agent command.
type Config struct {
	// Command is the argv of the agent, e.g. ["/usr/bin/python3", "agent.py"].
	Command []string `yaml:"command"`

	// Dir is the working directory. Empty means the current directory.
	Dir string `yaml:"dir"`

	// Env is appended to the inherited environment.
	Env []string `yaml:"env"`

	Timeout   time.Duration `yaml:"timeout"`
	MaxOutput int           `yaml:"max_output"`
}

// Validate checks the command and fills defaults.
func (c *Config) Validate() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("processor command is required (must be a non-empty array)")
	}
	if c.Dir != "" {
		info, err := os.Stat(c.Dir)
		if err != nil {
			return fmt.Errorf("processor dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("processor dir %s is not a directory", c.Dir)
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = DefaultMaxOutput
	}
	return nil
}

// Input is the JSON document written to the command's stdin.
type Input struct {
	RoomID     string            `json:"room_id"`
	Seq        int64             `json:"seq"`
	MessageID  string            `json:"message_id"`
	Channel    string            `json:"channel,omitempty"`
	Sender     string            `json:"sender,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// ExitError reports a non-zero exit status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("process exited with code %d", e.Code)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.Code, e.Stderr)
}

// Executor is a broker.Processor backed by a subprocess.
type Executor struct {
	cfg    Config
	logger *zap.Logger
}

var _ broker.Processor = (*Executor)(nil)

// New validates cfg and returns an executor.
func New(cfg Config, log *zap.Logger) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{cfg: cfg, logger: logger.OrNop(log)}, nil
}

// Process runs the command for one message.
func (e *Executor) Process(ctx context.Context, qm *broker.QueuedMessage) ([]byte, error) {
	input, err := json.Marshal(Input{
		RoomID:     qm.RoomID,
		Seq:        qm.Seq,
		MessageID:  qm.Message.ID,
		Channel:    qm.Message.Channel,
		Sender:     qm.Message.Sender,
		Payload:    qm.Message.Payload,
		Metadata:   qm.Message.Metadata,
		ReceivedAt: qm.ReceivedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command input: %w", err)
	}

	start := time.Now()
	stdout, stderr, err := e.run(ctx, input)
	log := e.logger.With(logger.RoomID(qm.RoomID), logger.Seq(qm.Seq))
	if err != nil {
		log.Warn("Agent command failed",
			logger.Event("command_failed"),
			zap.Duration("took", time.Since(start)),
			zap.String("stderr", truncate(stderr, 500)),
			zap.Error(err))
		return nil, err
	}
	log.Debug("Agent command completed",
		logger.Event("command_completed"),
		zap.Duration("took", time.Since(start)))

	out := bytes.TrimSpace(stdout)
	if len(out) == 0 {
		return nil, ErrNoOutput
	}
	return out, nil
}

func (e *Executor) run(ctx context.Context, input []byte) ([]byte, string, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.cfg.Command[0], e.cfg.Command[1:]...)
	cmd.Dir = e.cfg.Dir
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: e.cfg.MaxOutput}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: e.cfg.MaxOutput}

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("failed to start process: %w", err)
	}

	go func() {
		defer stdin.Close()
		if _, err := stdin.Write(input); err != nil && !errors.Is(err, os.ErrClosed) {
			e.logger.Debug("Failed to write command stdin", zap.Error(err))
		}
	}()

	err = cmd.Wait()
	stderr := strings.TrimSpace(stderrBuf.String())

	if stdoutBuf.Len() >= e.cfg.MaxOutput || stderrBuf.Len() >= e.cfg.MaxOutput {
		return nil, stderr, fmt.Errorf("%w (%d bytes)", ErrOutputTooLarge, e.cfg.MaxOutput)
	}
	if err != nil {
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, stderr, fmt.Errorf("%w after %s", ErrTimeout, e.cfg.Timeout)
		case ctx.Err() != nil:
			return nil, stderr, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, stderr, &ExitError{Code: exitErr.ExitCode(), Stderr: truncate(stderr, 2000)}
		}
		return nil, stderr, err
	}
	return stdoutBuf.Bytes(), stderr, nil
}

// limitedWriter discards everything past limit bytes.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}
	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}
	n, err := lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
