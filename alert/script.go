package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotification is returned when a critical alert could not be delivered
var ErrNotification = errors.New("notification failed")

// Sink receives critical battery alerts
type Sink interface {
	NotifyCritical(ctx context.Context, percent float64) error
}

// ScriptSink runs `sh <script> <percent>` for each alert
type ScriptSink struct {
	script  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewScriptSink creates a sink for the given script path
func NewScriptSink(script string, timeout time.Duration, logger *zap.Logger) *ScriptSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ScriptSink{script: script, timeout: timeout, logger: logger}
}

// NotifyCritical runs the alert script. A missing script is logged and skipped.
func (s *ScriptSink) NotifyCritical(ctx context.Context, percent float64) error {
	if _, err := os.Stat(s.script); err != nil {
		s.logger.Warn("critical battery alert skipped, notify script not found",
			zap.String("script", s.script),
			zap.Float64("percent", percent),
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	arg := strconv.FormatFloat(percent, 'f', -1, 64)
	cmd := exec.CommandContext(ctx, "sh", s.script, arg)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s %s: %v: %s", ErrNotification, s.script, arg, err, strings.TrimSpace(stderr.String()))
	}

	s.logger.Info("sent critical battery alert",
		zap.Float64("percent", percent),
		zap.String("output", strings.TrimSpace(stdout.String())),
	)
	return nil
}

// Nop discards alerts
type Nop struct{}

func (Nop) NotifyCritical(context.Context, float64) error { return nil }
