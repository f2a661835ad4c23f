package client

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// CaptureResult reports one screenshot attempt. Failures are carried in
// Error rather than returned.
type CaptureResult struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Image    []byte `json:"-"`
	MimeType string `json:"-"`
}

type ScreenCapturer interface {
	Capture(ctx context.Context) CaptureResult
}

type execCapturer struct {
	cmd     []string
	timeout time.Duration
}

// NewCapturer runs command for every screenshot and expects PNG bytes on
// stdout, e.g. "grim -" or "screencapture -x -t png /dev/stdout".
func NewCapturer(command string, timeout time.Duration) (ScreenCapturer, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &execCapturer{cmd: args, timeout: timeout}, nil
}

func (c *execCapturer) Capture(ctx context.Context) CaptureResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return CaptureResult{Error: msg}
	}
	img := stdout.Bytes()
	if !bytes.HasPrefix(img, pngSignature) {
		return CaptureResult{Error: "capture command did not produce a PNG image"}
	}
	return CaptureResult{Success: true, Image: img, MimeType: "image/png"}
}
