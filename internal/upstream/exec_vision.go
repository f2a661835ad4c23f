package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execVision struct {
	cmd []string
}

type execVisionRequest struct {
	MimeType string `json:"mime_type"`
	Image    []byte `json:"image"`
	Question string `json:"question"`
}

type execVisionResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// NewExecVision runs command once per request, writing a JSON request with a
// base64 image to stdin and reading {"text": ...} from stdout.
func NewExecVision(command string) (Vision, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse vision command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("vision command empty")
	}
	return &execVision{cmd: args}, nil
}

func (v *execVision) Analyze(ctx context.Context, req VisionRequest) (string, error) {
	input, err := json.Marshal(execVisionRequest{MimeType: req.MimeType, Image: req.Image, Question: req.Question})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, v.cmd[0], v.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("vision command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execVisionResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode vision response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("vision command error: %s", resp.Error)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("vision command returned no text")
	}
	return text, nil
}
