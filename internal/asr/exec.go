package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecRecognizer shells out to a local speech-to-text command (whisper.cpp
// style). The command receives --audio <wav> and, when known, --language
// <code>, and prints either {"text": "..."} or plain text on stdout.
type ExecRecognizer struct {
	cmd    []string
	tmpDir string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(command string) (*ExecRecognizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse asr command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("asr command is empty")
	}
	return &ExecRecognizer{cmd: args, tmpDir: os.TempDir()}, nil
}

func (r *ExecRecognizer) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	file, err := os.CreateTemp(r.tmpDir, "vocistant_asr_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())

	if err := audio.WriteWAV(file, audio.Float32ToPCM(samples)); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close temp wav: %w", err)
	}

	args := append(append([]string{}, r.cmd[1:]...), "--audio", file.Name())
	if lang := NormalizeLanguage(language); lang != "" {
		args = append(args, "--language", lang)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("asr command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) > 0 && out[0] == '{' {
		var resp execResult
		if err := json.Unmarshal(out, &resp); err != nil {
			return "", fmt.Errorf("decode asr response: %w", err)
		}
		return strings.TrimSpace(resp.Text), nil
	}
	return string(out), nil
}
