package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	container  string
	sampleRate int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
}

// NewExecSynth runs command once per request. The request is written to stdin
// as JSON and stdout is taken as audio in the given container.
func NewExecSynth(command, container string, sampleRate int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if container == "" {
		container = ContainerWAV
	}
	return &execSynth{cmd: args, container: container, sampleRate: sampleRate}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	data, err := json.Marshal(execRequest{Text: req.Text, Voice: req.Voice, SampleRate: e.sampleRate})
	if err != nil {
		return Audio{}, err
	}

	command := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	var stdout, stderr bytes.Buffer
	command.Stdin = bytes.NewReader(data)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Audio{}, fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return Audio{}, errors.New("tts command produced no audio")
	}
	return Audio{Data: stdout.Bytes(), Container: e.container, SampleRate: e.sampleRate, Channels: 1}, nil
}
