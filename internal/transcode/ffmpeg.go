package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/tts"
	"github.com/mattn/go-shellwords"
)

type ffmpeg struct {
	cmd    []string
	tmpDir string
}

// NewFFmpeg runs command (an ffmpeg binary plus global flags) once per call,
// converting through temporary files that are removed afterwards.
func NewFFmpeg(command string) (Transcoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcode command empty")
	}
	return &ffmpeg{cmd: args, tmpDir: os.TempDir()}, nil
}

func (f *ffmpeg) Transcode(ctx context.Context, in tts.Audio, target Format) ([]byte, error) {
	dir, err := os.MkdirTemp(f.tmpDir, "loqa_relay_*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "input."+extension(in.Container))
	outPath := filepath.Join(dir, "output.pcm")
	if err := os.WriteFile(inPath, in.Data, 0o600); err != nil {
		return nil, fmt.Errorf("write transcode input: %w", err)
	}

	command := exec.CommandContext(ctx, f.cmd[0], f.args(in, target, inPath, outPath)...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	pcm, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read transcode output: %w", err)
	}
	return pcm, nil
}

func (f *ffmpeg) args(in tts.Audio, target Format, inPath, outPath string) []string {
	args := append([]string{}, f.cmd[1:]...)
	if in.Container == tts.ContainerRaw {
		// Raw input carries no header, so describe it.
		rate, channels := in.SampleRate, in.Channels
		if rate == 0 {
			rate = target.SampleRate
		}
		if channels == 0 {
			channels = target.Channels
		}
		args = append(args, "-f", "s16le", "-ar", strconv.Itoa(rate), "-ac", strconv.Itoa(channels))
	}
	return append(args,
		"-i", inPath,
		"-f", fmt.Sprintf("s%dle", target.BitDepth),
		"-ar", strconv.Itoa(target.SampleRate),
		"-ac", strconv.Itoa(target.Channels),
		outPath,
	)
}

func extension(container string) string {
	switch container {
	case tts.ContainerMP3:
		return "mp3"
	case tts.ContainerWAV:
		return "wav"
	default:
		return "raw"
	}
}
