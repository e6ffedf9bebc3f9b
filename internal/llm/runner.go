// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// runnerBackend drives inference through an external runner process, one
// invocation per completion. The runner receives the prompt on stdin and
// writes generated text to stdout as it is produced.
type runnerBackend struct {
	program   string
	modelPath string
	maxTokens int
}

// NewRunnerLoader returns a Loader that shells out to the configured runner
// binaries: ggufRunner for GGUF artifacts, transformersRunner for the rest.
func NewRunnerLoader(ggufRunner, transformersRunner string) Loader {
	return func(kind Kind, modelPath string, maxNewTokens int) (Backend, error) {
		program := transformersRunner
		if kind == KindGGUF {
			program = ggufRunner
		}
		if program == "" {
			return nil, fmt.Errorf("no %s runner configured", kind)
		}
		return &runnerBackend{
			program:   program,
			modelPath: modelPath,
			maxTokens: maxNewTokens,
		}, nil
	}
}

func (b *runnerBackend) command(ctx context.Context, prompt string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, b.program,
		"--model", b.modelPath,
		"--max-tokens", strconv.Itoa(b.maxTokens),
	)
	cmd.Stdin = strings.NewReader(prompt)
	return cmd
}

func (b *runnerBackend) Complete(ctx context.Context, prompt string) (string, error) {
	cmd := b.command(ctx, prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("runner failed: %s", msg)
		}
		return "", fmt.Errorf("runner failed: %w", err)
	}
	return stdout.String(), nil
}

func (b *runnerBackend) Stream(ctx context.Context, prompt string) (<-chan StreamChunk, error) {
	cmd := b.command(ctx, prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runner: %w", err)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		buf := make([]byte, 4096)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				select {
				case out <- StreamChunk{Delta: string(buf[:n])}:
				case <-ctx.Done():
					cmd.Wait()
					select {
					case out <- StreamChunk{Err: ctx.Err()}:
					default:
					}
					return
				}
			}
			if rerr != nil {
				werr := cmd.Wait()
				if rerr != io.EOF {
					out <- StreamChunk{Err: rerr}
				} else if werr != nil {
					if msg := strings.TrimSpace(stderr.String()); msg != "" {
						werr = fmt.Errorf("runner failed: %s", msg)
					}
					out <- StreamChunk{Err: werr}
				}
				return
			}
		}
	}()
	return out, nil
}

func (b *runnerBackend) Close() error { return nil }
