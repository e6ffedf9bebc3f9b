// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/jarvislabs/jarvis-core/internal/httperror"
)

const (
	maxDirEntries  = 200
	maxReadBytes   = 65536
	maxOutputBytes = 65536
	defaultTimeout = 60 * time.Second
)

// Entry is one directory listing element.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// OpenResult describes a path: directories carry Entries, files carry
// Size and Modified.
type OpenResult struct {
	Path     string   `json:"path"`
	Type     string   `json:"type"`
	Entries  []Entry  `json:"entries,omitempty"`
	Size     *int64   `json:"size,omitempty"`
	Modified *float64 `json:"modified,omitempty"`
}

// Open inspects a path inside the sandbox. Directory listings are sorted
// by name and truncated to 200 entries.
func (s *Sandbox) Open(path string) (*OpenResult, error) {
	resolved, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, httperror.NotFound("path %q does not exist", path)
		}
		return nil, httperror.Validation("cannot stat %q: %v", path, err)
	}

	if info.IsDir() {
		dirents, err := os.ReadDir(resolved)
		if err != nil {
			return nil, httperror.Validation("cannot list %q: %v", path, err)
		}
		if len(dirents) > maxDirEntries {
			dirents = dirents[:maxDirEntries]
		}
		res := &OpenResult{Path: resolved, Type: "directory", Entries: []Entry{}}
		for _, d := range dirents {
			kind := "file"
			if d.IsDir() {
				kind = "directory"
			}
			res.Entries = append(res.Entries, Entry{
				Name: d.Name(),
				Path: resolved + string(os.PathSeparator) + d.Name(),
				Type: kind,
			})
		}
		return res, nil
	}

	size := info.Size()
	modified := float64(info.ModTime().UnixNano()) / float64(time.Second)
	return &OpenResult{Path: resolved, Type: "file", Size: &size, Modified: &modified}, nil
}

// ReadRequest parameterises a bounded file read.
type ReadRequest struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding,omitempty"`
	Offset   int64  `json:"offset,omitempty"`
	Length   *int   `json:"length,omitempty"`
	MaxBytes int    `json:"max_bytes,omitempty"`
}

// ReadResult is the decoded slice of a file.
type ReadResult struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Offset   int64  `json:"offset"`
	Length   int    `json:"length"`
}

// Read returns up to min(length, max_bytes) bytes of a file starting at
// offset, decoded with the requested encoding. Malformed sequences become
// the replacement character.
func (s *Sandbox) Read(req ReadRequest) (*ReadResult, error) {
	encoding := req.Encoding
	if encoding == "" {
		encoding = "utf-8"
	}
	if !knownEncoding(encoding) {
		return nil, httperror.Validation("unsupported encoding %q", req.Encoding)
	}
	if req.Offset < 0 {
		return nil, httperror.Validation("offset must not be negative")
	}
	limit := req.MaxBytes
	if limit <= 0 || limit > maxReadBytes {
		limit = maxReadBytes
	}
	if req.Length != nil && *req.Length >= 0 && *req.Length < limit {
		limit = *req.Length
	}

	resolved, err := s.Resolve(req.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, httperror.NotFound("path %q does not exist", req.Path)
		}
		return nil, httperror.Validation("cannot stat %q: %v", req.Path, err)
	}
	if info.IsDir() {
		return nil, httperror.Validation("path %q is a directory", req.Path)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, httperror.Validation("cannot open %q: %v", req.Path, err)
	}
	defer f.Close()
	if _, err := f.Seek(req.Offset, io.SeekStart); err != nil {
		return nil, httperror.Validation("cannot seek %q: %v", req.Path, err)
	}
	buf := make([]byte, limit)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, httperror.Validation("cannot read %q: %v", req.Path, err)
	}

	return &ReadResult{
		Content:  decode(buf[:n], encoding),
		Encoding: encoding,
		Offset:   req.Offset,
		Length:   n,
	}, nil
}

func knownEncoding(enc string) bool {
	switch strings.ToLower(enc) {
	case "utf-8", "utf8", "ascii", "us-ascii", "latin-1", "latin1", "iso-8859-1":
		return true
	}
	return false
}

func decode(b []byte, enc string) string {
	switch strings.ToLower(enc) {
	case "ascii", "us-ascii":
		var sb strings.Builder
		for _, c := range b {
			if c < utf8.RuneSelf {
				sb.WriteByte(c)
			} else {
				sb.WriteRune(utf8.RuneError)
			}
		}
		return sb.String()
	case "latin-1", "latin1", "iso-8859-1":
		var sb strings.Builder
		for _, c := range b {
			sb.WriteRune(rune(c))
		}
		return sb.String()
	default:
		return strings.ToValidUTF8(string(b), string(utf8.RuneError))
	}
}

// RunRequest parameterises a bounded subprocess run. Exactly one of Argv
// and Line is set, depending on whether the caller supplied a list or a
// shell string.
type RunRequest struct {
	Argv    []string
	Line    string
	Cwd     string
	Timeout time.Duration
	Shell   bool
}

// RunResult reports a finished subprocess.
type RunResult struct {
	Command    any    `json:"command"`
	Cwd        string `json:"cwd"`
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// Run executes a subprocess inside the sandbox with a hard wall-clock
// timeout. On expiry the whole process group is killed and the request
// fails with 504. Stdout and stderr are truncated to 64 KiB each.
func (s *Sandbox) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	var display any
	switch {
	case req.Argv != nil:
		if len(req.Argv) == 0 {
			return nil, httperror.Validation("command must not be empty")
		}
		for _, arg := range req.Argv {
			if arg == "" {
				return nil, httperror.Validation("command elements must not be empty")
			}
		}
		display = req.Argv
	case strings.TrimSpace(req.Line) != "":
		display = req.Line
	default:
		return nil, httperror.Validation("command must not be empty")
	}

	cwd := s.roots[0]
	if req.Cwd != "" {
		resolved, err := s.Resolve(req.Cwd)
		if err != nil {
			return nil, err
		}
		cwd = resolved
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var cmd *exec.Cmd
	if req.Argv != nil && !req.Shell {
		cmd = exec.Command(req.Argv[0], req.Argv[1:]...)
	} else {
		line := req.Line
		if req.Argv != nil {
			quoted := make([]string, len(req.Argv))
			for i, arg := range req.Argv {
				quoted[i] = shQuote(arg)
			}
			line = strings.Join(quoted, " ")
		}
		cmd = exec.Command("/bin/sh", "-c", line)
	}
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, httperror.Validation("cannot start command: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				return nil, httperror.New(500, "command failed: %v", err)
			}
		}
		return &RunResult{
			Command:    display,
			Cwd:        cwd,
			ReturnCode: code,
			Stdout:     truncateOutput(stdout.Bytes()),
			Stderr:     truncateOutput(stderr.Bytes()),
		}, nil
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		return nil, httperror.Validation("request cancelled")
	case <-timer.C:
		killGroup(cmd)
		<-done
		s.log.Warn("command timed out after %s: %v", timeout, display)
		return nil, httperror.Timeout("Command timed out")
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid targets the process group created by Setpgid.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}

func truncateOutput(b []byte) string {
	if len(b) > maxOutputBytes {
		b = b[:maxOutputBytes]
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// shQuote wraps arg in single quotes for the platform shell when needed.
func shQuote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n\"'\\$&|;<>(){}*?[]~#`") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
