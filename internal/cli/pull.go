// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
)

// pullClient talks to a running jarvis-core service.
type pullClient struct {
	base  string
	token string
	httpc *http.Client
}

func (c *pullClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &detail) == nil && detail.Detail != "" {
			return fmt.Errorf("server: %s (HTTP %d)", detail.Detail, resp.StatusCode)
		}
		return fmt.Errorf("server: HTTP %d", resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

// progressView mirrors the progress payload of the service.
type progressView struct {
	Status     string   `json:"status"`
	Downloaded int64    `json:"downloaded"`
	Total      *int64   `json:"total"`
	Percent    *float64 `json:"percent"`
	Error      string   `json:"error,omitempty"`
}

func newPullCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		repo      string
		filename  string
		checksum  string
		hfToken   string
		tags      []string
		noWait    bool
	)

	cmd := &cobra.Command{
		Use:   "pull <model-id>",
		Short: "Download a model through a running jarvis-core service",
		Long: `Asks a running jarvis-core service to download a model file from the
model hub and waits for completion, rendering a progress bar.

Example:
  jarvis-core pull phi-2 --repo microsoft/phi-2 --file model.gguf
  jarvis-core pull llama --repo meta/llama --file m.bin --checksum <sha256> --no-wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelID := args[0]
			client := &pullClient{
				base:  strings.TrimRight(serverURL, "/"),
				token: token,
				httpc: &http.Client{Timeout: 30 * time.Second},
			}
			ctx := cmd.Context()

			body := map[string]any{
				"repo_id":  repo,
				"filename": filename,
			}
			if checksum != "" {
				body["checksum"] = checksum
			}
			if hfToken != "" {
				body["hf_token"] = hfToken
			}
			if len(tags) > 0 {
				body["tags"] = tags
			}
			if err := client.do(ctx, http.MethodPost, "/models/"+modelID+"/download", body, nil); err != nil {
				return err
			}
			if noWait {
				fmt.Printf("download of %s accepted\n", modelID)
				return nil
			}

			return waitForDownload(ctx, client, modelID)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8321", "Base URL of the jarvis-core service")
	cmd.Flags().StringVar(&token, "token", "", "API token of the service")
	cmd.Flags().StringVar(&repo, "repo", "", "Hub repository, e.g. microsoft/phi-2")
	cmd.Flags().StringVar(&filename, "file", "", "File within the repository")
	cmd.Flags().StringVar(&checksum, "checksum", "", "Expected SHA-256 of the file")
	cmd.Flags().StringVar(&hfToken, "hf-token", "", "Hub access token for gated repositories")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag to attach to the model (repeatable)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return immediately after the download is accepted")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("file")

	return cmd
}

// waitForDownload polls the progress endpoint until a terminal status.
func waitForDownload(ctx context.Context, client *pullClient, modelID string) error {
	var bar *pb.ProgressBar
	defer func() {
		if bar != nil {
			bar.Finish()
		}
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		var p progressView
		if err := client.do(ctx, http.MethodGet, "/models/"+modelID+"/progress", nil, &p); err != nil {
			return err
		}

		if bar == nil && p.Total != nil && *p.Total > 0 {
			bar = pb.Full.Start64(*p.Total)
			bar.Set(pb.Bytes, true)
		}
		if bar != nil {
			bar.SetCurrent(p.Downloaded)
		}

		switch p.Status {
		case "completed":
			if bar != nil {
				bar.SetCurrent(bar.Total())
			}
			fmt.Printf("\n%s downloaded\n", modelID)
			return nil
		case "error":
			return fmt.Errorf("download failed: %s", p.Error)
		case "cancelled":
			return fmt.Errorf("download cancelled")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
