// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package llm hosts the generation manager: prompt assembly, backend
// selection, and blocking plus streaming completion over the one loaded
// model.
package llm

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Message is one chat history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Action is a structured directive extracted from assistant output.
type Action struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

const actionFence = "```actions"

// BuildPrompt assembles the backend prompt from a user prompt, an optional
// system prompt, and chat history. History entries with empty content are
// skipped. The output always ends with the bare "Assistant:" line.
func BuildPrompt(prompt, systemPrompt string, history []Message) string {
	var lines []string
	if systemPrompt != "" {
		lines = append(lines, "System: "+systemPrompt)
	}
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		lines = append(lines, titleRole(m.Role)+": "+m.Content)
	}
	lines = append(lines, "User: "+prompt, "Assistant:")
	return strings.Join(lines, "\n")
}

func titleRole(role string) string {
	if role == "" {
		return role
	}
	r := []rune(strings.ToLower(role))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// ExtractActions splits assistant output into a display message and the
// actions encoded in its first ```actions fence. Output without a fence, or
// with an unterminated one, passes through trimmed with nil actions.
// Malformed list elements are dropped.
func ExtractActions(text string) (string, []Action) {
	start := strings.Index(text, actionFence)
	if start < 0 {
		return strings.TrimSpace(text), nil
	}
	rest := text[start+len(actionFence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(text), nil
	}

	message := strings.TrimSpace(text[:start] + rest[end+3:])

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(rest[:end]), &raw); err != nil {
		return message, nil
	}
	var actions []Action
	for _, elem := range raw {
		var a Action
		if err := json.Unmarshal(elem, &a); err != nil {
			continue
		}
		if a.Type == "" || a.Payload == nil {
			continue
		}
		actions = append(actions, a)
	}
	return message, actions
}
