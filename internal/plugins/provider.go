package plugins

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/internal/activity"
)

// toolActivity adapts one discovered MCP tool to the activity contract.
// The node's interpolated config becomes the tool-call arguments, and the
// tool's text content folds into execution state like any builtin output.
type toolActivity struct {
	pack        *pack
	name        string
	description string
	inputSchema json.RawMessage
}

func (t *toolActivity) Name() string { return t.name }

func (t *toolActivity) Descriptor() activity.Descriptor {
	return activity.Descriptor{
		Description:  t.description,
		ConfigSchema: t.inputSchema,
	}
}

// Validate defers to the pack: the tool's own schema is enforced server
// side on every call.
func (t *toolActivity) Validate(config map[string]any) error { return nil }

func (t *toolActivity) Execute(ctx context.Context, in activity.Input) (*activity.Result, error) {
	args := in.Config
	if args == nil {
		args = map[string]any{}
	}

	raw, err := t.pack.conn.call(ctx, "tools/call", map[string]any{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("tool %s.%s: %w", t.pack.config.ID, t.name, err)
	}

	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("tool %s.%s: decode result: %w", t.pack.config.ID, t.name, err)
	}

	var parts []string
	for _, c := range res.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		// Plain error: the retry policy treats pack failures as transient.
		return nil, fmt.Errorf("tool %s.%s: %s", t.pack.config.ID, t.name, text)
	}

	// JSON text folds structurally; anything else lands as a string.
	var value any = text
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		value = decoded
	}

	out, err := activity.Output(in, value)
	if err != nil {
		return nil, err
	}
	return &activity.Result{Output: out}, nil
}
