// Package memorymcp exposes the conversation memory over the Model Context
// Protocol so operators and other agents can inspect and manage it.
package memorymcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"persona-chatter/internal/llm"
	"persona-chatter/internal/personality"
	"persona-chatter/internal/users"
)

// Engine is the subset of the chat engine the tools operate on.
type Engine interface {
	History(ctx context.Context, userID string, includeNames bool) ([]llm.Message, error)
	Reset(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
	Personality(ctx context.Context, userID string) (personality.Personality, error)
	SetPersonality(ctx context.Context, userID, id string) (personality.Personality, error)
	Personalities() []personality.Personality
	Metadata(ctx context.Context, userID, key string) (json.RawMessage, bool, error)
}

type UserParams struct {
	UserID string `json:"user_id" mcp:"opaque user id"`
}

type ViewHistoryParams struct {
	UserID              string `json:"user_id" mcp:"opaque user id"`
	IncludeDisplayNames bool   `json:"include_display_names,omitempty" mcp:"prefix user messages with the sender's display name"`
}

type SetPersonalityParams struct {
	UserID      string `json:"user_id" mcp:"opaque user id"`
	Personality string `json:"personality" mcp:"personality id, see list_personalities"`
}

type MetadataParams struct {
	UserID string `json:"user_id" mcp:"opaque user id"`
	Key    string `json:"key" mcp:"metadata key, e.g. slap_count"`
}

type ListParams struct{}

type Tools struct {
	engine Engine
	log    *zap.Logger
}

func NewTools(engine Engine, log *zap.Logger) *Tools {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tools{engine: engine, log: log.Named("mcp")}
}

// NewServer builds an MCP server with every memory tool registered.
func NewServer(t *Tools, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "persona-chatter-memory",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "view_history",
		Description: "Returns a user's retained conversation history, oldest first",
	}, t.ViewHistory)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "reset_history",
		Description: "Clears a user's conversation history but keeps their settings",
	}, t.ResetHistory)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_user",
		Description: "Deletes a user together with history and metadata",
	}, t.DeleteUser)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_personality",
		Description: "Returns the personality a user talks to",
	}, t.GetPersonality)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_personality",
		Description: "Selects the personality for a user",
	}, t.SetPersonality)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_personalities",
		Description: "Lists the available personalities",
	}, t.ListPersonalities)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_metadata",
		Description: "Returns a metadata value stored for a user as JSON",
	}, t.GetMetadata)
	return server
}

func (t *Tools) ViewHistory(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ViewHistoryParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if args.UserID == "" {
		return errorResult("user_id is required"), nil
	}
	msgs, err := t.engine.History(ctx, args.UserID, args.IncludeDisplayNames)
	if err != nil {
		return t.failure("view_history", err), nil
	}
	if len(msgs) == 0 {
		return textResult(fmt.Sprintf("No history for user %s", args.UserID)), nil
	}
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", m.Role, m.Content)
	}
	return textResult(sb.String()), nil
}

func (t *Tools) ResetHistory(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[UserParams]) (*mcp.CallToolResultFor[any], error) {
	if params.Arguments.UserID == "" {
		return errorResult("user_id is required"), nil
	}
	if err := t.engine.Reset(ctx, params.Arguments.UserID); err != nil {
		return t.failure("reset_history", err), nil
	}
	return textResult(fmt.Sprintf("History of user %s cleared", params.Arguments.UserID)), nil
}

func (t *Tools) DeleteUser(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[UserParams]) (*mcp.CallToolResultFor[any], error) {
	if params.Arguments.UserID == "" {
		return errorResult("user_id is required"), nil
	}
	if err := t.engine.Delete(ctx, params.Arguments.UserID); err != nil {
		return t.failure("delete_user", err), nil
	}
	return textResult(fmt.Sprintf("User %s deleted", params.Arguments.UserID)), nil
}

func (t *Tools) GetPersonality(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[UserParams]) (*mcp.CallToolResultFor[any], error) {
	if params.Arguments.UserID == "" {
		return errorResult("user_id is required"), nil
	}
	p, err := t.engine.Personality(ctx, params.Arguments.UserID)
	if err != nil {
		return t.failure("get_personality", err), nil
	}
	return textResult(fmt.Sprintf("%s (%s)", p.DisplayName, p.ID)), nil
}

func (t *Tools) SetPersonality(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[SetPersonalityParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if args.UserID == "" || args.Personality == "" {
		return errorResult("user_id and personality are required"), nil
	}
	p, err := t.engine.SetPersonality(ctx, args.UserID, args.Personality)
	if errors.Is(err, users.ErrUnknownPersonality) {
		return errorResult(fmt.Sprintf("unknown personality %q", args.Personality)), nil
	}
	if err != nil {
		return t.failure("set_personality", err), nil
	}
	return textResult(fmt.Sprintf("Personality of user %s set to %s (%s)", args.UserID, p.DisplayName, p.ID)), nil
}

func (t *Tools) ListPersonalities(_ context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[ListParams]) (*mcp.CallToolResultFor[any], error) {
	var sb strings.Builder
	for i, p := range t.engine.Personalities() {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s: %s", p.ID, p.DisplayName)
	}
	return textResult(sb.String()), nil
}

func (t *Tools) GetMetadata(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[MetadataParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if args.UserID == "" || args.Key == "" {
		return errorResult("user_id and key are required"), nil
	}
	raw, found, err := t.engine.Metadata(ctx, args.UserID, args.Key)
	if err != nil {
		return t.failure("get_metadata", err), nil
	}
	if !found {
		return &mcp.CallToolResultFor[any]{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Key %q is not set", args.Key)}},
			Meta:    map[string]any{"found": false},
		}, nil
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
		Meta:    map[string]any{"found": true},
	}, nil
}

func (t *Tools) failure(tool string, err error) *mcp.CallToolResultFor[any] {
	t.log.Error("tool failed", zap.String("tool", tool), zap.Error(err))
	return errorResult(fmt.Sprintf("%s failed: %v", tool, err))
}

func textResult(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
