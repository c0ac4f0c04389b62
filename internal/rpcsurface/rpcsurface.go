// Package rpcsurface exposes the command registry as an RPC tool protocol
// for LLM-driven callers (spec §6.3), modeled on the teacher's
// internal/mcp ToolRegistry/ToolDefinition wire shape.
package rpcsurface

import (
	"context"
	"encoding/json"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/command"
)

// ContentBlock is one element of a tool call's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResponse is the wire shape every tool call returns (spec §6.3).
type ToolResponse struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// ToolSchema is the JSON-Schema-shaped description advertised by tools/list.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Server adapts a command.Registry to the RPC tool protocol. It retains
// small per-connection state: the agent name last used on a claim call, so
// a caller can omit it on follow-up complete/fail/extend calls.
type Server struct {
	registry *command.Registry
	lastAgent map[string]string
}

func New(registry *command.Registry) *Server {
	return &Server{registry: registry, lastAgent: make(map[string]string)}
}

// ListTools renders every registered command as a tool schema.
func (s *Server) ListTools() []ToolSchema {
	cmds := s.registry.All()
	out := make([]ToolSchema, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, ToolSchema{
			Name:        cmd.RPCName,
			Description: cmd.Description,
			InputSchema: schemaFor(cmd),
		})
	}
	return out
}

func schemaFor(cmd *command.Command) map[string]any {
	properties := make(map[string]any, len(cmd.Parameters))
	var required []string
	for _, p := range cmd.Parameters {
		prop := map[string]any{"type": jsonSchemaType(p.Type), "description": p.Description}
		if len(p.Choices) > 0 {
			prop["enum"] = p.Choices
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func jsonSchemaType(t command.ParamType) string {
	switch t {
	case command.TypeNumber:
		return "number"
	case command.TypeBoolean:
		return "boolean"
	case command.TypeArray:
		return "array"
	default:
		return "string"
	}
}

// Call invokes a tool by its RPC name for a given connection, applying the
// per-connection last-agent-name memory to claim/complete/fail/extend calls
// when the caller omits agentName.
func (s *Server) Call(ctx context.Context, connectionID, toolName string, rawArgs map[string]any) ToolResponse {
	cmd, ok := s.registry.ByRPCName(toolName)
	if !ok {
		return errorResponse(apperr.New(apperr.Validation, "unknown tool: "+toolName))
	}

	args := command.Args(rawArgs)
	leaseCall := false
	switch toolName {
	case "task_claim", "task_complete", "task_fail", "task_extend_lease":
		leaseCall = true
	}
	if agentName, ok := args.String("agentName"); ok && agentName != "" {
		if toolName == "task_claim" {
			s.lastAgent[connectionID] = agentName
		}
	} else if remembered, ok := s.lastAgent[connectionID]; ok && leaseCall {
		args["agentName"] = remembered
	}

	if err := cmd.Validate(args); err != nil {
		return errorResponse(apperr.Wrap(apperr.Validation, "invalid arguments", err))
	}

	cc := &command.Context{Ctx: ctx, AgentName: args.StringOr("agentName", "")}
	result, err := cmd.Handler(cc, args)
	if err != nil {
		return errorResponse(err)
	}
	if result.Success && toolName == "task_claim" {
		if agentName, ok := args.String("agentName"); ok && agentName != "" {
			s.lastAgent[connectionID] = agentName
		}
	}
	return successResponse(result)
}

// Forget drops a connection's remembered agent name (called on disconnect).
func (s *Server) Forget(connectionID string) {
	delete(s.lastAgent, connectionID)
}

func successResponse(result *command.Result) ToolResponse {
	body, _ := json.Marshal(result)
	return ToolResponse{Content: []ContentBlock{{Type: "text", Text: string(body)}}, IsError: !result.Success}
}

func errorResponse(err error) ToolResponse {
	result := &command.Result{Success: false, Error: err.Error()}
	body, _ := json.Marshal(result)
	return ToolResponse{Content: []ContentBlock{{Type: "text", Text: string(body)}}, IsError: true}
}
