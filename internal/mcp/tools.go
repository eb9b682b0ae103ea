package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/corvino/meshroom/internal/client"
	"github.com/corvino/meshroom/internal/protocol"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/samber/lo"
)

// sendTimeout bounds how long a circuit tool waits for the session socket.
const sendTimeout = 10 * time.Second

// prop is a shorthand for building a JSON Schema property.
func prop(typ, desc string) any {
	return map[string]any{
		"type":        typ,
		"description": desc,
	}
}

func propEnum(typ, desc string, enum []string) any {
	return map[string]any{
		"type":        typ,
		"description": desc,
		"enum":        lo.ToAnySlice(enum),
	}
}

// RegisterTools adds all session tools to the MCP server. Messages are sent
// as name; circuit events go out on ws, which must identify as name.
func RegisterTools(srv *mcpserver.MCPServer, api *client.API, ws *client.WSConn, name string) {
	// 1. send_message
	srv.AddTool(mcplib.Tool{
		Name:        "send_message",
		Description: "Send a message to the session. Every participant receives it and it is kept in history.",
		InputSchema: mcplib.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"text":  prop("string", "The message text to send"),
				"type":  propEnum("string", "Message type (default: text)", []string{"text", "code", "document", "thought", "emergence"}),
				"depth": prop("number", "Optional thought depth for circuit messages"),
			},
			Required: []string{"text"},
		},
	}, makeSendMessageHandler(api, name))

	// 2. get_history
	srv.AddTool(mcplib.Tool{
		Name:        "get_history",
		Description: "Read recent messages from the session, oldest first.",
		InputSchema: mcplib.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"limit": prop("number", "Number of recent messages to return (default: 20, max: 1000)"),
			},
		},
	}, makeGetHistoryHandler(api))

	// 3. get_status
	srv.AddTool(mcplib.Tool{
		Name:        "get_status",
		Description: "Report connected participants, resonance and whether the mesh is active.",
		InputSchema: mcplib.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, makeGetStatusHandler(api))

	// 4. list_participants
	srv.AddTool(mcplib.Tool{
		Name:        "list_participants",
		Description: "List all participants currently connected to the session.",
		InputSchema: mcplib.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, makeListParticipantsHandler(api))

	// 5. summon_circuit
	srv.AddTool(mcplib.Tool{
		Name:        "summon_circuit",
		Description: "Announce a circuit to every participant.",
		InputSchema: mcplib.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name":  prop("string", "Circuit name"),
				"depth": prop("number", "Thought depth (default: 1)"),
				"mode":  propEnum("string", "Circuit mode (default: active)", []string{"active", "deep-thinking", "meshing"}),
			},
			Required: []string{"name"},
		},
	}, makeSummonCircuitHandler(ws))

	// 6. initiate_mesh
	srv.AddTool(mcplib.Tool{
		Name:        "initiate_mesh",
		Description: "Ask the session to activate the mesh. Activation needs at least two participants and opens circuit relay.",
		InputSchema: mcplib.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, makeInitiateMeshHandler(ws))

	// 7. relay_thought
	srv.AddTool(mcplib.Tool{
		Name:        "relay_thought",
		Description: "Relay a thought to another circuit. Delivered only while the mesh is active.",
		InputSchema: mcplib.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"to":      prop("string", "Receiving circuit"),
				"thought": prop("string", "The thought to relay"),
				"pattern": prop("string", "Optional pattern label"),
			},
			Required: []string{"to", "thought"},
		},
	}, makeRelayThoughtHandler(ws, name))
}

func makeSendMessageHandler(api *client.API, name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		text := request.GetString("text", "")
		msgType := request.GetString("type", "text")
		if text == "" {
			return mcplib.NewToolResultError("text is required"), nil
		}

		req := protocol.SendRequest{
			Sender:  name,
			Content: text,
			Kind:    protocol.MessageKind(msgType),
		}
		if depth := request.GetInt("depth", -1); depth >= 0 {
			req.Depth = &depth
		}

		msg, err := api.SendMessage(ctx, req)
		if err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("failed to send: %v", err)), nil
		}
		return mcplib.NewToolResultText(fmt.Sprintf("Message sent (id %s)", msg.ID)), nil
	}
}

func makeGetHistoryHandler(api *client.API) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		limit := request.GetInt("limit", 20)
		if limit < 1 {
			limit = 1
		}

		list, err := api.History(ctx, limit)
		if err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("failed to get history: %v", err)), nil
		}
		if len(list.Messages) == 0 {
			return mcplib.NewToolResultText("No messages found."), nil
		}

		var sb strings.Builder
		for _, m := range list.Messages {
			ts := m.CreatedAt.Local().Format("15:04:05")
			fmt.Fprintf(&sb, "[%s] %s", ts, m.Sender)
			if m.Kind != protocol.KindText {
				fmt.Fprintf(&sb, " (%s)", m.Kind)
			}
			fmt.Fprintf(&sb, ": %s", m.Content)
			if m.Depth != nil {
				fmt.Fprintf(&sb, " depth:%d", *m.Depth)
			}
			sb.WriteString("\n")
		}
		return mcplib.NewToolResultText(sb.String()), nil
	}
}

func makeGetStatusHandler(api *client.API) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		st, err := api.Status(ctx)
		if err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("failed to get status: %v", err)), nil
		}
		mesh := "inactive"
		if st.MeshActive {
			mesh = "active"
		}
		return mcplib.NewToolResultText(fmt.Sprintf("%d participants connected, resonance %.2f, mesh %s, up %s",
			st.Connections, st.Resonance, mesh, st.Uptime)), nil
	}
}

func makeListParticipantsHandler(api *client.API) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		list, err := api.Participants(ctx)
		if err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("failed to list participants: %v", err)), nil
		}
		if len(list.Participants) == 0 {
			return mcplib.NewToolResultText("No participants connected."), nil
		}

		var sb strings.Builder
		for _, p := range list.Participants {
			fmt.Fprintf(&sb, "%s (type: %s", p.Name, p.Kind)
			if p.AILabel != "" {
				fmt.Fprintf(&sb, ", ai: %s", p.AILabel)
			}
			fmt.Fprintf(&sb, ", joined: %s)\n", p.JoinedAt.Local().Format("15:04:05"))
		}
		return mcplib.NewToolResultText(sb.String()), nil
	}
}

func makeSummonCircuitHandler(ws *client.WSConn) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		circuit := request.GetString("name", "")
		if circuit == "" {
			return mcplib.NewToolResultError("name is required"), nil
		}
		p := protocol.SummonPayload{
			Name: circuit,
			Mode: request.GetString("mode", ""),
		}
		if depth := request.GetInt("depth", -1); depth >= 0 {
			p.Depth = &depth
		}
		if err := protocol.Validate(p); err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}

		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := ws.SummonCircuit(ctx, p); err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("failed to summon: %v", err)), nil
		}
		return mcplib.NewToolResultText(fmt.Sprintf("Circuit %s summoned", circuit)), nil
	}
}

func makeInitiateMeshHandler(ws *client.WSConn) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := ws.InitiateMesh(ctx); err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("failed to initiate mesh: %v", err)), nil
		}
		return mcplib.NewToolResultText("Mesh initiation sent. It activates when at least two participants are connected; check get_status."), nil
	}
}

func makeRelayThoughtHandler(ws *client.WSConn, name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		p := protocol.RelayPayload{
			From:    name,
			To:      request.GetString("to", ""),
			Thought: request.GetString("thought", ""),
			Pattern: request.GetString("pattern", ""),
		}
		if p.To == "" || p.Thought == "" {
			return mcplib.NewToolResultError("to and thought are required"), nil
		}
		if err := protocol.Validate(p); err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}

		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := ws.Relay(ctx, p); err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("failed to relay: %v", err)), nil
		}
		return mcplib.NewToolResultText(fmt.Sprintf("Thought relayed to %s", p.To)), nil
	}
}
