// Package mcptools exposes the tools of MCP servers as runnable functions.
//
// A [Catalogue] connects to one or more MCP servers via stdio or
// streamable-HTTP transports using the official MCP Go SDK, imports their
// tool catalogues, and converts every discovered tool into a
// [runner.RunnableFunction] that routes execution back to the owning server.
//
// Typical usage:
//
//	cat := mcptools.New()
//	defer cat.Close()
//
//	err := cat.RegisterServer(ctx, mcptools.ServerConfig{
//	    Name:      "dice",
//	    Transport: mcptools.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-dice-server",
//	})
//
//	r := runner.RunTools(ctx, svc, params, cat.Functions())
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/runner"
)

// Transport selects how a server connection is established.
type Transport string

const (
	// TransportStdio launches the server as a child process and speaks MCP
	// over its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a server's streamable-HTTP
	// endpoint.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server to register.
type ServerConfig struct {
	// Name identifies the server within the catalogue. Re-registering the
	// same name replaces the old connection.
	Name string `yaml:"name"`

	// Transport selects stdio or streamable-http.
	Transport Transport `yaml:"transport"`

	// Command is the executable plus space-separated arguments for stdio
	// servers.
	Command string `yaml:"command"`

	// Env holds additional environment variables for stdio servers.
	Env map[string]string `yaml:"env"`

	// URL is the endpoint address for streamable-http servers.
	URL string `yaml:"url"`
}

// catalogueTool pairs a discovered tool definition with its owning server.
type catalogueTool struct {
	def        chat.FunctionDefinition
	serverName string
}

// Catalogue manages MCP server connections and the tools imported from them.
// Safe for concurrent use.
type Catalogue struct {
	mu      sync.RWMutex
	client  *mcpsdk.Client
	servers map[string]*mcpsdk.ClientSession
	tools   map[string]catalogueTool
}

// New returns an empty Catalogue.
func New() *Catalogue {
	return &Catalogue{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "chatloop", Version: "1.0.0"},
			nil,
		),
		servers: make(map[string]*mcpsdk.ClientSession),
		tools:   make(map[string]catalogueTool),
	}
}

// RegisterServer connects to the server described by cfg and imports its tool
// catalogue. If a server with the same name is already registered, the old
// connection is closed and its tools are replaced.
func (c *Catalogue) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcptools: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcptools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcptools: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcptools: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	return c.RegisterTransport(ctx, cfg.Name, transport)
}

// RegisterTransport connects to an MCP server over an already-built transport
// and imports its tool catalogue under name. Most callers want
// [Catalogue.RegisterServer]; this entry point exists for custom transports.
func (c *Catalogue) RegisterTransport(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcptools: failed to connect to server %q: %w", name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcptools: failed to list tools for server %q: %w", name, err)
		}
		discovered = append(discovered, *tool)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.servers[name]; ok {
		_ = old.Close()
		for toolName, t := range c.tools {
			if t.serverName == name {
				delete(c.tools, toolName)
			}
		}
	}
	c.servers[name] = session

	for _, tool := range discovered {
		c.tools[tool.Name] = catalogueTool{
			def: chat.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
			serverName: name,
		}
	}
	return nil
}

// Functions returns every imported tool as a [runner.RunnableFunction],
// sorted by name. Each function's Run routes the call back to the owning
// server; the raw argument string is forwarded verbatim, leaving schema
// validation to the server.
func (c *Catalogue) Functions() []runner.RunnableFunction {
	c.mu.RLock()
	tools := make([]catalogueTool, 0, len(c.tools))
	for _, t := range c.tools {
		tools = append(tools, t)
	}
	c.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].def.Name < tools[j].def.Name })

	fns := make([]runner.RunnableFunction, 0, len(tools))
	for _, t := range tools {
		t := t
		fns = append(fns, runner.RunnableFunction{
			Function: t.def,
			Run: func(ctx context.Context, args any, _ *runner.Runner) (any, error) {
				return c.callTool(ctx, t.serverName, t.def.Name, args.(string))
			},
		})
	}
	return fns
}

// callTool executes one tool call against its server. An application-level
// tool error is returned as result content so the model can react to it; only
// transport and protocol failures surface as Go errors.
func (c *Catalogue) callTool(ctx context.Context, serverName, toolName, args string) (string, error) {
	c.mu.RLock()
	session, ok := c.servers[serverName]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("mcptools: server %q not found for tool %q", serverName, toolName)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("mcptools: invalid args JSON for tool %q: %w", toolName, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("mcptools: call to tool %q failed: %w", toolName, err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return fmt.Sprintf("tool %s failed: %s", toolName, sb.String()), nil
	}
	return sb.String(), nil
}

// Close shuts down all server connections. The Catalogue must not be used
// afterwards.
func (c *Catalogue) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, session := range c.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcptools: error closing server %q: %w", name, err)
		}
		delete(c.servers, name)
	}
	c.tools = make(map[string]catalogueTool)
	return firstErr
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// schemaToMap converts a tool's input schema into the map form carried in a
// function declaration.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
