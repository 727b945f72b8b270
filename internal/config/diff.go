package config

import (
	"maps"

	"github.com/MrWong99/chatloop/pkg/tools/mcptools"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MaxChatCompletionsChanged bool
	NewMaxChatCompletions     int

	// MCPServersChanged is true if any MCP server was added, removed, or
	// modified. ServerChanges holds the per-server diffs.
	MCPServersChanged bool
	ServerChanges     []MCPServerDiff
}

// MCPServerDiff describes what changed for a single MCP server between two configs.
type MCPServerDiff struct {
	Name     string
	Modified bool
	Added    bool
	Removed  bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Completion round-trip cap
	if old.Completion.MaxChatCompletions != new.Completion.MaxChatCompletions {
		d.MaxChatCompletionsChanged = true
		d.NewMaxChatCompletions = new.Completion.MaxChatCompletions
	}

	// Build MCP server lookup maps keyed by name.
	oldServers := make(map[string]int, len(old.MCP.Servers))
	for i := range old.MCP.Servers {
		oldServers[old.MCP.Servers[i].Name] = i
	}
	newServers := make(map[string]int, len(new.MCP.Servers))
	for i := range new.MCP.Servers {
		newServers[new.MCP.Servers[i].Name] = i
	}

	// Detect modified and removed servers.
	for name, oi := range oldServers {
		ni, exists := newServers[name]
		if !exists {
			d.ServerChanges = append(d.ServerChanges, MCPServerDiff{
				Name:    name,
				Removed: true,
			})
			d.MCPServersChanged = true
			continue
		}
		if !sameServer(&old.MCP.Servers[oi], &new.MCP.Servers[ni]) {
			d.ServerChanges = append(d.ServerChanges, MCPServerDiff{
				Name:     name,
				Modified: true,
			})
			d.MCPServersChanged = true
		}
	}

	// Detect added servers.
	for name := range newServers {
		if _, exists := oldServers[name]; !exists {
			d.ServerChanges = append(d.ServerChanges, MCPServerDiff{
				Name:  name,
				Added: true,
			})
			d.MCPServersChanged = true
		}
	}

	return d
}

// sameServer compares two MCP server configs with the same name.
func sameServer(old, new *mcptools.ServerConfig) bool {
	return old.Transport == new.Transport &&
		old.Command == new.Command &&
		old.URL == new.URL &&
		maps.Equal(old.Env, new.Env)
}
