package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/michaelbrown/webagent/internal/llm"
)

// Toolset is a point-in-time view of the connected tool servers. It holds
// the connection handles captured when it was built, so a run keeps the
// tools it started with; a server closed afterwards makes its calls fail.
type Toolset struct {
	servers   []string
	defs      []llm.ToolDef
	toolIndex map[string]Connection // tool name -> owning server connection
	owner     map[string]string     // tool name -> server name
}

type liveServer struct {
	name string
	conn Connection
	defs []llm.ToolDef
}

// newToolset indexes servers in name order. When two servers advertise the
// same tool name the first server wins.
func newToolset(servers []liveServer) *Toolset {
	sort.Slice(servers, func(i, j int) bool { return servers[i].name < servers[j].name })

	ts := &Toolset{
		toolIndex: make(map[string]Connection),
		owner:     make(map[string]string),
	}
	for _, s := range servers {
		ts.servers = append(ts.servers, s.name)
		for _, def := range s.defs {
			if _, taken := ts.toolIndex[def.Name]; taken {
				continue
			}
			ts.toolIndex[def.Name] = s.conn
			ts.owner[def.Name] = s.name
			ts.defs = append(ts.defs, def)
		}
	}
	return ts
}

// Servers returns the names of the tool servers in the set.
func (ts *Toolset) Servers() []string { return ts.servers }

// Defs returns the definitions handed to the model.
func (ts *Toolset) Defs() []llm.ToolDef { return ts.defs }

// HasTools reports whether any tool is available.
func (ts *Toolset) HasTools() bool { return len(ts.defs) > 0 }

// Owner returns the server that serves tool.
func (ts *Toolset) Owner(tool string) (string, bool) {
	s, ok := ts.owner[tool]
	return s, ok
}

// CallTool routes a call to the server that advertised the tool.
func (ts *Toolset) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	conn, ok := ts.toolIndex[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return conn.CallTool(ctx, name, args)
}
