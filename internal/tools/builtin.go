package tools

import "context"

// RegisterBuiltins registers every built-in tool and the default toolset
// groups. Config may define further toolsets on top via DefineToolset.
func RegisterBuiltins(r *Registry) {
	registerTerminal(r)
	registerFiles(r)
	registerPatch(r)
	registerSearch(r)
	registerTodo(r)
	registerMemory(r)
	registerSessionSearch(r)
	registerMessaging(r)
	registerSkills(r)
	registerBrowser(r)

	r.DefineToolset("all", ToolsetDef{
		Includes: []string{"core", "messaging", "skills", "browser"},
	})
}

// Intercept handles the tools the agent loop runs in-process, ahead of
// registry dispatch: todo, clarify, and memory_tool touch per-turn state
// (plan store, clarify callback, memory path) that lives on the Invocation.
// It reports false for everything else.
func Intercept(ctx context.Context, name string, args map[string]any, inv *Invocation) (string, bool) {
	var (
		out string
		err error
	)
	switch name {
	case "todo":
		out, err = runTodo(ctx, args, inv)
	case "clarify":
		out, err = runClarify(ctx, args, inv)
	case "memory_tool":
		out, err = runMemory(ctx, args, inv)
	default:
		return "", false
	}
	if err != nil {
		return errorResult(err), true
	}
	return out, true
}
