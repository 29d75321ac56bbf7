// Package lua runs workflow.lua entry points. A script defines a global
// run(input, tools) function; tools is a table of bound tool instances,
// each exposing execute(action, params).
package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/flowdeck/flowdeck/internal/registry"
)

// Runner executes one workflow script. Each Run spins up a fresh Lua state,
// so concurrent executions of the same script never share interpreter state.
type Runner struct {
	scriptPath string
}

func NewRunner(scriptPath string) *Runner {
	return &Runner{scriptPath: scriptPath}
}

// Run loads the script, calls run(input, tools) and converts the returned
// table to result data. The script must return a table (or nothing).
func (r *Runner) Run(ctx context.Context, input map[string]any, tools map[string]registry.Tool) (map[string]any, error) {
	lState := lua.NewState()
	defer lState.Close()
	lState.SetContext(ctx)

	// Scripts can require a minimal os module: getenv and time.
	lState.PreloadModule("os", osModuleLoader)

	absPath, err := filepath.Abs(r.scriptPath)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	if err := lState.DoFile(absPath); err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}

	fn := lState.GetGlobal("run")
	if fn.Type() == lua.LTNil {
		return nil, fmt.Errorf("script must define global function run(input, tools)")
	}
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("run must be a function, got %s", fn.Type().String())
	}

	lState.Push(fn)
	lState.Push(toLuaValue(lState, anyMap(input)))
	lState.Push(toolsTable(ctx, lState, tools))
	if err := lState.PCall(2, 1, nil); err != nil {
		return nil, fmt.Errorf("run(): %w", err)
	}

	ret := lState.Get(-1)
	lState.Pop(1)

	switch ret.Type() {
	case lua.LTNil:
		return map[string]any{}, nil
	case lua.LTTable:
		converted := fromLuaValue(ret)
		if m, ok := converted.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"result": converted}, nil
	default:
		return nil, fmt.Errorf("run() must return a table or nothing, got %s", ret.Type().String())
	}
}

// toolsTable builds the tools argument: tools.<name>.execute(action, params)
// calls the bound Go tool, returning (result, nil) or (nil, error message).
func toolsTable(ctx context.Context, lState *lua.LState, tools map[string]registry.Tool) *lua.LTable {
	root := lState.NewTable()
	for name, tool := range tools {
		entry := lState.NewTable()
		lState.SetField(entry, "name", lua.LString(tool.Name()))

		actions := lState.NewTable()
		for i, action := range tool.AvailableActions() {
			actions.RawSetInt(i+1, lua.LString(action))
		}
		lState.SetField(entry, "actions", actions)

		lState.SetField(entry, "execute", lState.NewFunction(func(ls *lua.LState) int {
			action := ls.CheckString(1)
			var params map[string]any
			if ls.GetTop() >= 2 {
				if converted, ok := fromLuaValue(ls.Get(2)).(map[string]any); ok {
					params = converted
				}
			}
			data, err := tool.Execute(ctx, action, params)
			if err != nil {
				ls.Push(lua.LNil)
				ls.Push(lua.LString(err.Error()))
				return 2
			}
			ls.Push(toLuaValue(ls, anyMap(data)))
			return 1
		}))

		root.RawSetString(name, entry)
	}
	return root
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func toLuaValue(lState *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := lState.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, toLuaValue(lState, item))
		}
		return tbl
	case map[string]any:
		tbl := lState.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, toLuaValue(lState, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func fromLuaValue(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLuaValue(val.RawGetInt(i)))
			}
			return out
		}
		out := map[string]any{}
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = fromLuaValue(item)
		})
		return out
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	default:
		return nil
	}
}

// osModuleLoader provides a minimal os module: getenv and time.
func osModuleLoader(lState *lua.LState) int {
	mod := lState.NewTable()
	lState.SetField(mod, "getenv", lState.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	lState.SetField(mod, "time", lState.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	lState.Push(mod)
	return 1
}
