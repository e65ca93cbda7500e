// Package luaext runs orchestration scripts: Lua files that plan and
// dispatch group expressions step by step, branching on each run's
// outcome. Scripts are sandboxed; they can reach the planner and the
// engine but not the filesystem or the network.
package luaext

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/crewkit/crew/internal/engine"
	"github.com/crewkit/crew/internal/models"
)

// StuckError is returned when a script calls stuck().
type StuckError struct {
	Reason string
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("workflow stuck: %s", e.Reason)
}

type Runtime struct {
	planner  *engine.Planner
	engine   *engine.Engine
	settings models.Settings

	ctx  context.Context
	logs []string

	stuckReason string
	isStuck     bool
}

func NewRuntime(planner *engine.Planner, eng *engine.Engine, settings models.Settings) *Runtime {
	return &Runtime{planner: planner, engine: eng, settings: settings}
}

// Execute loads the script and calls its workflow(prompt) function.
func (r *Runtime) Execute(ctx context.Context, scriptPath, prompt string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}
	r.ctx = ctx

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(string(script)); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}

	workflow := L.GetGlobal("workflow")
	if workflow == lua.LNil {
		return fmt.Errorf("script must define a 'workflow' function")
	}

	L.Push(workflow)
	L.Push(lua.LString(prompt))
	if err := L.PCall(1, 0, nil); err != nil {
		if r.isStuck {
			return &StuckError{Reason: r.stuckReason}
		}
		return fmt.Errorf("workflow execution failed: %w", err)
	}
	if r.isStuck {
		return &StuckError{Reason: r.stuckReason}
	}
	return nil
}

// openSafeLibs loads only deterministic, side-effect-free libraries.
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("plan", L.NewFunction(r.luaPlan))
	L.SetGlobal("dispatch", L.NewFunction(r.luaDispatch))
	L.SetGlobal("stuck", L.NewFunction(r.luaStuck))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaPlan implements plan(expression, opts?). It resolves the
// expression without executing anything and returns the phase layout.
func (r *Runtime) luaPlan(L *lua.LState) int {
	expr := L.CheckString(1)
	req := r.planRequest(expr, L.OptTable(2, nil))

	run, _, err := r.planner.Plan(req)
	if err != nil {
		L.RaiseError("plan failed: %v", err)
		return 0
	}

	L.Push(r.planToTable(L, run))
	return 1
}

// luaDispatch implements dispatch(expression, opts?). It plans and
// executes the expression, blocking until the run ends, and returns
// the terminal status so the script can branch on it. Escalation is a
// result here, not an error: the script decides what it means.
func (r *Runtime) luaDispatch(L *lua.LState) int {
	expr := L.CheckString(1)
	req := r.planRequest(expr, L.OptTable(2, nil))

	run, _, err := r.planner.Plan(req)
	if err != nil {
		L.RaiseError("plan failed: %v", err)
		return 0
	}
	if err := r.engine.Store.CreateRun(run); err != nil {
		L.RaiseError("failed to persist run: %v", err)
		return 0
	}

	execErr := r.engine.Execute(r.ctx, run)
	if execErr != nil && run.Status == models.RunFailed {
		L.RaiseError("run %s failed: %v", run.ID, execErr)
		return 0
	}

	L.Push(r.planToTable(L, run))
	return 1
}

// planRequest merges script options over the runtime's settings.
func (r *Runtime) planRequest(expr string, opts *lua.LTable) engine.PlanRequest {
	req := engine.PlanRequest{
		Expression: expr,
		Settings:   r.settings,
	}
	if opts == nil {
		return req
	}
	if v := opts.RawGetString("infer"); v == lua.LTrue {
		req.Infer = true
	}
	if v, ok := opts.RawGetString("worker").(lua.LString); ok {
		req.Override.Worker = string(v)
	}
	if v, ok := opts.RawGetString("variant").(lua.LString); ok {
		req.Override.Variant = string(v)
	}
	if v, ok := opts.RawGetString("max_parallel").(lua.LNumber); ok {
		req.Settings.MaxParallel = int(v)
	}
	if v := opts.RawGetString("validate"); v == lua.LTrue {
		req.Settings.Validate = true
	}
	return req
}

func (r *Runtime) planToTable(L *lua.LState, run *models.Run) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "run_id", lua.LString(run.ID))
	L.SetField(tbl, "expression", lua.LString(run.Expression))
	L.SetField(tbl, "status", lua.LString(string(run.Status)))

	phases := L.NewTable()
	for _, p := range run.Phases {
		phase := L.NewTable()
		for i, n := range p.Nodes {
			node := L.NewTable()
			L.SetField(node, "id", lua.LString(n.ID))
			L.SetField(node, "name", lua.LString(n.Name))
			L.SetField(node, "status", lua.LString(string(n.Status)))
			L.SetField(node, "worker", lua.LString(n.Routing.Worker))
			L.SetTable(phase, lua.LNumber(i+1), node)
		}
		L.SetTable(phases, lua.LNumber(p.Index), phase)
	}
	L.SetField(tbl, "phases", phases)
	return tbl
}

// luaStuck implements stuck(reason?).
func (r *Runtime) luaStuck(L *lua.LState) int {
	reason := L.OptString(1, "workflow stuck")
	r.stuckReason = reason
	r.isStuck = true
	L.RaiseError("stuck: %s", reason)
	return 0
}

// luaLog implements log(message).
func (r *Runtime) luaLog(L *lua.LState) int {
	r.logs = append(r.logs, L.CheckString(1))
	return 0
}

// Logs returns the messages the script logged.
func (r *Runtime) Logs() []string {
	return r.logs
}

// IsScript reports whether a path names a Lua orchestration script.
func IsScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
