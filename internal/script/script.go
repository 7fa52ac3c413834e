// Package script turns a Lua calibration function into breakpoints.
//
// A script is a Lua chunk returning a function f(percent) -> percent. The
// function is sampled at every integer group percent from 0 to 100.
package script

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/lightener/internal/calibration"
)

// DefaultTimeout bounds the whole evaluation of one script.
const DefaultTimeout = 2 * time.Second

// Sample evaluates source and samples the returned function.
// name identifies the script in logs and errors.
func Sample(ctx context.Context, name, source string) ([]calibration.Breakpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	L := newState(name)
	defer L.Close()
	L.SetContext(ctx)

	fn, err := load(L, source)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}

	out := make([]calibration.Breakpoint, 0, 101)
	for p := 0; p <= 100; p++ {
		v, err := call(L, fn, float64(p))
		if err != nil {
			return nil, fmt.Errorf("script %s: f(%d): %w", name, p, err)
		}
		out = append(out, calibration.Breakpoint{Group: float64(p), Target: v})
	}
	return out, nil
}

// newState creates a VM with only side-effect free libraries and a log module.
func newState(name string) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	// Base library loaders that reach the filesystem.
	for _, unsafe := range []string{"dofile", "loadfile"} {
		L.SetGlobal(unsafe, lua.LNil)
	}
	// require only resolves preloaded modules.
	if pkg, ok := L.GetGlobal(lua.LoadLibName).(*lua.LTable); ok {
		L.SetField(pkg, "loadlib", lua.LNil)
		L.SetField(pkg, "path", lua.LString(""))
	}

	L.PreloadModule("log", newLogModule(name).loader)
	return L
}

func load(L *lua.LState, source string) (*lua.LFunction, error) {
	chunk, err := L.LoadString(source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile: %w", err)
	}

	L.Push(chunk)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, fmt.Errorf("failed to run: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	fn, ok := ret.(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("must return a function, got %s", ret.Type())
	}
	return fn, nil
}

func call(L *lua.LState, fn *lua.LFunction, percent float64) (float64, error) {
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LNumber(percent)); err != nil {
		return 0, err
	}

	ret := L.Get(-1)
	L.Pop(1)

	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("returned %s, want number", ret.Type())
	}

	v := float64(n)
	if math.IsNaN(v) || v < 0 || v > 100 {
		return 0, fmt.Errorf("returned %v, want 0-100", v)
	}
	return v, nil
}

type logModule struct {
	name string
}

func newLogModule(name string) *logModule {
	return &logModule{name: name}
}

func (m *logModule) loader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "debug", L.NewFunction(m.debug))
	L.SetField(mod, "info", L.NewFunction(m.info))
	L.SetField(mod, "warn", L.NewFunction(m.warn))
	L.Push(mod)
	return 1
}

func (m *logModule) debug(L *lua.LState) int {
	log.Debug().Str("source", "lua").Str("script", m.name).Msg(L.CheckString(1))
	return 0
}

func (m *logModule) info(L *lua.LState) int {
	log.Info().Str("source", "lua").Str("script", m.name).Msg(L.CheckString(1))
	return 0
}

func (m *logModule) warn(L *lua.LState) int {
	log.Warn().Str("source", "lua").Str("script", m.name).Msg(L.CheckString(1))
	return 0
}
