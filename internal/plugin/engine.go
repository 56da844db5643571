package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// scriptRuntime wraps one goja.Runtime dedicated to a single Plugin. It is
// grounded on the embedding idiom of system/tee/script_engine.go in the
// retrieved r3e-network-service_layer repo (vm.Set for global injection,
// running an embedded stdlib source string, goja.AssertFunction to obtain
// callables) adapted from a one-shot request/response execution model to a
// long-lived, repeatedly-resumed plugin module.
//
// Only one Task's goroutine is ever unblocked and touching vm at a time
// (enforced by the Dispatcher's scheduling loop, see task.go), so vm itself
// needs no internal locking despite being shared across every Task the
// plugin ever runs.
type scriptRuntime struct {
	vm          *goja.Runtime
	module      goja.Value
	currentTask *Task // set by the Dispatcher immediately before a resume
}

// hostCallBridge is the single native function bound into every plugin's
// runtime as "__host_call". Every host API stub in the embedded "scope"
// stdlib funnels through it; it is the one and only place a script yields
// control to the host (§4.1, §4.2).
func (sr *scriptRuntime) hostCallBridge(call goja.FunctionCall) goja.Value {
	if sr.currentTask == nil {
		panic(sr.vm.NewTypeError("host call outside of a running task"))
	}
	tag := call.Argument(0).String()
	args := make([]any, 0, len(call.Arguments)-1)
	for _, a := range call.Arguments[1:] {
		args = append(args, exportGojaValue(a))
	}
	reply := sr.currentTask.yield(HostRequest{Tag: tag, Args: args})

	out := sr.vm.NewArray()
	_ = out.Set("0", string(reply.Status))
	for i, r := range reply.Results {
		_ = out.Set(fmt.Sprintf("%d", i+1), sr.vm.ToValue(r))
	}
	return out
}

// exportGojaValue converts a goja.Value argument into the plain Go
// representation host handlers operate on: string, float64, bool,
// []byte (from a Uint8Array or array of numbers), map[string]any (from a
// plain object), or nil.
func exportGojaValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	switch val := exported.(type) {
	case []byte:
		return val
	case []any:
		// A byte-array argument may arrive as a plain JS array of numbers
		// (negative values fold into 0x100+v per §6) rather than a
		// Uint8Array; normalize both forms into []byte when every element
		// is numeric, else leave it as a slice for record-shaped args.
		if bs, ok := toByteSlice(val); ok {
			return bs
		}
		return val
	default:
		return exported
	}
}

func toByteSlice(vals []any) ([]byte, bool) {
	out := make([]byte, 0, len(vals))
	for _, v := range vals {
		n, ok := toInt(v)
		if !ok {
			return nil, false
		}
		if n < 0 {
			n = 0x100 + n
		}
		out = append(out, byte(n))
	}
	return out, true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// newScriptRuntime builds a fresh goja.Runtime with the host bridge and the
// embedded stdlib's require() shim installed, but does not yet load any
// plugin module.
func newScriptRuntime() *scriptRuntime {
	sr := &scriptRuntime{vm: goja.New()}
	sr.vm.Set("__host_call", sr.hostCallBridge)
	sr.vm.Set("__os_name", osName())
	return sr
}

// osName implements sys.os_name()'s pure, un-yielded env lookup (§4.2,
// §6 Environment): "windows" if OS=="Windows_NT", else "unix".
func osName() string {
	if os.Getenv("OS") == "Windows_NT" {
		return "windows"
	}
	return "unix"
}

// commonJSWrap mirrors a CommonJS module: the script's own source runs
// inside a function that receives module/exports/require, and the engine
// reads back module.exports as the plugin table (§4.1).
func commonJSWrap(source string) string {
	var b strings.Builder
	b.WriteString("(function(module, exports, require) {\n")
	b.WriteString(source)
	b.WriteString("\nreturn module.exports;\n})")
	return b.String()
}

// requireShim returns the require() function a plugin script sees:
// require("scope") and require("shell") are the only recognized names
// (§6 Standard-library stubs).
func (sr *scriptRuntime) requireShim() func(string) goja.Value {
	var scopeVal, shellVal goja.Value
	return func(name string) goja.Value {
		switch name {
		case "scope":
			if scopeVal == nil {
				if _, err := sr.vm.RunString(scopeStdlibSource); err != nil {
					panic(sr.vm.ToValue(err.Error()))
				}
				scopeVal = sr.vm.Get("__scope_module")
			}
			return scopeVal
		case "shell":
			if shellVal == nil {
				if _, err := sr.vm.RunString(shellStdlibSource); err != nil {
					panic(sr.vm.ToValue(err.Error()))
				}
				shellVal = sr.vm.Get("__shell_module")
			}
			return shellVal
		default:
			panic(sr.vm.NewTypeError("unknown module: " + name))
		}
	}
}

// load compiles and evaluates the script at path, returning its module
// table value. It does not classify entries — that is classify's job
// (registry.go, called from Registry.prepare), keeping engine.go free of
// plugin-lifecycle concerns.
func (sr *scriptRuntime) load(path string) (goja.Value, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	program, err := goja.Compile(path, commonJSWrap(string(src)), false)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}

	wrapperFnVal, err := sr.vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("evaluate script: %w", err)
	}
	wrapperFn, ok := goja.AssertFunction(wrapperFnVal)
	if !ok {
		return nil, fmt.Errorf("script did not evaluate to a module function")
	}

	moduleObj := sr.vm.NewObject()
	_ = moduleObj.Set("exports", sr.vm.NewObject())
	requireFn := sr.requireShim()
	requireVal := sr.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return requireFn(call.Argument(0).String())
	})

	result, err := wrapperFn(goja.Undefined(), moduleObj, moduleObj.Get("exports"), requireVal)
	if err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}
	sr.module = result
	return result, nil
}

// callable resolves a named, zero-or-more-arg function on the module table,
// returning (nil, false) if the name isn't present or isn't a function.
func (sr *scriptRuntime) callable(name string) (goja.Callable, bool) {
	obj, ok := sr.module.(*goja.Object)
	if !ok {
		return nil, false
	}
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	fn, ok := goja.AssertFunction(v)
	return fn, ok
}

// moduleKeys lists the module table's own enumerable string keys, used by
// the Registry to classify lifecycle/event/command entries (§4.3 load).
func (sr *scriptRuntime) moduleKeys() []string {
	obj, ok := sr.module.(*goja.Object)
	if !ok {
		return nil
	}
	return obj.Keys()
}

// invoke calls a named module function with args, returning its exported Go
// result. Used by Task.run's closure (Dispatcher.start in dispatcher.go
// wires this into Task.run).
func (sr *scriptRuntime) invoke(name string, args ...any) (any, error) {
	fn, ok := sr.callable(name)
	if !ok {
		return nil, fmt.Errorf("no such plugin function: %s", name)
	}
	gojaArgs := make([]goja.Value, len(args))
	for i, a := range args {
		gojaArgs[i] = sr.vm.ToValue(a)
	}
	result, err := fn(goja.Undefined(), gojaArgs...)
	if err != nil {
		return nil, stripScriptLocation(err)
	}
	return exportGojaValue(result), nil
}

// stripScriptLocation removes the engine's script location from a goja
// runtime error where possible, per §4.4 resume protocol outcome 3: a
// thrown *goja.Exception is reduced to its thrown value (dropping the
// " at fn (<path>:LINE:COL)" frame goja appends), and any other error
// loses a leading "<path>:LINE:COL: " prefix.
func stripScriptLocation(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) && ex.Value() != nil {
		return fmt.Errorf("%s", ex.Value().String())
	}
	msg := err.Error()
	if idx := strings.Index(msg, ": "); idx > 0 && strings.Contains(msg[:idx], ".js:") {
		return fmt.Errorf("%s", msg[idx+2:])
	}
	return err
}

// normalizedPath returns an absolute, cleaned form of path, used as the
// Registry's key (§3 Plugin: "identified by its source file path
// (normalized)").
func normalizedPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// pluginDisplayName is the basename without extension (§3 Plugin).
func pluginDisplayName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
