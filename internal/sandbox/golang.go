package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// HostPackage is the import path generated programs use to reach the
// host: prism.Call, prism.CallKw and prism.KindOf.
const HostPackage = "prism"

// DefaultAllowedImports are the standard library packages generated
// programs may import. Anything that touches the filesystem, network,
// processes or unsafe memory is excluded. So are clocks and random
// sources: a program that reads them asks for different arguments when
// it is replayed, and its snapshot can no longer be resumed.
var DefaultAllowedImports = []string{
	"bytes",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"unicode",
}

// GoOptions configures a GoInterpreter.
type GoOptions struct {
	// AllowedImports replaces DefaultAllowedImports when non-empty.
	AllowedImports []string
	// CompileTimeout bounds parsing and compilation. Zero means 10s.
	CompileTimeout time.Duration
}

// GoInterpreter runs generated Go programs with the yaegi interpreter.
//
// A program is a complete "package main" file that imports "prism" and
// defines
//
//	func Run(in map[string]any) (any, error)
//
// Capability calls are made with prism.Call(name, args...) or
// prism.CallKw(name, map[string]any{...}) and return (any, error). Values
// crossing the boundary are plain JSON values: numbers arrive as float64.
type GoInterpreter struct {
	allowed        map[string]bool
	symbols        interp.Exports
	compileTimeout time.Duration
}

// NewGoInterpreter creates a yaegi-backed interpreter.
func NewGoInterpreter(opts GoOptions) *GoInterpreter {
	imports := opts.AllowedImports
	if len(imports) == 0 {
		imports = DefaultAllowedImports
	}
	allowed := make(map[string]bool, len(imports))
	for _, p := range imports {
		allowed[p] = true
	}

	// Only expose the symbols of allowed packages to the interpreter.
	symbols := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		path := key
		if i := strings.LastIndex(key, "/"); i > 0 {
			path = key[:i]
		}
		if allowed[path] {
			symbols[key] = syms
		}
	}

	timeout := opts.CompileTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &GoInterpreter{
		allowed:        allowed,
		symbols:        symbols,
		compileTimeout: timeout,
	}
}

// Name implements Interpreter.
func (g *GoInterpreter) Name() string { return "go" }

// Start implements Interpreter.
func (g *GoInterpreter) Start(ctx context.Context, p Program) State {
	return startProgram(ctx, g.Name(), p, g.compile)
}

// Restore implements Interpreter.
func (g *GoInterpreter) Restore(ctx context.Context, checkpoint []byte) (State, error) {
	return restoreProgram(ctx, g.Name(), checkpoint, g.compile)
}

// entryAlias names the host package inside the entry snippet. It is
// not a valid identifier for generated code to collide with by chance.
const entryAlias = "prism__entry"

// entrySnippet calls Run inside the interpreter, so cancelling the
// evaluation also stops a Run that never returns.
const entrySnippet = `func() { out, err := main.Run(` + entryAlias + `.Inputs()); ` + entryAlias + `.Finish(out, err) }()`

// hostRef lets symbols bound at compile time reach the run's host,
// which only exists once the body starts.
type hostRef struct {
	h  Host
	in map[string]any

	finished bool
	out      any
	err      error
}

func (r *hostRef) inputs() map[string]any { return r.in }

func (r *hostRef) finish(out any, err error) {
	r.finished, r.out, r.err = true, out, err
}

func (r *hostRef) call(name string, args ...any) (any, error) {
	return r.h.Call(name, args...)
}

func (r *hostRef) callKw(name string, kwargs map[string]any) (any, error) {
	return r.h.CallKw(name, kwargs)
}

// KindOf returns the exception kind of err, or "" when err is not an
// exception raised by the host.
func KindOf(err error) string {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc.Kind
	}
	return ""
}

func (g *GoInterpreter) compile(ctx context.Context, p Program) (Body, error) {
	if err := g.Validate(p.Source); err != nil {
		return nil, err
	}

	ref := &hostRef{}
	i := interp.New(interp.Options{})
	if err := i.Use(g.symbols); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}
	if err := i.Use(interp.Exports{
		HostPackage + "/" + HostPackage: {
			"Call":      reflect.ValueOf(ref.call),
			"CallKw":    reflect.ValueOf(ref.callKw),
			"KindOf":    reflect.ValueOf(KindOf),
			"Exception": reflect.ValueOf((*Exception)(nil)),
			"Inputs":    reflect.ValueOf(ref.inputs),
			"Finish":    reflect.ValueOf(ref.finish),
		},
	}); err != nil {
		return nil, fmt.Errorf("load host package: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, g.compileTimeout)
	defer cancel()

	if _, err := i.EvalWithContext(cctx, p.Source); err != nil {
		return nil, fmt.Errorf("compile program: %w", err)
	}
	v, err := i.EvalWithContext(cctx, "main.Run")
	if err != nil {
		return nil, fmt.Errorf("entry point Run not found: %w", err)
	}
	if _, ok := v.Interface().(func(map[string]any) (any, error)); !ok {
		return nil, fmt.Errorf("Run has incorrect signature (expected: func(map[string]any) (any, error))")
	}
	if _, err := i.EvalWithContext(cctx, fmt.Sprintf("import %s %q", entryAlias, HostPackage)); err != nil {
		return nil, fmt.Errorf("bind entry point: %w", err)
	}

	return func(h Host, in map[string]any) (any, error) {
		ref.h, ref.in = h, in
		rctx := context.Background()
		if c, ok := h.(interface{ Context() context.Context }); ok {
			rctx = c.Context()
		}
		_, err := i.EvalWithContext(rctx, entrySnippet)
		switch {
		case rctx.Err() != nil:
			// Released: the driver has already moved on.
			runtime.Goexit()
		case err != nil:
			return nil, err
		case !ref.finished:
			// The host ended the evaluation itself, on replay
			// divergence or release.
			runtime.Goexit()
		}
		return ref.out, ref.err
	}, nil
}

// Validate checks a program's shape before it is compiled: it must be
// package main, import only allowed packages and the host package,
// define Run, and must not define main or start goroutines.
func (g *GoInterpreter) Validate(src string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "program.go", src, parser.SkipObjectResolution)
	if err != nil {
		return fmt.Errorf("parse program: %w", err)
	}
	if file.Name.Name != "main" {
		return fmt.Errorf("program must be package main, got %q", file.Name.Name)
	}

	var forbidden []string
	for _, imp := range file.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		if path == HostPackage || g.allowed[path] {
			continue
		}
		forbidden = append(forbidden, path)
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return fmt.Errorf("forbidden imports: %s (allowed: %s)",
			strings.Join(forbidden, ", "), strings.Join(g.allowedImports(), ", "))
	}

	hasRun := false
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		switch fn.Name.Name {
		case "Run":
			hasRun = true
		case "main", "init":
			return fmt.Errorf("program must not define func %s", fn.Name.Name)
		}
	}
	if !hasRun {
		return fmt.Errorf("program must define func Run(in map[string]any) (any, error)")
	}

	var goStmt *ast.GoStmt
	ast.Inspect(file, func(n ast.Node) bool {
		if s, ok := n.(*ast.GoStmt); ok && goStmt == nil {
			goStmt = s
		}
		return goStmt == nil
	})
	if goStmt != nil {
		return fmt.Errorf("%s: programs must not start goroutines", fset.Position(goStmt.Pos()))
	}
	return nil
}

func (g *GoInterpreter) allowedImports() []string {
	out := make([]string, 0, len(g.allowed))
	for p := range g.allowed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
