package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// NativeInterpreter runs programs written as Go functions and registered
// by name. The program source is the registered name. It backs tests
// and scripted deployments where generated code is not wanted.
type NativeInterpreter struct {
	mu       sync.RWMutex
	programs map[string]Body
}

// NewNativeInterpreter creates an interpreter with no programs.
func NewNativeInterpreter() *NativeInterpreter {
	return &NativeInterpreter{programs: make(map[string]Body)}
}

// Register adds a program under name, replacing any previous one.
func (n *NativeInterpreter) Register(name string, body Body) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.programs[name] = body
}

// Name implements Interpreter.
func (n *NativeInterpreter) Name() string { return "native" }

// Start implements Interpreter.
func (n *NativeInterpreter) Start(ctx context.Context, p Program) State {
	return startProgram(ctx, n.Name(), p, n.compile)
}

// Restore implements Interpreter.
func (n *NativeInterpreter) Restore(ctx context.Context, checkpoint []byte) (State, error) {
	return restoreProgram(ctx, n.Name(), checkpoint, n.compile)
}

func (n *NativeInterpreter) compile(_ context.Context, p Program) (Body, error) {
	name := strings.TrimSpace(p.Source)
	n.mu.RLock()
	body, ok := n.programs[name]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no native program named %q", name)
	}
	return body, nil
}
