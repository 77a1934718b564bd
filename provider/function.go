package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ipc-provider/message"
)

// maxNameLen is the longest name the FUNCTION body can carry.
const maxNameLen = 255

// Func is an exported function. args holds the decoded positional
// arguments. The function completes by returning, or earlier by calling
// fail; whichever happens first is reported to the supervisor and the rest
// is dropped.
type Func func(ctx context.Context, args []any, progress message.ProgressFunc, fail message.FailureFunc) (any, error)

type function struct {
	name  string
	fn    Func
	arity int // -1 accepts any count
}

// FuncOption configures a registered function.
type FuncOption func(*function)

// WithArity fixes the number of positional arguments. Calls with another
// count fail with invalid_argument_count before the function runs.
func WithArity(n int) FuncOption {
	return func(f *function) { f.arity = n }
}

// Table maps names to exported functions. It is safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	funcs map[string]*function
}

func NewTable() *Table {
	return &Table{funcs: make(map[string]*function)}
}

// Register exports fn under name.
func (t *Table) Register(name string, fn Func, opts ...FuncOption) error {
	if name == "" {
		return errors.New("provider: function name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("provider: function name is %d bytes, limit %d", len(name), maxNameLen)
	}
	if fn == nil {
		return fmt.Errorf("provider: function %q is nil", name)
	}

	f := &function{name: name, fn: fn, arity: -1}
	for _, opt := range opts {
		opt(f)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.funcs[name]; dup {
		return fmt.Errorf("provider: function %q already registered", name)
	}
	t.funcs[name] = f
	return nil
}

// MustRegister is Register that panics on error, for static tables.
func (t *Table) MustRegister(name string, fn Func, opts ...FuncOption) {
	if err := t.Register(name, fn, opts...); err != nil {
		panic(err)
	}
}

// Names returns the exported names in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.funcs))
	for name := range t.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) lookup(name string) (*function, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.funcs[name]
	return f, ok
}
