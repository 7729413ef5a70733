package codegen

import (
	"fmt"
	"strings"

	"github.com/otley/wordforge/ast"
	"github.com/otley/wordforge/isa"
)

// Error is a context-chained semantic error, built by wrapping a lower-level
// cause with each handler's own description as it unwinds, per §7's
// "Handle expression: ... -> handle_struct_access, struct_name: ..." style.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string  { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error  { return e.Err }

func wrap(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Stage: stage, Err: err}
}

// Data describes where one expression's value lives: its stack-frame offset
// (signed, relative to STACK_FRAME), its size in words, and its type. The
// type chain alone drives reference chasing — a Data of type
// Reference(Reference(T,δ2),δ1) is read by dereferencing twice.
type Data struct {
	Offset int32
	Size   int
	Type   Type

	// StaticLabel is non-empty for a static region: its address is the
	// assembler label itself, not STACK_FRAME+Offset.
	StaticLabel string
}

// ScopeKind controls whether outer variable lookups may see past this block.
type ScopeKind int

const (
	Inclusive ScopeKind = iota // if/else/while/for: outer lookups pass through
	Exclusive                  // function bodies, struct-access scopes: opaque to outer lookups
)

// CodeBlock is one entry in the scope stack.
type CodeBlock struct {
	vars map[string]Data
	kind ScopeKind
}

// FuncInputData describes one of a function's parameters at its negative
// stack-frame offset, computed once in the pre-pass before any body is
// emitted.
type FuncInputData struct {
	Name   string
	Type   Type
	Offset int32 // negative, relative to the callee's own frame base
}

// FuncInfo is the compile-time record of a declared function.
type FuncInfo struct {
	Label      string
	Inputs     []FuncInputData
	ReturnType Type
}

// StructInfo is the resolved layout of a declared struct.
type StructInfo struct {
	Name  string
	Props []PropInfo
	Size  int
}

// PropInfo is one resolved property of a struct.
type PropInfo struct {
	Name   string
	Type   Type
	Offset int // offset_from_struct_base
}

// StaticInfo records a named static region reserved in the instruction
// stream.
type StaticInfo struct {
	Label string
	Type  Type
}

// Generator holds every piece of state threaded through a single top-to-
// bottom traversal of one ast.Program. It is not safe for concurrent use —
// the spec's own resource model says the code generator is single-threaded.
type Generator struct {
	out strings.Builder

	regPool   []byte // free-list, initialized 0..=250; acquire pops the back, release pushes the back
	curOffset int32

	scopes []*CodeBlock // front = scopes[len-1]

	structs map[string]*StructInfo
	funcs   map[string]*FuncInfo
	statics map[string]*StaticInfo

	labelCounter int

	breakTargets []string // enclosing loops' end labels, innermost last

	currentFunc *FuncInfo // set while compiling a function body; nil at top level
}

// New returns a Generator with an empty register pool seeded 0..=250 and no
// scopes, structs, functions, or statics yet declared.
func New() *Generator {
	g := &Generator{
		structs: make(map[string]*StructInfo),
		funcs:   make(map[string]*FuncInfo),
		statics: make(map[string]*StaticInfo),
	}
	for i := isa.MaxAllocatableReg; ; i-- {
		g.regPool = append(g.regPool, i)
		if i == 0 {
			break
		}
	}
	return g
}

// acquire pops one free register index. Exhaustion is a compile error.
func (g *Generator) acquire() (byte, error) {
	if len(g.regPool) == 0 {
		return 0, fmt.Errorf("register pool exhausted")
	}
	r := g.regPool[len(g.regPool)-1]
	g.regPool = g.regPool[:len(g.regPool)-1]
	return r, nil
}

// release returns a register to the pool. Releasing a register whose value
// is still referenced from memory is fine — the value lives in the memory
// slot that was written, not the register.
func (g *Generator) release(r byte) {
	g.regPool = append(g.regPool, r)
}

func reg(r byte) string { return fmt.Sprintf("r%d", r) }

const (
	rStackHead  = isa.StackHead
	rStackFrame = isa.StackFrame
)

// emit appends one line of assembly text.
func (g *Generator) emit(format string, args ...any) {
	fmt.Fprintf(&g.out, format+"\n", args...)
}

func (g *Generator) label(prefix string) string {
	g.labelCounter++
	return fmt.Sprintf("%s%d", prefix, g.labelCounter)
}

// pushScope pushes a new block of the given kind onto the front of the scope
// stack.
func (g *Generator) pushScope(kind ScopeKind) {
	g.scopes = append(g.scopes, &CodeBlock{vars: make(map[string]Data), kind: kind})
}

// popScope pops the front scope.
func (g *Generator) popScope() {
	g.scopes = g.scopes[:len(g.scopes)-1]
}

// declare adds a variable to the front scope. Duplicate declaration
// anywhere in the reachable chain (front scope, or any Inclusive scope
// outward from it) is a compile error.
func (g *Generator) declare(name string, d Data) error {
	if _, _, ok := g.lookup(name); ok {
		return fmt.Errorf("duplicate declaration of %q", name)
	}
	front := g.scopes[len(g.scopes)-1]
	front.vars[name] = d
	return nil
}

// lookup walks the scope chain outward from the front, stopping after the
// first Exclusive block (inclusive of that block itself).
func (g *Generator) lookup(name string) (Data, bool, bool) {
	for i := len(g.scopes) - 1; i >= 0; i-- {
		b := g.scopes[i]
		if d, ok := b.vars[name]; ok {
			return d, b.kind == Exclusive, true
		}
		if b.kind == Exclusive {
			break
		}
	}
	return Data{}, false, false
}

// allocate bumps cur_offset by size words, emitting the runtime stack growth
// (Set a scratch to size, add it to STACK_HEAD) and returning the
// pre-allocation offset as the new Data's stack_frame_offset.
func (g *Generator) allocate(size int) (int32, error) {
	scratch, err := g.acquire()
	if err != nil {
		return 0, err
	}
	defer g.release(scratch)

	offset := g.curOffset
	g.emit("Set %s, %d", reg(scratch), size)
	g.emit("Add %s, %s", reg(rStackHead), reg(scratch))
	g.curOffset += int32(size)
	return offset, nil
}

// saveStackMark records the current STACK_HEAD into a freshly allocated
// slot so a scope or branch can rewind every temporary it allocates:
// restoreStackMark loads the recorded head back into STACK_HEAD and rewinds
// curOffset to the value captured here. The head is captured before the
// mark slot's own allocation, so the rewind releases the slot too — a loop
// body that saves and restores every iteration reuses the same slot instead
// of drifting upward by one word each time around.
func (g *Generator) saveStackMark() (Data, int32, error) {
	savedCur := g.curOffset
	r, err := g.acquire()
	if err != nil {
		return Data{}, 0, err
	}
	g.emit("Cp %s, %s", reg(r), reg(rStackHead))
	off, err := g.allocate(1)
	if err != nil {
		g.release(r)
		return Data{}, 0, err
	}
	slot := Data{Offset: off, Size: 1, Type: U32{}}
	if err := g.storeScalar(slot, r); err != nil {
		g.release(r)
		return Data{}, 0, err
	}
	g.release(r)
	return slot, savedCur, nil
}

func (g *Generator) restoreStackMark(slot Data, saved int32) error {
	r, err := g.loadScalar(slot)
	if err != nil {
		return err
	}
	g.emit("Cp %s, %s", reg(rStackHead), reg(r))
	g.release(r)
	g.curOffset = saved
	return nil
}

// saveLoopMark is the loop-shaped variant of saveStackMark: the recorded
// head sits just past the mark slot itself, so rewindToLoopMark can run many
// times (once per iteration) against a slot that was allocated exactly
// once, outside the loop, without the slot ever being rewound out from
// under the next iteration's read.
func (g *Generator) saveLoopMark() (Data, error) {
	off, err := g.allocate(1)
	if err != nil {
		return Data{}, err
	}
	slot := Data{Offset: off, Size: 1, Type: U32{}}
	r, err := g.acquire()
	if err != nil {
		return Data{}, err
	}
	g.emit("Cp %s, %s", reg(r), reg(rStackHead))
	if err := g.storeScalar(slot, r); err != nil {
		g.release(r)
		return Data{}, err
	}
	g.release(r)
	return slot, nil
}

// rewindToLoopMark restores STACK_HEAD from a loop mark and rewinds
// curOffset to the compile-time position recorded right after the mark's
// allocation.
func (g *Generator) rewindToLoopMark(slot Data, loopBase int32) error {
	r, err := g.loadScalar(slot)
	if err != nil {
		return err
	}
	g.emit("Cp %s, %s", reg(rStackHead), reg(r))
	g.release(r)
	g.curOffset = loopBase
	return nil
}

// Compile lowers an entire ast.Program into a single assembly text,
// returning an assembler error is never produced here — Compile's errors
// are always semantic (*Error), consistent with the error-kind taxonomy.
func Compile(p *ast.Program) (string, error) {
	g := New()
	if err := g.compileProgram(p); err != nil {
		return "", err
	}
	return g.out.String(), nil
}
