package codegen

import (
	"fmt"

	"github.com/otley/wordforge/ast"
)

// coreFunctions are the fixed, VM-level primitives that bypass ordinary
// function-call dispatch: a program calling one of these names gets direct
// access to an opcode or to the static-region table instead of a user
// FuncDecl lookup.
var coreFunctions map[string]func(*Generator, []ast.Expr) (*Data, error)

func init() {
	coreFunctions = map[string]func(*Generator, []ast.Expr) (*Data, error){
		"print_raw":     intrinsicPrintRaw,
		"halt":          intrinsicHalt,
		"syscall":       intrinsicSyscall,
		"malloc":        intrinsicMalloc,
		"free":          intrinsicFree,
		"idt":           intrinsicIdt,
		"jump":          intrinsicJump,
		"peripheral":    intrinsicPeripheral,
		"memory_access": intrinsicMemoryAccess,
		"create_static": intrinsicCreateStatic,
		"access_static": intrinsicAccessStatic,
	}
}

func wantArgs(name string, args []ast.Expr, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s expects %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func (g *Generator) evalScalarArg(e ast.Expr) (byte, error) {
	d, err := g.handleExpr(e)
	if err != nil {
		return 0, err
	}
	return g.loadValue(*d)
}

// intrinsicPrintRaw sends v to the serial peripheral one word at a time:
// for each word of v, Phrp(0, w). A scalar argument is a single Phrp; an
// array or struct argument walks its whole materialized storage in order.
func intrinsicPrintRaw(g *Generator, args []ast.Expr) (*Data, error) {
	if err := wantArgs("print_raw", args, 1); err != nil {
		return nil, wrap("handle_call", err)
	}
	d, err := g.handleExpr(args[0])
	if err != nil {
		return nil, wrap("handle_call", err)
	}

	addr, err := g.addrOfData(*d)
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	defer g.release(addr)

	idReg, err := g.acquire()
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	defer g.release(idReg)
	g.emit("Set %s, 0", reg(idReg))

	for i := 0; i < d.Size; i++ {
		word, err := g.acquire()
		if err != nil {
			return nil, wrap("handle_call", err)
		}
		if i == 0 {
			g.emit("Read %s, %s", reg(word), reg(addr))
		} else if err := g.readAt(addr, i, word); err != nil {
			g.release(word)
			return nil, wrap("handle_call", err)
		}
		g.emit("Phrp %s, %s", reg(idReg), reg(word))
		g.release(word)
	}
	return nil, nil
}

func intrinsicHalt(g *Generator, args []ast.Expr) (*Data, error) {
	if err := wantArgs("halt", args, 0); err != nil {
		return nil, wrap("handle_call", err)
	}
	g.emit("Halt")
	return nil, nil
}

func intrinsicSyscall(g *Generator, args []ast.Expr) (*Data, error) {
	if err := wantArgs("syscall", args, 3); err != nil {
		return nil, wrap("handle_call", err)
	}
	regs := make([]byte, 3)
	for i, a := range args {
		r, err := g.evalScalarArg(a)
		if err != nil {
			return nil, wrap("handle_call", err)
		}
		regs[i] = r
	}
	g.emit("Syscall %s, %s, %s", reg(regs[0]), reg(regs[1]), reg(regs[2]))
	for _, r := range regs {
		g.release(r)
	}
	return nil, nil
}

// intrinsicMalloc copies its argument into freshly allocated heap memory and
// yields a reference to the copy. The allocation itself is delegated to the
// user-declared core_allocate function (size in words in, base address out);
// compiling a malloc call without one declared is a compile error.
func intrinsicMalloc(g *Generator, args []ast.Expr) (*Data, error) {
	if err := wantArgs("malloc", args, 1); err != nil {
		return nil, wrap("handle_call", err)
	}
	info, ok := g.funcs["core_allocate"]
	if !ok {
		return nil, wrap("handle_call", fmt.Errorf("malloc requires a declared core_allocate function"))
	}

	val, err := g.handleExpr(args[0])
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	size := val.Type.Size()
	sizeData, err := g.materializeConst(uint32(size), U32{})
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	res, err := g.emitCallTo("core_allocate", info, []*Data{sizeData})
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	if res.Type == nil || res.Type.Size() != 1 {
		return nil, wrap("handle_call", fmt.Errorf("core_allocate must return a one-word base address"))
	}

	base, err := g.loadScalar(*res)
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	srcAddr, err := g.addrOfData(*val)
	if err != nil {
		g.release(base)
		return nil, wrap("handle_call", err)
	}
	for i := 0; i < size; i++ {
		word, err := g.acquire()
		if err != nil {
			g.release(base)
			g.release(srcAddr)
			return nil, wrap("handle_call", err)
		}
		if i == 0 {
			g.emit("Read %s, %s", reg(word), reg(srcAddr))
			g.emit("Write %s, %s", reg(base), reg(word))
		} else {
			if err := g.readAt(srcAddr, i, word); err != nil {
				g.release(word)
				g.release(base)
				g.release(srcAddr)
				return nil, wrap("handle_call", err)
			}
			if err := g.writeAt(base, i, word); err != nil {
				g.release(word)
				g.release(base)
				g.release(srcAddr)
				return nil, wrap("handle_call", err)
			}
		}
		g.release(word)
	}
	g.release(srcAddr)

	off, err := g.allocate(1)
	if err != nil {
		g.release(base)
		return nil, wrap("handle_call", err)
	}
	d := Data{Offset: off, Size: 1, Type: Reference{Elem: val.Type, Delta: 0}}
	if err := g.storeScalar(d, base); err != nil {
		g.release(base)
		return nil, wrap("handle_call", err)
	}
	g.release(base)
	return &d, nil
}

// intrinsicFree hands a heap reference back by calling the user-declared
// core_deallocate function with the pointee's size and the underlying
// address.
func intrinsicFree(g *Generator, args []ast.Expr) (*Data, error) {
	if err := wantArgs("free", args, 1); err != nil {
		return nil, wrap("handle_call", err)
	}
	info, ok := g.funcs["core_deallocate"]
	if !ok {
		return nil, wrap("handle_call", fmt.Errorf("free requires a declared core_deallocate function"))
	}

	d, err := g.handleExpr(args[0])
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	ref, ok := d.Type.(Reference)
	if !ok {
		return nil, wrap("handle_call", fmt.Errorf("free expects a reference, got %s", d.Type))
	}

	sizeData, err := g.materializeConst(uint32(ref.Elem.Size()), U32{})
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	ptr, err := g.loadScalar(*d)
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	addrOff, err := g.allocate(1)
	if err != nil {
		g.release(ptr)
		return nil, wrap("handle_call", err)
	}
	addrData := Data{Offset: addrOff, Size: 1, Type: U32{}}
	if err := g.storeScalar(addrData, ptr); err != nil {
		g.release(ptr)
		return nil, wrap("handle_call", err)
	}
	g.release(ptr)

	if _, err := g.emitCallTo("core_deallocate", info, []*Data{sizeData, &addrData}); err != nil {
		return nil, wrap("handle_call", err)
	}
	return nil, nil
}

func intrinsicIdt(g *Generator, args []ast.Expr) (*Data, error) {
	if err := wantArgs("idt", args, 1); err != nil {
		return nil, wrap("handle_call", err)
	}
	r, err := g.evalScalarArg(args[0])
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	g.emit("Idt %s", reg(r))
	g.release(r)
	return nil, nil
}

func intrinsicJump(g *Generator, args []ast.Expr) (*Data, error) {
	if err := wantArgs("jump", args, 1); err != nil {
		return nil, wrap("handle_call", err)
	}
	r, err := g.evalScalarArg(args[0])
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	g.emit("Jmp %s", reg(r))
	g.release(r)
	return nil, nil
}

func intrinsicPeripheral(g *Generator, args []ast.Expr) (*Data, error) {
	if err := wantArgs("peripheral", args, 2); err != nil {
		return nil, wrap("handle_call", err)
	}
	idReg, err := g.evalScalarArg(args[0])
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	valReg, err := g.evalScalarArg(args[1])
	if err != nil {
		g.release(idReg)
		return nil, wrap("handle_call", err)
	}
	g.emit("Phrp %s, %s", reg(idReg), reg(valReg))
	g.release(idReg)
	g.release(valReg)
	return nil, nil
}

// intrinsicMemoryAccess exposes Read/Write directly: one argument reads the
// word at that address, two arguments write the second word to the address
// named by the first.
func intrinsicMemoryAccess(g *Generator, args []ast.Expr) (*Data, error) {
	switch len(args) {
	case 1:
		addrReg, err := g.evalScalarArg(args[0])
		if err != nil {
			return nil, wrap("handle_call", err)
		}
		valReg, err := g.acquire()
		if err != nil {
			g.release(addrReg)
			return nil, wrap("handle_call", err)
		}
		g.emit("Read %s, %s", reg(valReg), reg(addrReg))
		g.release(addrReg)
		off, err := g.allocate(1)
		if err != nil {
			g.release(valReg)
			return nil, wrap("handle_call", err)
		}
		d := Data{Offset: off, Size: 1, Type: U32{}}
		if err := g.storeScalar(d, valReg); err != nil {
			g.release(valReg)
			return nil, wrap("handle_call", err)
		}
		g.release(valReg)
		return &d, nil
	case 2:
		addrReg, err := g.evalScalarArg(args[0])
		if err != nil {
			return nil, wrap("handle_call", err)
		}
		valReg, err := g.evalScalarArg(args[1])
		if err != nil {
			g.release(addrReg)
			return nil, wrap("handle_call", err)
		}
		g.emit("Write %s, %s", reg(addrReg), reg(valReg))
		g.release(addrReg)
		g.release(valReg)
		return nil, nil
	default:
		return nil, wrap("handle_call", fmt.Errorf("memory_access expects 1 or 2 arguments, got %d", len(args)))
	}
}

// intrinsicCreateStatic reserves a named, permanent data region outside the
// stack discipline: create_static(value, "name"). The region is laid down
// directly in the instruction stream, fenced by an unconditional jump so
// execution skips over the raw words, then initialized from the value.
func intrinsicCreateStatic(g *Generator, args []ast.Expr) (*Data, error) {
	if err := wantArgs("create_static", args, 2); err != nil {
		return nil, wrap("handle_call", err)
	}
	nameLit, ok := args[1].(ast.StringLit)
	if !ok {
		return nil, wrap("handle_call", fmt.Errorf("create_static's second argument must be a string literal name"))
	}
	if _, exists := g.statics[nameLit.Value]; exists {
		return nil, wrap("handle_call", fmt.Errorf("static %q declared twice", nameLit.Value))
	}

	val, err := g.handleExpr(args[0])
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	size := val.Type.Size()

	label := "static_" + nameLit.Value
	skip := g.label("static_skip")
	fence, err := g.acquire()
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	g.emit("Set %s, :%s", reg(fence), skip)
	g.emit("Jmp %s", reg(fence))
	g.release(fence)
	g.emit(":%s", label)
	for i := 0; i < size; i++ {
		g.emit("0")
	}
	g.emit(":%s", skip)

	g.statics[nameLit.Value] = &StaticInfo{Label: label, Type: val.Type}
	staticData := Data{Size: size, Type: val.Type, StaticLabel: label}
	if err := g.copyWords(staticData, *val, size); err != nil {
		return nil, wrap("handle_call", err)
	}
	return nil, nil
}

func intrinsicAccessStatic(g *Generator, args []ast.Expr) (*Data, error) {
	if err := wantArgs("access_static", args, 1); err != nil {
		return nil, wrap("handle_call", err)
	}
	nameLit, ok := args[0].(ast.StringLit)
	if !ok {
		return nil, wrap("handle_call", fmt.Errorf("access_static expects a string literal name"))
	}
	s, ok := g.statics[nameLit.Value]
	if !ok {
		return nil, wrap("handle_call", fmt.Errorf("undeclared static %q", nameLit.Value))
	}
	staticData := Data{Size: s.Type.Size(), Type: s.Type, StaticLabel: s.Label}
	addr, err := g.addrOfData(staticData)
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	off, err := g.allocate(1)
	if err != nil {
		g.release(addr)
		return nil, wrap("handle_call", err)
	}
	d := Data{Offset: off, Size: 1, Type: Reference{Elem: s.Type, Delta: 0}}
	if err := g.storeScalar(d, addr); err != nil {
		g.release(addr)
		return nil, wrap("handle_call", err)
	}
	g.release(addr)
	return &d, nil
}
