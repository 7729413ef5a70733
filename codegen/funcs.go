package codegen

import (
	"fmt"

	"github.com/otley/wordforge/ast"
)

// funcLabel namespaces a declared function's entry point so it can't
// collide with a user-chosen loop/if label.
func funcLabel(name string) string { return "fn_" + name }

// registerFuncs performs the signature pre-pass §4.4's function handling
// needs: every FuncDecl's parameter and return layout is computed before any
// body is compiled, so forward calls (including recursive and mutually
// recursive calls) resolve against a complete table.
func (g *Generator) registerFuncs(decls []ast.FuncDecl) error {
	for _, d := range decls {
		if _, exists := g.funcs[d.Name]; exists {
			return wrap("register_functions", fmt.Errorf("function %q declared twice", d.Name))
		}
		var retType Type
		if d.Return != nil {
			t, err := g.convertType(d.Return)
			if err != nil {
				return wrap("register_functions", fmt.Errorf("function %q: %w", d.Name, err))
			}
			retType = t
		}
		numArgs := 0
		for _, p := range d.Params {
			t, err := g.convertType(p.Type)
			if err != nil {
				return wrap("register_functions", fmt.Errorf("function %q, param %q: %w", d.Name, p.Name, err))
			}
			numArgs += t.Size()
		}
		inputs := make([]FuncInputData, 0, len(d.Params))
		offset := int32(-numArgs)
		for _, p := range d.Params {
			t, err := g.convertType(p.Type)
			if err != nil {
				return wrap("register_functions", err)
			}
			inputs = append(inputs, FuncInputData{Name: p.Name, Type: t, Offset: offset})
			offset += int32(t.Size())
		}
		g.funcs[d.Name] = &FuncInfo{
			Label:      funcLabel(d.Name),
			Inputs:     inputs,
			ReturnType: retType,
		}
	}
	return nil
}

// returnSlotSize reports how many words a FuncInfo's return value occupies.
func (info *FuncInfo) returnSlotSize() int {
	if info.ReturnType == nil {
		return 0
	}
	return info.ReturnType.Size()
}

func (info *FuncInfo) savedFrameOffset() int32 { return int32(info.returnSlotSize()) }
func (info *FuncInfo) savedRetOffset() int32   { return info.savedFrameOffset() + 1 }
func (info *FuncInfo) localsStart() int32      { return info.savedRetOffset() + 1 }
func (info *FuncInfo) numArgWords() int {
	n := 0
	for _, in := range info.Inputs {
		n += in.Type.Size()
	}
	return n
}

// compileFuncDecl emits one function's label, prologue (parameter bindings),
// body, and fallthrough epilogue.
func (g *Generator) compileFuncDecl(d ast.FuncDecl) error {
	info := g.funcs[d.Name]
	g.currentFunc = info
	defer func() { g.currentFunc = nil }()

	g.emit(":%s", info.Label)
	g.pushScope(Exclusive)
	defer g.popScope()

	for _, in := range info.Inputs {
		if err := g.declare(in.Name, Data{Offset: in.Offset, Size: in.Type.Size(), Type: in.Type}); err != nil {
			return wrap("compile_function", fmt.Errorf("function %q: %w", d.Name, err))
		}
	}
	g.curOffset = info.localsStart()

	if err := g.compileBlock(d.Body); err != nil {
		return wrap("compile_function", fmt.Errorf("function %q: %w", d.Name, err))
	}

	return wrap("compile_function", g.emitReturnEpilogue(info, nil))
}

// compileReturn evaluates an optional return value into the caller's return
// slot, then unwinds the frame.
func (g *Generator) compileReturn(v ast.Return) error {
	if g.currentFunc == nil {
		return wrap("compile_return", fmt.Errorf("return outside a function"))
	}
	return wrap("compile_return", g.emitReturnEpilogue(g.currentFunc, v.Value))
}

// emitReturnEpilogue writes the return value (if any) into the frame's
// return slot, then restores the caller's STACK_HEAD and STACK_FRAME and
// jumps back to the saved return address — all read out of the current
// frame before anything is overwritten.
func (g *Generator) emitReturnEpilogue(info *FuncInfo, value ast.Expr) error {
	if value != nil {
		if info.ReturnType == nil {
			return fmt.Errorf("returning a value from a function with no declared return type")
		}
		val, err := g.handleExpr(value)
		if err != nil {
			return err
		}
		if !sameType(val.Type, info.ReturnType) {
			return fmt.Errorf("return type mismatch: expected %s, got %s", info.ReturnType, val.Type)
		}
		slot := Data{Offset: 0, Size: info.returnSlotSize(), Type: info.ReturnType}
		if err := g.copyWords(slot, *val, info.returnSlotSize()); err != nil {
			return err
		}
	}

	savedFrame, err := g.loadScalar(Data{Offset: info.savedFrameOffset(), Size: 1, Type: U32{}})
	if err != nil {
		return err
	}
	savedRet, err := g.loadScalar(Data{Offset: info.savedRetOffset(), Size: 1, Type: U32{}})
	if err != nil {
		g.release(savedFrame)
		return err
	}

	newHead, err := g.acquire()
	if err != nil {
		g.release(savedFrame)
		g.release(savedRet)
		return err
	}
	g.emit("Set %s, %d", reg(newHead), lit(-int32(info.numArgWords())))
	g.emit("Add %s, %s", reg(newHead), reg(rStackFrame))
	g.emit("Cp %s, %s", reg(rStackHead), reg(newHead))
	g.release(newHead)

	g.emit("Cp %s, %s", reg(rStackFrame), reg(savedFrame))
	g.release(savedFrame)
	g.emit("Jmp %s", reg(savedRet))
	g.release(savedRet)
	return nil
}

// handleArrayLen implements "arr.len()", reading the one length word every
// Array's layout begins with.
func (g *Generator) handleArrayLen(receiver ast.Expr, args []ast.Expr) (*Data, error) {
	if len(args) != 0 {
		return nil, wrap("handle_call", fmt.Errorf("len takes no arguments"))
	}
	addr, typ, err := g.resolveChasedAddr(receiver)
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	defer g.release(addr)
	if _, ok := typ.(Array); !ok {
		return nil, wrap("handle_call", fmt.Errorf("len expects an array, got %s", typ))
	}
	lenReg, err := g.acquire()
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	g.emit("Read %s, %s", reg(lenReg), reg(addr))
	off, err := g.allocate(1)
	if err != nil {
		g.release(lenReg)
		return nil, wrap("handle_call", err)
	}
	d := Data{Offset: off, Size: 1, Type: U32{}}
	if err := g.storeScalar(d, lenReg); err != nil {
		g.release(lenReg)
		return nil, wrap("handle_call", err)
	}
	g.release(lenReg)
	return &d, nil
}

// handleCall dispatches a call expression either to a built-in core
// function or to a user-declared one.
func (g *Generator) handleCall(v ast.Call) (*Data, error) {
	if member, ok := v.Callee.(ast.Member); ok && member.Name == "len" {
		return g.handleArrayLen(member.Receiver, v.Args)
	}

	callee, ok := v.Callee.(ast.Ident)
	if !ok {
		return nil, wrap("handle_call", fmt.Errorf("call target must be a plain function name"))
	}
	if fn, isCore := coreFunctions[callee.Name]; isCore {
		return fn(g, v.Args)
	}

	info, ok := g.funcs[callee.Name]
	if !ok {
		return nil, wrap("handle_call", fmt.Errorf("call to undeclared function %q", callee.Name))
	}

	args := make([]*Data, len(v.Args))
	for i, argExpr := range v.Args {
		argData, err := g.handleExpr(argExpr)
		if err != nil {
			return nil, wrap("handle_call", err)
		}
		args[i] = argData
	}
	result, err := g.emitCallTo(callee.Name, info, args)
	if err != nil {
		return nil, wrap("handle_call", err)
	}
	return result, nil
}

// emitCallTo lowers a call to a registered function once every argument has
// already been evaluated: reserve the callee's input block above the
// evaluated arguments, bind each parameter into it, lay down the saved
// caller frame and return address, move STACK_FRAME and STACK_HEAD to the
// new frame, and jump. On return the input block is rewound and the return
// value (if any) is materialized on the caller's frame.
func (g *Generator) emitCallTo(name string, info *FuncInfo, args []*Data) (*Data, error) {
	if len(args) != len(info.Inputs) {
		return nil, fmt.Errorf("%s: expected %d argument(s), got %d", name, len(info.Inputs), len(args))
	}

	blockOff, err := g.allocate(info.numArgWords())
	if err != nil {
		return nil, err
	}
	for i, argData := range args {
		want := info.Inputs[i].Type
		if !sameType(argData.Type, want) {
			return nil, fmt.Errorf("%s: argument %d: expected %s, got %s", name, i, want, argData.Type)
		}
		dst := Data{Offset: blockOff + info.Inputs[i].Offset + int32(info.numArgWords()), Size: want.Size(), Type: want}
		if err := g.bindArg(dst, *argData, want); err != nil {
			return nil, err
		}
	}
	// The input block belongs to the callee's frame now, not the caller's
	// bump region: rewind curOffset so the post-return value lands where the
	// block was.
	g.curOffset = blockOff

	baseOffset := blockOff + int32(info.numArgWords())
	baseAddr, err := g.acquire()
	if err != nil {
		return nil, err
	}
	g.emit("Set %s, %d", reg(baseAddr), lit(baseOffset))
	g.emit("Add %s, %s", reg(baseAddr), reg(rStackFrame))

	if err := g.writeAt(baseAddr, int(info.savedFrameOffset()), rStackFrame); err != nil {
		g.release(baseAddr)
		return nil, err
	}

	returnLabel := g.label("call_return")
	retAddrReg, err := g.acquire()
	if err != nil {
		g.release(baseAddr)
		return nil, err
	}
	g.emit("Set %s, :%s", reg(retAddrReg), returnLabel)
	if err := g.writeAt(baseAddr, int(info.savedRetOffset()), retAddrReg); err != nil {
		g.release(baseAddr)
		g.release(retAddrReg)
		return nil, err
	}
	g.release(retAddrReg)

	newHead, err := g.acquire()
	if err != nil {
		g.release(baseAddr)
		return nil, err
	}
	g.emit("Set %s, %d", reg(newHead), int(info.localsStart()))
	g.emit("Add %s, %s", reg(newHead), reg(baseAddr))
	g.emit("Cp %s, %s", reg(rStackHead), reg(newHead))
	g.release(newHead)

	funcAddr, err := g.acquire()
	if err != nil {
		g.release(baseAddr)
		return nil, err
	}
	g.emit("Set %s, :%s", reg(funcAddr), info.Label)
	g.emit("Cp %s, %s", reg(rStackFrame), reg(baseAddr))
	g.release(baseAddr)
	g.emit("Jmp %s", reg(funcAddr))
	g.release(funcAddr)

	g.emit(":%s", returnLabel)

	resultOff, err := g.allocate(info.returnSlotSize())
	if err != nil {
		return nil, err
	}
	if info.ReturnType == nil {
		return &Data{Offset: resultOff, Size: 0, Type: nil}, nil
	}
	result := Data{Offset: resultOff, Size: info.returnSlotSize(), Type: info.ReturnType}
	returnSlotAtBase := Data{Offset: baseOffset, Size: info.returnSlotSize(), Type: info.ReturnType}
	if err := g.copyWords(result, returnSlotAtBase, info.returnSlotSize()); err != nil {
		return nil, err
	}
	return &result, nil
}

// bindArg moves one evaluated argument into its input-block slot. A
// by-reference parameter receives the address of the caller's storage when
// the argument is not itself a reference, so the callee writes land in the
// caller's variable; two references copy the pointer; a value parameter fed
// a reference copies the chased pointee.
func (g *Generator) bindArg(dst, arg Data, want Type) error {
	_, wantRef := want.(Reference)
	_, argRef := arg.Type.(Reference)
	switch {
	case wantRef && !argRef:
		addr, err := g.addrOfData(arg)
		if err != nil {
			return err
		}
		if err := g.storeScalar(dst, addr); err != nil {
			g.release(addr)
			return err
		}
		g.release(addr)
		return nil

	case wantRef && argRef:
		ptr, err := g.loadScalar(arg)
		if err != nil {
			return err
		}
		if err := g.storeScalar(dst, ptr); err != nil {
			g.release(ptr)
			return err
		}
		g.release(ptr)
		return nil

	case !wantRef && argRef:
		srcAddr, _, err := g.chasedAddrOfData(arg)
		if err != nil {
			return err
		}
		defer g.release(srcAddr)
		return g.copyFromAddr(dst.Offset, srcAddr, want.Size())

	default:
		return g.copyWords(dst, arg, want.Size())
	}
}
