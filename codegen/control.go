package codegen

import (
	"fmt"

	"github.com/otley/wordforge/ast"
)

// compileBlock emits every statement in a new Inclusive scope — if/while/for
// bodies see and may shadow-check against their enclosing function's
// locals, but their own declarations don't escape the block. On exit the
// stack is rewound to the head recorded at entry, so a loop body's
// temporaries don't accumulate across iterations.
func (g *Generator) compileBlock(b ast.Block) error {
	g.pushScope(Inclusive)
	defer g.popScope()

	mark, savedCur, err := g.saveStackMark()
	if err != nil {
		return err
	}
	for _, s := range b.Stmts {
		if err := g.compileStmt(s); err != nil {
			return err
		}
	}
	return g.restoreStackMark(mark, savedCur)
}

func (g *Generator) compileStmt(s ast.Stmt) error {
	switch v := s.(type) {
	case ast.ExprStmt:
		_, err := g.handleExpr(v.X)
		return wrap("compile_statement", err)
	case ast.Block:
		return g.compileBlock(v)
	case ast.If:
		return g.compileIf(v)
	case ast.While:
		return g.compileWhile(v)
	case ast.ForRange:
		return g.compileForRange(v)
	case ast.Break:
		return g.compileBreak()
	case ast.Return:
		return g.compileReturn(v)
	default:
		return wrap("compile_statement", fmt.Errorf("unhandled statement %T", s))
	}
}

// compileIf lowers an if/else-if/else chain. Cond must evaluate to Bool;
// Jmpc jumps only when true, so the Then body is skipped by jumping past it
// whenever the condition is false. The stack mark taken before the condition
// is restored once every branch has converged: each branch allocates its own
// temporaries, so the merge point rewinds whichever set the taken branch
// left behind, condition temporaries included.
func (g *Generator) compileIf(v ast.If) error {
	mark, savedCur, err := g.saveStackMark()
	if err != nil {
		return wrap("compile_if", err)
	}
	cond, err := g.handleExpr(v.Cond)
	if err != nil {
		return wrap("compile_if", err)
	}
	if _, ok := unwrapRef(cond.Type).(Bool); !ok {
		return wrap("compile_if", fmt.Errorf("if condition must be bool, got %s", cond.Type))
	}
	condReg, err := g.loadValue(*cond)
	if err != nil {
		return wrap("compile_if", err)
	}

	thenLabel := g.label("if_then")
	elseLabel := g.label("if_else")

	thenAddr, err := g.acquire()
	if err != nil {
		g.release(condReg)
		return wrap("compile_if", err)
	}
	g.emit("Set %s, :%s", reg(thenAddr), thenLabel)
	g.emit("Jmpc %s, %s", reg(condReg), reg(thenAddr))
	g.release(condReg)
	g.release(thenAddr)

	elseAddr, err := g.acquire()
	if err != nil {
		return wrap("compile_if", err)
	}
	g.emit("Set %s, :%s", reg(elseAddr), elseLabel)
	g.emit("Jmp %s", reg(elseAddr))
	g.release(elseAddr)

	g.emit(":%s", thenLabel)
	if err := g.compileBlock(v.Then); err != nil {
		return wrap("compile_if", err)
	}
	endLabel := g.label("if_end")
	endAddr, err := g.acquire()
	if err != nil {
		return wrap("compile_if", err)
	}
	g.emit("Set %s, :%s", reg(endAddr), endLabel)
	g.emit("Jmp %s", reg(endAddr))
	g.release(endAddr)

	g.emit(":%s", elseLabel)
	switch e := v.Else.(type) {
	case nil:
	case ast.If:
		if err := g.compileIf(e); err != nil {
			return wrap("compile_if", err)
		}
	case ast.Block:
		if err := g.compileBlock(e); err != nil {
			return wrap("compile_if", err)
		}
	default:
		return wrap("compile_if", fmt.Errorf("unhandled else form %T", v.Else))
	}
	g.emit(":%s", endLabel)
	return wrap("compile_if", g.restoreStackMark(mark, savedCur))
}

// compileWhile re-evaluates Cond on every iteration, consistent with an
// ordinary pretest loop. A loop mark allocated once before the loop is
// rewound at the top of every iteration and again at the end label, so the
// condition's temporaries never accumulate across iterations and a break's
// abandoned allocations are reclaimed at the exit.
func (g *Generator) compileWhile(v ast.While) error {
	startLabel := g.label("while_start")
	endLabel := g.label("while_end")

	mark, err := g.saveLoopMark()
	if err != nil {
		return wrap("compile_while", err)
	}
	loopBase := g.curOffset

	g.breakTargets = append(g.breakTargets, endLabel)
	defer func() { g.breakTargets = g.breakTargets[:len(g.breakTargets)-1] }()

	g.emit(":%s", startLabel)
	if err := g.rewindToLoopMark(mark, loopBase); err != nil {
		return wrap("compile_while", err)
	}
	cond, err := g.handleExpr(v.Cond)
	if err != nil {
		return wrap("compile_while", err)
	}
	if _, ok := unwrapRef(cond.Type).(Bool); !ok {
		return wrap("compile_while", fmt.Errorf("while condition must be bool, got %s", cond.Type))
	}
	condReg, err := g.loadValue(*cond)
	if err != nil {
		return wrap("compile_while", err)
	}
	g.emit("Not %s", reg(condReg)) // jump to end when the condition is false
	endAddr, err := g.acquire()
	if err != nil {
		g.release(condReg)
		return wrap("compile_while", err)
	}
	g.emit("Set %s, :%s", reg(endAddr), endLabel)
	g.emit("Jmpc %s, %s", reg(condReg), reg(endAddr))
	g.release(condReg)
	g.release(endAddr)

	if err := g.compileBlock(v.Body); err != nil {
		return wrap("compile_while", err)
	}
	backAddr, err := g.acquire()
	if err != nil {
		return wrap("compile_while", err)
	}
	g.emit("Set %s, :%s", reg(backAddr), startLabel)
	g.emit("Jmp %s", reg(backAddr))
	g.release(backAddr)
	g.emit(":%s", endLabel)
	return wrap("compile_while", g.rewindToLoopMark(mark, loopBase))
}

// compileForRange lowers "for Var in From..To { Body }" into an
// incrementing while loop over a fresh counter slot declared under Var,
// inclusive of From and exclusive of To.
func (g *Generator) compileForRange(v ast.ForRange) error {
	from, err := g.handleExpr(v.From)
	if err != nil {
		return wrap("compile_for", err)
	}
	to, err := g.handleExpr(v.To)
	if err != nil {
		return wrap("compile_for", err)
	}

	g.pushScope(Inclusive)
	defer g.popScope()

	off, err := g.allocate(1)
	if err != nil {
		return wrap("compile_for", err)
	}
	counter := Data{Offset: off, Size: 1, Type: U32{}}
	if err := g.declare(v.Var, counter); err != nil {
		return wrap("compile_for", err)
	}
	fromReg, err := g.loadValue(*from)
	if err != nil {
		return wrap("compile_for", err)
	}
	if err := g.storeScalar(counter, fromReg); err != nil {
		g.release(fromReg)
		return wrap("compile_for", err)
	}
	g.release(fromReg)

	startLabel := g.label("for_start")
	endLabel := g.label("for_end")
	g.breakTargets = append(g.breakTargets, endLabel)
	defer func() { g.breakTargets = g.breakTargets[:len(g.breakTargets)-1] }()

	g.emit(":%s", startLabel)
	counterReg, err := g.loadScalar(counter)
	if err != nil {
		return wrap("compile_for", err)
	}
	toReg, err := g.loadValue(*to)
	if err != nil {
		g.release(counterReg)
		return wrap("compile_for", err)
	}
	doneReg, err := g.acquire()
	if err != nil {
		g.release(counterReg)
		g.release(toReg)
		return wrap("compile_for", err)
	}
	g.emit("Gte %s, %s, %s", reg(counterReg), reg(toReg), reg(doneReg))
	g.release(counterReg)
	g.release(toReg)
	endAddr, err := g.acquire()
	if err != nil {
		g.release(doneReg)
		return wrap("compile_for", err)
	}
	g.emit("Set %s, :%s", reg(endAddr), endLabel)
	g.emit("Jmpc %s, %s", reg(doneReg), reg(endAddr))
	g.release(doneReg)
	g.release(endAddr)

	if err := g.compileBlock(v.Body); err != nil {
		return wrap("compile_for", err)
	}

	incReg, err := g.loadScalar(counter)
	if err != nil {
		return wrap("compile_for", err)
	}
	oneReg, err := g.acquire()
	if err != nil {
		g.release(incReg)
		return wrap("compile_for", err)
	}
	g.emit("Set %s, 1", reg(oneReg))
	g.emit("Add %s, %s", reg(incReg), reg(oneReg))
	g.release(oneReg)
	if err := g.storeScalar(counter, incReg); err != nil {
		g.release(incReg)
		return wrap("compile_for", err)
	}
	g.release(incReg)

	backAddr, err := g.acquire()
	if err != nil {
		return wrap("compile_for", err)
	}
	g.emit("Set %s, :%s", reg(backAddr), startLabel)
	g.emit("Jmp %s", reg(backAddr))
	g.release(backAddr)
	g.emit(":%s", endLabel)
	return nil
}

func (g *Generator) compileBreak() error {
	if len(g.breakTargets) == 0 {
		return wrap("compile_break", fmt.Errorf("break outside a loop"))
	}
	target := g.breakTargets[len(g.breakTargets)-1]
	a, err := g.acquire()
	if err != nil {
		return wrap("compile_break", err)
	}
	g.emit("Set %s, :%s", reg(a), target)
	g.emit("Jmp %s", reg(a))
	g.release(a)
	return nil
}
