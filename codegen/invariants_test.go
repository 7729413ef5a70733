package codegen

import (
	"context"
	"testing"

	"github.com/otley/wordforge/assembler"
	"github.com/otley/wordforge/ast"
	"github.com/otley/wordforge/isa"
	"github.com/otley/wordforge/machine"
)

// TestStackHeadReturnsAfterCalls exercises the stack-head law: every call
// pushes a frame and every return unwinds it, so once a terminating
// program's calls have all returned, the only stack growth left is the
// caller's own materialized temporaries — here exactly three words (the
// inner call's literal argument plus one materialized return value per
// call), never anything borrowed by a callee frame.
func TestStackHeadReturnsAfterCalls(t *testing.T) {
	identity := ast.FuncDecl{
		Name:   "identity",
		Params: []ast.FuncParam{{Name: "a", Type: ast.U32Type{}}},
		Return: ast.U32Type{},
		Body: ast.Block{Stmts: []ast.Stmt{
			ast.Return{Value: ast.Ident{Name: "a"}},
		}},
	}
	prog := &ast.Program{
		Funcs: []ast.FuncDecl{identity},
		Main: ast.Block{Stmts: []ast.Stmt{
			printRaw(ast.Call{
				Callee: ast.Ident{Name: "identity"},
				Args: []ast.Expr{ast.Call{
					Callee: ast.Ident{Name: "identity"},
					Args:   []ast.Expr{ast.IntLit{Value: 5, Type: ast.U32Type{}}},
				}},
			}),
		}},
	}

	src, err := Compile(prog)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	img, err := assembler.New().Assemble(src)
	if err != nil {
		t.Fatalf("Assemble: %v\n--- source ---\n%s", err, src)
	}

	m := machine.New(machine.Config{ThreadCount: 1}, nil, nil)
	sink := &rawSerial{}
	m.Peripherals[machine.PeripheralSerial] = sink
	if err := m.Memory.LoadImage(0, img); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	m.Boot(0)
	if err := m.RunThread(context.Background(), 0, 100000); err != nil {
		t.Fatalf("RunThread: %v\n--- source ---\n%s", err, src)
	}
	if !m.Threads[0].Halted() {
		t.Fatalf("thread did not halt\n--- source ---\n%s", src)
	}
	if len(sink.words) != 1 || sink.words[0] != 5 {
		t.Fatalf("serial output = %v, want [5]", sink.words)
	}

	// Growth accounting: the literal 5 materializes one word, and each of
	// the two calls materializes its one-word return value; both callee
	// frames (input block, saved frame, return address, locals) are fully
	// unwound by their epilogues.
	want := machine.ThreadStackBase(0) + 3
	got := m.Threads[0].Reg(isa.StackHead)
	if got != want {
		t.Errorf("final STACK_HEAD = %d, want %d (callee frames fully unwound)", got, want)
	}
}

// TestCurOffsetAdvancesBySize is the cur_offset advancement law: after
// emitting an expression, a Generator's running frame offset has moved
// forward by that expression's type's word size plus any temporaries its
// sub-expressions materialized (those stay allocated until the enclosing
// scope rewinds), and by nothing at all when the expression produces no
// materialized value.
func TestCurOffsetAdvancesBySize(t *testing.T) {
	g := New()
	g.pushScope(Exclusive)
	defer g.popScope()

	before := g.curOffset
	d, err := g.handleExpr(ast.IntLit{Value: 7, Type: ast.U32Type{}})
	if err != nil {
		t.Fatalf("handleExpr(IntLit): %v", err)
	}
	if got, want := g.curOffset-before, int32(d.Size); got != want {
		t.Errorf("curOffset advanced by %d, want %d (U32.Size())", got, want)
	}
	if g.curOffset-before != 1 {
		t.Errorf("curOffset advanced by %d, want 1", g.curOffset-before)
	}

	before = g.curOffset
	arr, err := g.handleExpr(ast.ArrayLit{ElemType: ast.U32Type{}, Len: 3, Items: []ast.Expr{
		ast.IntLit{Value: 1, Type: ast.U32Type{}},
		ast.IntLit{Value: 2, Type: ast.U32Type{}},
		ast.IntLit{Value: 3, Type: ast.U32Type{}},
	}})
	if err != nil {
		t.Fatalf("handleExpr(ArrayLit): %v", err)
	}
	wantSize := Array{Elem: U32{}, Len: 3}.Size() // 3 elements + 1 length word = 4
	if got := g.curOffset - before; got != int32(wantSize) {
		t.Errorf("curOffset advanced by %d, want %d", got, wantSize)
	}
	if int32(arr.Size) != int32(wantSize) {
		t.Errorf("array Data.Size = %d, want %d", arr.Size, wantSize)
	}

	// Ident never materializes a copy: reading a variable costs no frame
	// space of its own.
	if err := g.declare("x", Data{Offset: before, Size: 1, Type: U32{}}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	before = g.curOffset
	if _, err := g.handleExpr(ast.Ident{Name: "x"}); err != nil {
		t.Fatalf("handleExpr(Ident): %v", err)
	}
	if g.curOffset != before {
		t.Errorf("curOffset moved by %d for a bare identifier read, want 0", g.curOffset-before)
	}
}

// TestReferenceChainDereferencesEachLevel is the reference-chain law: a
// reference to a reference, read through two dereferences, reaches the value
// at the innermost base address — and writing through the same chain lands
// in the same place.
func TestReferenceChainDereferencesEachLevel(t *testing.T) {
	prog := &ast.Program{
		Main: ast.Block{Stmts: []ast.Stmt{
			letU32("a", 5),
			ast.ExprStmt{X: ast.Assign{
				Target: ast.VarDecl{Name: "r1", Type: ast.ReferenceType{Elem: ast.U32Type{}}},
				Value:  ast.Ref{Operand: ast.Ident{Name: "a"}},
			}},
			ast.ExprStmt{X: ast.Assign{
				Target: ast.VarDecl{Name: "r2", Type: ast.ReferenceType{Elem: ast.ReferenceType{Elem: ast.U32Type{}}}},
				Value:  ast.Ref{Operand: ast.Ident{Name: "r1"}},
			}},
			printRaw(ast.Deref{Operand: ast.Deref{Operand: ast.Ident{Name: "r2"}}}),
			ast.ExprStmt{X: ast.Assign{
				Target: ast.Deref{Operand: ast.Deref{Operand: ast.Ident{Name: "r2"}}},
				Value:  ast.IntLit{Value: 99, Type: ast.U32Type{}},
			}},
			printRaw(ast.Ident{Name: "a"}),
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 2 {
		t.Fatalf("serial output = %v, want 2 words", got)
	}
	if got[0] != 5 {
		t.Errorf("**r2 before write = %d, want 5 (MEM(MEM(r2))=MEM(r1)=MEM(&a)=a)", got[0])
	}
	if got[1] != 99 {
		t.Errorf("a after writing through **r2 = %d, want 99", got[1])
	}
}
