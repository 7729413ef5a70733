package codegen

import (
	"context"
	"testing"

	"github.com/otley/wordforge/assembler"
	"github.com/otley/wordforge/ast"
	"github.com/otley/wordforge/machine"
)

// rawSerial records every word handed to Phrp(0, w) without the line-
// coalescing ASCII interpretation the built-in Serial peripheral applies —
// print_raw's contract is "emit the word", not "emit a line of text".
type rawSerial struct{ words []uint32 }

func (r *rawSerial) Send(w uint32) { r.words = append(r.words, w) }

// runProgram assembles and boots p on a single-threaded Machine, installing
// a rawSerial in place of the text-oriented Serial peripheral, then runs
// thread 0 to completion and returns the words it sent to print_raw.
func runProgram(t *testing.T, p *ast.Program) []uint32 {
	t.Helper()

	src, err := Compile(p)
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
	return sink.words
}

func printRaw(arg ast.Expr) ast.Stmt {
	return ast.ExprStmt{X: ast.Call{Callee: ast.Ident{Name: "print_raw"}, Args: []ast.Expr{arg}}}
}

func letU32(name string, v uint32) ast.Stmt {
	return ast.ExprStmt{X: ast.Assign{
		Target: ast.VarDecl{Name: name, Type: ast.U32Type{}},
		Value:  ast.IntLit{Value: v, Type: ast.U32Type{}},
	}}
}

// TestScenarioArithmetic is S1: let x: u32 = 2 + 3 * 4; print_raw(x); -> 14.
func TestScenarioArithmetic(t *testing.T) {
	prog := &ast.Program{
		Main: ast.Block{Stmts: []ast.Stmt{
			ast.ExprStmt{X: ast.Assign{
				Target: ast.VarDecl{Name: "x", Type: ast.U32Type{}},
				Value: ast.Binary{
					Op:   ast.Add,
					Left: ast.IntLit{Value: 2, Type: ast.U32Type{}},
					Right: ast.Binary{
						Op:    ast.Mul,
						Left:  ast.IntLit{Value: 3, Type: ast.U32Type{}},
						Right: ast.IntLit{Value: 4, Type: ast.U32Type{}},
					},
				},
			}},
			printRaw(ast.Ident{Name: "x"}),
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 1 || got[0] != 14 {
		t.Fatalf("serial output = %v, want [14]", got)
	}
}

// TestScenarioIfElse is S2: let x: u32 = 5; if x > 3 {print_raw(1)} else
// {print_raw(0)} -> 1.
func TestScenarioIfElse(t *testing.T) {
	prog := &ast.Program{
		Main: ast.Block{Stmts: []ast.Stmt{
			letU32("x", 5),
			ast.If{
				Cond: ast.Binary{Op: ast.Gt, Left: ast.Ident{Name: "x"}, Right: ast.IntLit{Value: 3, Type: ast.U32Type{}}},
				Then: ast.Block{Stmts: []ast.Stmt{printRaw(ast.IntLit{Value: 1, Type: ast.U32Type{}})}},
				Else: ast.Block{Stmts: []ast.Stmt{printRaw(ast.IntLit{Value: 0, Type: ast.U32Type{}})}},
			},
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("serial output = %v, want [1]", got)
	}
}

// TestScenarioWhileBreak is S3: let mut i: u32 = 0; while true { if i == 3
// {break} i += 1 } print_raw(i); -> 3.
func TestScenarioWhileBreak(t *testing.T) {
	prog := &ast.Program{
		Main: ast.Block{Stmts: []ast.Stmt{
			ast.ExprStmt{X: ast.Assign{
				Target: ast.VarDecl{Name: "i", Type: ast.U32Type{}, Mut: true},
				Value:  ast.IntLit{Value: 0, Type: ast.U32Type{}},
			}},
			ast.While{
				Cond: ast.IntLit{Value: 0xFFFFFFFF, Type: ast.BoolType{}},
				Body: ast.Block{Stmts: []ast.Stmt{
					ast.If{
						Cond: ast.Binary{Op: ast.Eq, Left: ast.Ident{Name: "i"}, Right: ast.IntLit{Value: 3, Type: ast.U32Type{}}},
						Then: ast.Block{Stmts: []ast.Stmt{ast.Break{}}},
					},
					ast.ExprStmt{X: ast.Assign{Target: ast.Ident{Name: "i"}, Op: ast.AssignAdd, Value: ast.IntLit{Value: 1, Type: ast.U32Type{}}}},
				}},
			},
			printRaw(ast.Ident{Name: "i"}),
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("serial output = %v, want [3]", got)
	}
}

// TestScenarioStruct is S4: struct P {x,y: u32} let p = P[x=7,y=9];
// print_raw(p.y); -> 9. The front end's "P[x=7,y=9]" literal syntax lowers,
// by the time it reaches this tree, to a bare declaration followed by one
// field assignment per property — ast carries no dedicated struct-literal
// node, matching its stated scope as the back end's own contract.
func TestScenarioStruct(t *testing.T) {
	structP := ast.StructDecl{Name: "P", Props: []ast.StructProp{
		{Name: "x", Type: ast.U32Type{}},
		{Name: "y", Type: ast.U32Type{}},
	}}
	prog := &ast.Program{
		Structs: []ast.StructDecl{structP},
		Main: ast.Block{Stmts: []ast.Stmt{
			ast.ExprStmt{X: ast.Assign{Target: ast.VarDecl{Name: "p", Type: ast.StructType{Name: "P"}}}},
			ast.ExprStmt{X: ast.Assign{
				Target: ast.Member{Receiver: ast.Ident{Name: "p"}, Name: "x"},
				Value:  ast.IntLit{Value: 7, Type: ast.U32Type{}},
			}},
			ast.ExprStmt{X: ast.Assign{
				Target: ast.Member{Receiver: ast.Ident{Name: "p"}, Name: "y"},
				Value:  ast.IntLit{Value: 9, Type: ast.U32Type{}},
			}},
			printRaw(ast.Member{Receiver: ast.Ident{Name: "p"}, Name: "y"}),
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 1 || got[0] != 9 {
		t.Fatalf("serial output = %v, want [9]", got)
	}
}

// TestScenarioReferenceAssignment is S5: let a: u32 = 1; let r: &u32 = &a;
// *r = 42; print_raw(a); -> 42.
func TestScenarioReferenceAssignment(t *testing.T) {
	prog := &ast.Program{
		Main: ast.Block{Stmts: []ast.Stmt{
			letU32("a", 1),
			ast.ExprStmt{X: ast.Assign{
				Target: ast.VarDecl{Name: "r", Type: ast.ReferenceType{Elem: ast.U32Type{}}},
				Value:  ast.Ref{Operand: ast.Ident{Name: "a"}},
			}},
			ast.ExprStmt{X: ast.Assign{
				Target: ast.Deref{Operand: ast.Ident{Name: "r"}},
				Value:  ast.IntLit{Value: 42, Type: ast.U32Type{}},
			}},
			printRaw(ast.Ident{Name: "a"}),
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("serial output = %v, want [42]", got)
	}
}

// TestScenarioCallAndReturn is S6: fn add(a,b: u32) -> u32 {return a+b}
// print_raw(add(5,6)); -> 11.
func TestScenarioCallAndReturn(t *testing.T) {
	addFn := ast.FuncDecl{
		Name:   "add",
		Params: []ast.FuncParam{{Name: "a", Type: ast.U32Type{}}, {Name: "b", Type: ast.U32Type{}}},
		Return: ast.U32Type{},
		Body: ast.Block{Stmts: []ast.Stmt{
			ast.Return{Value: ast.Binary{Op: ast.Add, Left: ast.Ident{Name: "a"}, Right: ast.Ident{Name: "b"}}},
		}},
	}
	prog := &ast.Program{
		Funcs: []ast.FuncDecl{addFn},
		Main: ast.Block{Stmts: []ast.Stmt{
			printRaw(ast.Call{
				Callee: ast.Ident{Name: "add"},
				Args:   []ast.Expr{ast.IntLit{Value: 5, Type: ast.U32Type{}}, ast.IntLit{Value: 6, Type: ast.U32Type{}}},
			}),
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 1 || got[0] != 11 {
		t.Fatalf("serial output = %v, want [11]", got)
	}
}
