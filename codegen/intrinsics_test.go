package codegen

import (
	"strings"
	"testing"

	"github.com/otley/wordforge/ast"
)

// TestMallocFreeDelegateToCoreFunctions drives the heap intrinsics through a
// trivial user-declared allocator: core_allocate always hands out the same
// base, malloc copies its argument there and yields a reference, free routes
// the size and address back through core_deallocate.
func TestMallocFreeDelegateToCoreFunctions(t *testing.T) {
	coreAllocate := ast.FuncDecl{
		Name:   "core_allocate",
		Params: []ast.FuncParam{{Name: "n", Type: ast.U32Type{}}},
		Return: ast.U32Type{},
		Body: ast.Block{Stmts: []ast.Stmt{
			ast.Return{Value: ast.IntLit{Value: 20000, Type: ast.U32Type{}}},
		}},
	}
	coreDeallocate := ast.FuncDecl{
		Name: "core_deallocate",
		Params: []ast.FuncParam{
			{Name: "n", Type: ast.U32Type{}},
			{Name: "addr", Type: ast.U32Type{}},
		},
		Body: ast.Block{},
	}
	prog := &ast.Program{
		Funcs: []ast.FuncDecl{coreAllocate, coreDeallocate},
		Main: ast.Block{Stmts: []ast.Stmt{
			letU32("x", 7),
			ast.ExprStmt{X: ast.Assign{
				Target: ast.VarDecl{Name: "p", Type: ast.ReferenceType{Elem: ast.U32Type{}}},
				Value:  ast.Call{Callee: ast.Ident{Name: "malloc"}, Args: []ast.Expr{ast.Ident{Name: "x"}}},
			}},
			printRaw(ast.Deref{Operand: ast.Ident{Name: "p"}}),
			ast.ExprStmt{X: ast.Call{Callee: ast.Ident{Name: "free"}, Args: []ast.Expr{ast.Ident{Name: "p"}}}},
			printRaw(ast.IntLit{Value: 1, Type: ast.U32Type{}}),
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 2 || got[0] != 7 || got[1] != 1 {
		t.Fatalf("serial output = %v, want [7 1]", got)
	}
}

// TestMallocWithoutCoreAllocateIsFatal checks the documented compile error
// when no core_allocate is declared.
func TestMallocWithoutCoreAllocateIsFatal(t *testing.T) {
	prog := &ast.Program{
		Main: ast.Block{Stmts: []ast.Stmt{
			ast.ExprStmt{X: ast.Call{
				Callee: ast.Ident{Name: "malloc"},
				Args:   []ast.Expr{ast.IntLit{Value: 1, Type: ast.U32Type{}}},
			}},
		}},
	}
	_, err := Compile(prog)
	if err == nil {
		t.Fatal("expected a compile error for malloc without core_allocate")
	}
	if !strings.Contains(err.Error(), "core_allocate") {
		t.Fatalf("error should name core_allocate, got: %v", err)
	}
}

// TestCreateAndAccessStatic exercises the static-region intrinsics: the
// region is reserved in the instruction stream behind a jump fence,
// initialized from its value argument, readable by bare name, and writable
// through the reference access_static yields.
func TestCreateAndAccessStatic(t *testing.T) {
	prog := &ast.Program{
		Main: ast.Block{Stmts: []ast.Stmt{
			ast.ExprStmt{X: ast.Call{
				Callee: ast.Ident{Name: "create_static"},
				Args: []ast.Expr{
					ast.IntLit{Value: 5, Type: ast.U32Type{}},
					ast.StringLit{Value: "counter"},
				},
			}},
			printRaw(ast.Ident{Name: "counter"}),
			ast.ExprStmt{X: ast.Assign{
				Target: ast.Deref{Operand: ast.Call{
					Callee: ast.Ident{Name: "access_static"},
					Args:   []ast.Expr{ast.StringLit{Value: "counter"}},
				}},
				Value: ast.IntLit{Value: 9, Type: ast.U32Type{}},
			}},
			printRaw(ast.Ident{Name: "counter"}),
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 2 || got[0] != 5 || got[1] != 9 {
		t.Fatalf("serial output = %v, want [5 9]", got)
	}
}
