package codegen

import (
	"testing"

	"github.com/otley/wordforge/ast"
)

// TestByReferenceParameter checks both ways of feeding a &u32 parameter: a
// plain variable (the callee receives the caller slot's address and its
// writes land in the caller's variable) and an explicit &expr (the pointer
// itself is copied).
func TestByReferenceParameter(t *testing.T) {
	bump := ast.FuncDecl{
		Name:   "bump",
		Params: []ast.FuncParam{{Name: "r", Type: ast.ReferenceType{Elem: ast.U32Type{}}}},
		Body: ast.Block{Stmts: []ast.Stmt{
			ast.ExprStmt{X: ast.Assign{
				Target: ast.Deref{Operand: ast.Ident{Name: "r"}},
				Value: ast.Binary{
					Op:    ast.Add,
					Left:  ast.Deref{Operand: ast.Ident{Name: "r"}},
					Right: ast.IntLit{Value: 1, Type: ast.U32Type{}},
				},
			}},
		}},
	}
	call := func(arg ast.Expr) ast.Stmt {
		return ast.ExprStmt{X: ast.Call{Callee: ast.Ident{Name: "bump"}, Args: []ast.Expr{arg}}}
	}
	prog := &ast.Program{
		Funcs: []ast.FuncDecl{bump},
		Main: ast.Block{Stmts: []ast.Stmt{
			letU32("a", 5),
			call(ast.Ident{Name: "a"}),
			call(ast.Ref{Operand: ast.Ident{Name: "a"}}),
			printRaw(ast.Ident{Name: "a"}),
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("serial output = %v, want [7] (two bumps through the reference)", got)
	}
}

// TestReferenceOperandsAreTransparent checks that a reference-typed operand
// in arithmetic and in a condition reads its pointee, not the pointer.
func TestReferenceOperandsAreTransparent(t *testing.T) {
	prog := &ast.Program{
		Main: ast.Block{Stmts: []ast.Stmt{
			letU32("a", 5),
			ast.ExprStmt{X: ast.Assign{
				Target: ast.VarDecl{Name: "r", Type: ast.ReferenceType{Elem: ast.U32Type{}}},
				Value:  ast.Ref{Operand: ast.Ident{Name: "a"}},
			}},
			ast.ExprStmt{X: ast.Assign{
				Target: ast.VarDecl{Name: "b", Type: ast.U32Type{}},
				Value: ast.Binary{
					Op:    ast.Add,
					Left:  ast.Ident{Name: "r"},
					Right: ast.IntLit{Value: 1, Type: ast.U32Type{}},
				},
			}},
			printRaw(ast.Ident{Name: "b"}),
			ast.If{
				Cond: ast.Binary{Op: ast.Gt, Left: ast.Ident{Name: "r"}, Right: ast.IntLit{Value: 3, Type: ast.U32Type{}}},
				Then: ast.Block{Stmts: []ast.Stmt{printRaw(ast.IntLit{Value: 1, Type: ast.U32Type{}})}},
				Else: ast.Block{Stmts: []ast.Stmt{printRaw(ast.IntLit{Value: 0, Type: ast.U32Type{}})}},
			},
		}},
	}
	got := runProgram(t, prog)
	if len(got) != 2 || got[0] != 6 || got[1] != 1 {
		t.Fatalf("serial output = %v, want [6 1]", got)
	}
}
