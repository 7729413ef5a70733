package codegen

import "github.com/otley/wordforge/ast"

// compileProgram is Compile's driver: struct and function signatures are
// resolved before any body is emitted so forward and mutually-recursive
// references work, then the entry sequence and every function body are
// emitted in that order. Static regions are laid down at their
// create_static call sites, fenced by jumps, so no trailing data block
// exists.
func (g *Generator) compileProgram(p *ast.Program) error {
	if err := g.registerStructs(p.Structs); err != nil {
		return err
	}
	if err := g.registerFuncs(p.Funcs); err != nil {
		return err
	}

	g.pushScope(Exclusive)
	g.curOffset = 0
	for _, s := range p.Main.Stmts {
		if err := g.compileStmt(s); err != nil {
			return err
		}
	}
	g.emit("Halt")
	g.popScope()

	for _, fn := range p.Funcs {
		if err := g.compileFuncDecl(fn); err != nil {
			return err
		}
	}
	return nil
}
