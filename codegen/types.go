// Package codegen lowers a typed expression tree (package ast) into
// assembly text consumable by package assembler, maintaining the
// stack-frame discipline, register allocation pool, and symbol tables the
// spec's calling convention depends on.
package codegen

import (
	"fmt"

	"github.com/otley/wordforge/ast"
)

// Type is the compiler's runtime type tree. U8/Bool/Char occupy a full word
// at runtime per the one-word convention this repo commits to (see
// DESIGN.md's open-question resolutions) — there is no packed sub-word
// memory model anywhere in this package.
type Type interface {
	Size() int // size in words
	String() string
}

type U32 struct{}
type U8 struct{}
type Bool struct{}
type Char struct{}

func (U32) Size() int  { return 1 }
func (U8) Size() int   { return 1 }
func (Bool) Size() int { return 1 }
func (Char) Size() int { return 1 }

func (U32) String() string  { return "u32" }
func (U8) String() string   { return "u8" }
func (Bool) String() string { return "bool" }
func (Char) String() string { return "char" }

// Array's length always occupies exactly one word regardless of element
// size — the open question the distilled spec flagged about multi-word
// elements is resolved in favor of this single-word-length commitment, so
// the i*size(T)+1 indexing formula in Index is always correct.
type Array struct {
	Elem Type
	Len  int
}

func (a Array) Size() int      { return a.Len*a.Elem.Size() + 1 }
func (a Array) String() string { return fmt.Sprintf("[%s;%d]", a.Elem, a.Len) }

// Struct's size is the sum of its properties' sizes, in declaration order.
// Offsets are resolved once by registerStructs/resolveStruct and cached on
// StructInfo.
type Struct struct {
	Name string
	info *StructInfo // resolved layout; nil until registerStructs runs
}

func (s Struct) Size() int {
	if s.info == nil {
		return 0
	}
	return s.info.Size
}
func (s Struct) String() string { return s.Name }

// Reference holds an address plus a constant display offset added on
// dereference; it may nest, encoding a chain of (deref, +offset) steps.
type Reference struct {
	Elem  Type
	Delta int32
}

func (Reference) Size() int      { return 1 }
func (r Reference) String() string { return fmt.Sprintf("&%s", r.Elem) }

// sameType reports whether two types are equal for assignment/binary-op
// purposes, with references considered equal to their pointee type so that
// &T may be assigned a T (per §4.4.4's assignment rule 4).
func sameType(a, b Type) bool {
	a = unwrapRef(a)
	b = unwrapRef(b)
	switch av := a.(type) {
	case U32:
		_, ok := b.(U32)
		return ok
	case U8:
		_, ok := b.(U8)
		return ok
	case Bool:
		_, ok := b.(Bool)
		return ok
	case Char:
		_, ok := b.(Char)
		return ok
	case Array:
		bv, ok := b.(Array)
		return ok && av.Len == bv.Len && sameType(av.Elem, bv.Elem)
	case Struct:
		bv, ok := b.(Struct)
		return ok && av.Name == bv.Name
	}
	return false
}

func unwrapRef(t Type) Type {
	for {
		r, ok := t.(Reference)
		if !ok {
			return t
		}
		t = r.Elem
	}
}

// convertType builds a codegen.Type from the ast tree's type description,
// resolving struct names against the generator's symbol table.
func (g *Generator) convertType(t ast.Type) (Type, error) {
	switch v := t.(type) {
	case ast.U32Type:
		return U32{}, nil
	case ast.U8Type:
		return U8{}, nil
	case ast.BoolType:
		return Bool{}, nil
	case ast.CharType:
		return Char{}, nil
	case ast.ArrayType:
		elem, err := g.convertType(v.Elem)
		if err != nil {
			return nil, err
		}
		return Array{Elem: elem, Len: v.Len}, nil
	case ast.StructType:
		info, ok := g.structs[v.Name]
		if !ok {
			return nil, fmt.Errorf("unknown struct %q", v.Name)
		}
		return Struct{Name: v.Name, info: info}, nil
	case ast.ReferenceType:
		elem, err := g.convertType(v.Elem)
		if err != nil {
			return nil, err
		}
		return Reference{Elem: elem, Delta: 0}, nil
	default:
		return nil, fmt.Errorf("unknown ast type %T", t)
	}
}
