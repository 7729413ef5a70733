package codegen

import (
	"fmt"

	"github.com/otley/wordforge/ast"
)

// registerStructs performs the two-pass resolution of §4.4.5: first every
// struct name is registered as a placeholder (so forward references inside
// Reference-typed properties resolve), then each is laid out in declaration
// order with a recursion guard that turns a cycle into a compile error
// recommending a reference instead of an inline property.
func (g *Generator) registerStructs(decls []ast.StructDecl) error {
	for _, d := range decls {
		if _, exists := g.structs[d.Name]; exists {
			return wrap("register_structs", fmt.Errorf("struct %q declared twice", d.Name))
		}
		g.structs[d.Name] = &StructInfo{Name: d.Name}
	}

	byName := make(map[string]ast.StructDecl, len(decls))
	for _, d := range decls {
		byName[d.Name] = d
	}

	resolving := make(map[string]bool)
	for _, d := range decls {
		if err := g.resolveStruct(d.Name, byName, resolving); err != nil {
			return wrap("register_structs", err)
		}
	}
	return nil
}

// resolveStruct lays out one struct's properties, recursing into any
// directly-nested (non-reference) struct properties first. A name still
// marked "resolving" when revisited is a cycle.
func (g *Generator) resolveStruct(name string, byName map[string]ast.StructDecl, resolving map[string]bool) error {
	info := g.structs[name]
	if resolving[name] {
		return fmt.Errorf("struct %q contains itself inline; use a reference (&%s) to break the cycle", name, name)
	}
	if info.Props != nil {
		return nil // already resolved
	}

	decl, ok := byName[name]
	if !ok {
		return fmt.Errorf("unknown struct %q", name)
	}

	resolving[name] = true
	defer delete(resolving, name)

	offset := 0
	props := make([]PropInfo, 0, len(decl.Props))
	for _, p := range decl.Props {
		if st, ok := p.Type.(ast.StructType); ok {
			if err := g.resolveStruct(st.Name, byName, resolving); err != nil {
				return err
			}
		}
		typ, err := g.convertType(p.Type)
		if err != nil {
			return fmt.Errorf("property %q: %w", p.Name, err)
		}
		props = append(props, PropInfo{Name: p.Name, Type: typ, Offset: offset})
		offset += typ.Size()
	}

	info.Props = props
	info.Size = offset
	return nil
}

// propInfo finds a struct property by name.
func (s *StructInfo) propInfo(name string) (PropInfo, bool) {
	for _, p := range s.Props {
		if p.Name == name {
			return p, true
		}
	}
	return PropInfo{}, false
}
