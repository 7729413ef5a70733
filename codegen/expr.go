package codegen

import (
	"fmt"

	"github.com/otley/wordforge/ast"
)

// handleExpr lowers one expression into assembly text appended to g.out,
// returning where its value ended up. Every case materializes its result
// into a fresh frame-relative slot except Ident, which simply returns the
// variable's existing Data — no copy needed to read it.
func (g *Generator) handleExpr(e ast.Expr) (*Data, error) {
	switch v := e.(type) {
	case ast.IntLit:
		return g.handleIntLit(v)
	case ast.StringLit:
		return g.handleStringLit(v)
	case ast.ArrayLit:
		return g.handleArrayLit(v)
	case ast.Ident:
		return g.handleIdent(v)
	case ast.Binary:
		return g.handleBinary(v)
	case ast.Prefix:
		return g.handlePrefix(v)
	case ast.Assign:
		return g.handleAssign(v)
	case ast.Ref:
		return g.handleRef(v)
	case ast.Deref:
		return g.handleMaterializedAddr(v)
	case ast.Member:
		return g.handleMaterializedAddr(v)
	case ast.Index:
		return g.handleMaterializedAddr(v)
	case ast.Call:
		return g.handleCall(v)
	default:
		return nil, wrap("handle_expression", fmt.Errorf("unhandled expression %T", e))
	}
}

func (g *Generator) handleIntLit(v ast.IntLit) (*Data, error) {
	typ, err := g.convertType(v.Type)
	if err != nil {
		return nil, wrap("handle_int_literal", err)
	}
	d, err := g.materializeConst(v.Value, typ)
	if err != nil {
		return nil, wrap("handle_int_literal", err)
	}
	return d, nil
}

// materializeConst allocates a one-word slot holding a compile-time
// constant.
func (g *Generator) materializeConst(v uint32, typ Type) (*Data, error) {
	off, err := g.allocate(1)
	if err != nil {
		return nil, err
	}
	r, err := g.acquire()
	if err != nil {
		return nil, err
	}
	g.emit("Set %s, %d", reg(r), v)
	d := Data{Offset: off, Size: 1, Type: typ}
	if err := g.storeScalar(d, r); err != nil {
		g.release(r)
		return nil, err
	}
	g.release(r)
	return &d, nil
}

// handleStringLit materializes a string as an Array of Char: one length
// word followed by one word per character, the ordinal of its byte value.
func (g *Generator) handleStringLit(v ast.StringLit) (*Data, error) {
	n := len(v.Value)
	typ := Array{Elem: Char{}, Len: n}
	off, err := g.allocate(typ.Size())
	if err != nil {
		return nil, wrap("handle_string_literal", err)
	}
	lenReg, err := g.acquire()
	if err != nil {
		return nil, wrap("handle_string_literal", err)
	}
	g.emit("Set %s, %d", reg(lenReg), n)
	if err := g.storeScalar(Data{Offset: off, Size: 1, Type: U32{}}, lenReg); err != nil {
		g.release(lenReg)
		return nil, wrap("handle_string_literal", err)
	}
	g.release(lenReg)
	for i, b := range []byte(v.Value) {
		r, err := g.acquire()
		if err != nil {
			return nil, wrap("handle_string_literal", err)
		}
		g.emit("Set %s, %d", reg(r), b)
		err = g.storeScalar(Data{Offset: off + 1 + int32(i), Size: 1, Type: Char{}}, r)
		g.release(r)
		if err != nil {
			return nil, wrap("handle_string_literal", err)
		}
	}
	return &Data{Offset: off, Size: typ.Size(), Type: typ}, nil
}

func (g *Generator) handleArrayLit(v ast.ArrayLit) (*Data, error) {
	elemType, err := g.convertType(v.ElemType)
	if err != nil {
		return nil, wrap("handle_array_literal", err)
	}
	typ := Array{Elem: elemType, Len: v.Len}
	off, err := g.allocate(typ.Size())
	if err != nil {
		return nil, wrap("handle_array_literal", err)
	}
	lenReg, err := g.acquire()
	if err != nil {
		return nil, wrap("handle_array_literal", err)
	}
	g.emit("Set %s, %d", reg(lenReg), v.Len)
	if err := g.storeScalar(Data{Offset: off, Size: 1, Type: U32{}}, lenReg); err != nil {
		g.release(lenReg)
		return nil, wrap("handle_array_literal", err)
	}
	g.release(lenReg)

	elemSize := elemType.Size()
	// Trailing elements with no initializer stay zero; the freshly bumped
	// stack region may hold stale words from an earlier frame, so they are
	// cleared explicitly.
	if len(v.Items) < v.Len {
		baseAddr, err := g.addrOfData(Data{Offset: off, Size: typ.Size(), Type: typ})
		if err != nil {
			return nil, wrap("handle_array_literal", err)
		}
		zero, err := g.acquire()
		if err != nil {
			g.release(baseAddr)
			return nil, wrap("handle_array_literal", err)
		}
		g.emit("Clr %s", reg(zero))
		for i := len(v.Items) * elemSize; i < v.Len*elemSize; i++ {
			if err := g.writeAt(baseAddr, 1+i, zero); err != nil {
				g.release(zero)
				g.release(baseAddr)
				return nil, wrap("handle_array_literal", err)
			}
		}
		g.release(zero)
		g.release(baseAddr)
	}
	for i, item := range v.Items {
		itemData, err := g.handleExpr(item)
		if err != nil {
			return nil, wrap("handle_array_literal", err)
		}
		if !sameType(itemData.Type, elemType) {
			return nil, wrap("handle_array_literal", fmt.Errorf("element %d: type mismatch", i))
		}
		dstOff := off + 1 + int32(i*elemSize)
		dst := Data{Offset: dstOff, Size: elemSize, Type: elemType}
		if err := g.copyWords(dst, *itemData, elemSize); err != nil {
			return nil, wrap("handle_array_literal", err)
		}
	}
	return &Data{Offset: off, Size: typ.Size(), Type: typ}, nil
}

func (g *Generator) handleIdent(v ast.Ident) (*Data, error) {
	d, ok := g.lookupIdentData(v.Name)
	if !ok {
		return nil, wrap("handle_identifier", fmt.Errorf("undefined identifier %q", v.Name))
	}
	return &d, nil
}

// lookupIdentData resolves a name against the lexical scope chain first,
// falling back to the static-region table created by create_static.
func (g *Generator) lookupIdentData(name string) (Data, bool) {
	if d, _, ok := g.lookup(name); ok {
		return d, true
	}
	if s, ok := g.statics[name]; ok {
		return Data{Size: s.Type.Size(), Type: s.Type, StaticLabel: s.Label}, true
	}
	return Data{}, false
}

var binaryOpcode = map[ast.BinaryOp]string{
	ast.Add: "Add", ast.Sub: "Sub", ast.Mul: "Mul", ast.Div: "Div", ast.Mod: "Mod",
	ast.Shr: "Shr", ast.Shl: "Shl", ast.And: "And", ast.Or: "Or", ast.Xor: "Xor",
}

var comparisonOpcode = map[ast.BinaryOp]string{
	ast.Eq: "Eq", ast.Neq: "Eq", ast.Lte: "Lte", ast.Gte: "Gte", ast.Lt: "Lt", ast.Gt: "Gt",
}

func (g *Generator) handleBinary(v ast.Binary) (*Data, error) {
	left, err := g.handleExpr(v.Left)
	if err != nil {
		return nil, wrap("handle_binary", err)
	}
	right, err := g.handleExpr(v.Right)
	if err != nil {
		return nil, wrap("handle_binary", err)
	}
	if !sameType(left.Type, right.Type) {
		return nil, wrap("handle_binary", fmt.Errorf("operand type mismatch: %s vs %s", left.Type, right.Type))
	}

	lReg, err := g.loadValue(*left)
	if err != nil {
		return nil, wrap("handle_binary", err)
	}
	rReg, err := g.loadValue(*right)
	if err != nil {
		g.release(lReg)
		return nil, wrap("handle_binary", err)
	}

	var resultReg byte
	var resultType Type = unwrapRef(left.Type)
	if mnemonic, ok := binaryOpcode[v.Op]; ok {
		resultReg, err = g.acquire()
		if err != nil {
			g.release(lReg)
			g.release(rReg)
			return nil, wrap("handle_binary", err)
		}
		g.emit("Cp %s, %s", reg(resultReg), reg(lReg))
		g.emit("%s %s, %s", mnemonic, reg(resultReg), reg(rReg))
		g.release(lReg)
		g.release(rReg)
	} else if mnemonic, ok := comparisonOpcode[v.Op]; ok {
		resultReg, err = g.acquire()
		if err != nil {
			g.release(lReg)
			g.release(rReg)
			return nil, wrap("handle_binary", err)
		}
		g.emit("%s %s, %s, %s", mnemonic, reg(lReg), reg(rReg), reg(resultReg))
		g.release(lReg)
		g.release(rReg)
		if v.Op == ast.Neq {
			g.emit("Not %s", reg(resultReg))
		}
		resultType = Bool{}
	} else {
		g.release(lReg)
		g.release(rReg)
		return nil, wrap("handle_binary", fmt.Errorf("unsupported operator %q", v.Op))
	}

	off, err := g.allocate(1)
	if err != nil {
		g.release(resultReg)
		return nil, wrap("handle_binary", err)
	}
	d := Data{Offset: off, Size: 1, Type: resultType}
	if err := g.storeScalar(d, resultReg); err != nil {
		g.release(resultReg)
		return nil, wrap("handle_binary", err)
	}
	g.release(resultReg)
	return &d, nil
}

func (g *Generator) handlePrefix(v ast.Prefix) (*Data, error) {
	operand, err := g.handleExpr(v.Operand)
	if err != nil {
		return nil, wrap("handle_prefix", err)
	}
	r, err := g.loadValue(*operand)
	if err != nil {
		return nil, wrap("handle_prefix", err)
	}
	switch v.Op {
	case ast.Neg:
		g.emit("Neg %s", reg(r))
	case ast.Not:
		g.emit("Not %s", reg(r))
	default:
		g.release(r)
		return nil, wrap("handle_prefix", fmt.Errorf("unsupported prefix operator %q", v.Op))
	}
	off, err := g.allocate(1)
	if err != nil {
		g.release(r)
		return nil, wrap("handle_prefix", err)
	}
	d := Data{Offset: off, Size: 1, Type: unwrapRef(operand.Type)}
	if err := g.storeScalar(d, r); err != nil {
		g.release(r)
		return nil, wrap("handle_prefix", err)
	}
	g.release(r)
	return &d, nil
}

// handleMaterializedAddr handles Deref/Member/Index as rvalues: resolve the
// address the node denotes, then copy its value onto the frame so the
// result is an ordinary stack-resident Data like every other expression.
func (g *Generator) handleMaterializedAddr(e ast.Expr) (*Data, error) {
	addr, typ, err := g.resolveChainAddr(e)
	if err != nil {
		return nil, wrap("handle_expression", err)
	}
	defer g.release(addr)
	off, err := g.allocate(typ.Size())
	if err != nil {
		return nil, wrap("handle_expression", err)
	}
	if err := g.copyFromAddr(off, addr, typ.Size()); err != nil {
		return nil, wrap("handle_expression", err)
	}
	return &Data{Offset: off, Size: typ.Size(), Type: typ}, nil
}

func (g *Generator) handleRef(v ast.Ref) (*Data, error) {
	addr, typ, err := g.resolveChainAddr(v.Operand)
	if err != nil {
		return nil, wrap("handle_ref", err)
	}
	off, err := g.allocate(1)
	if err != nil {
		g.release(addr)
		return nil, wrap("handle_ref", err)
	}
	d := Data{Offset: off, Size: 1, Type: Reference{Elem: typ, Delta: 0}}
	if err := g.storeScalar(d, addr); err != nil {
		g.release(addr)
		return nil, wrap("handle_ref", err)
	}
	g.release(addr)
	return &d, nil
}

func (g *Generator) handleAssign(v ast.Assign) (*Data, error) {
	if decl, ok := v.Target.(ast.VarDecl); ok {
		return g.handleVarDecl(decl, v.Value)
	}

	addr, typ, err := g.resolveChainAddr(v.Target)
	if err != nil {
		return nil, wrap("handle_assign", err)
	}
	defer g.release(addr)

	value, err := g.handleExpr(v.Value)
	if err != nil {
		return nil, wrap("handle_assign", err)
	}
	if !sameType(typ, value.Type) {
		return nil, wrap("handle_assign", fmt.Errorf("cannot assign %s to %s", value.Type, typ))
	}

	if v.Op == ast.AssignPlain {
		if typ.Size() == 1 {
			r, err := g.loadScalar(*value)
			if err != nil {
				return nil, wrap("handle_assign", err)
			}
			g.emit("Write %s, %s", reg(addr), reg(r))
			g.release(r)
		} else if err := g.copyToAddr(addr, value.Offset, typ.Size()); err != nil {
			return nil, wrap("handle_assign", err)
		}
		return value, nil
	}

	mnemonic, ok := binaryOpcode[compoundToBinary(v.Op)]
	if !ok {
		return nil, wrap("handle_assign", fmt.Errorf("unsupported compound assignment %q", v.Op))
	}
	cur, err := g.acquire()
	if err != nil {
		return nil, wrap("handle_assign", err)
	}
	g.emit("Read %s, %s", reg(cur), reg(addr))
	rhs, err := g.loadScalar(*value)
	if err != nil {
		g.release(cur)
		return nil, wrap("handle_assign", err)
	}
	g.emit("%s %s, %s", mnemonic, reg(cur), reg(rhs))
	g.release(rhs)
	g.emit("Write %s, %s", reg(addr), reg(cur))
	g.release(cur)
	return value, nil
}

func compoundToBinary(op ast.AssignOp) ast.BinaryOp {
	switch op {
	case ast.AssignAdd:
		return ast.Add
	case ast.AssignSub:
		return ast.Sub
	case ast.AssignMul:
		return ast.Mul
	case ast.AssignDiv:
		return ast.Div
	default:
		return ""
	}
}

func (g *Generator) handleVarDecl(decl ast.VarDecl, value ast.Expr) (*Data, error) {
	typ, err := g.convertType(decl.Type)
	if err != nil {
		return nil, wrap("handle_var_decl", err)
	}
	off, err := g.allocate(typ.Size())
	if err != nil {
		return nil, wrap("handle_var_decl", err)
	}
	d := Data{Offset: off, Size: typ.Size(), Type: typ}
	if err := g.declare(decl.Name, d); err != nil {
		return nil, wrap("handle_var_decl", err)
	}
	if value != nil {
		v, err := g.handleExpr(value)
		if err != nil {
			return nil, wrap("handle_var_decl", err)
		}
		if !sameType(typ, v.Type) {
			return nil, wrap("handle_var_decl", fmt.Errorf("cannot initialize %s with %s", typ, v.Type))
		}
		if err := g.copyWords(d, *v, typ.Size()); err != nil {
			return nil, wrap("handle_var_decl", err)
		}
	}
	return &d, nil
}
