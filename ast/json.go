package ast

import (
	"encoding/json"
	"fmt"
)

// This file gives Program a JSON encoding so the driver's "build" subcommand
// can read a serialized tree from disk in place of a front end it doesn't
// have. Every node here is a closed tagged variant, so neither Marshal nor
// Unmarshal can lean on encoding/json's interface-field limitation the
// usual way — each node is written out through an explicit "kind"-tagged
// envelope instead, walked by hand on the way back in.

type typeEnvelope struct {
	Kind string          `json:"kind"`
	Elem json.RawMessage `json:"elem,omitempty"`
	Len  int             `json:"len,omitempty"`
	Name string          `json:"name,omitempty"`
}

func marshalType(t Type) (json.RawMessage, error) {
	if t == nil {
		return json.RawMessage("null"), nil
	}
	switch v := t.(type) {
	case U32Type:
		return json.Marshal(typeEnvelope{Kind: "u32"})
	case U8Type:
		return json.Marshal(typeEnvelope{Kind: "u8"})
	case BoolType:
		return json.Marshal(typeEnvelope{Kind: "bool"})
	case CharType:
		return json.Marshal(typeEnvelope{Kind: "char"})
	case ArrayType:
		elem, err := marshalType(v.Elem)
		if err != nil {
			return nil, err
		}
		return json.Marshal(typeEnvelope{Kind: "array", Elem: elem, Len: v.Len})
	case StructType:
		return json.Marshal(typeEnvelope{Kind: "struct", Name: v.Name})
	case ReferenceType:
		elem, err := marshalType(v.Elem)
		if err != nil {
			return nil, err
		}
		return json.Marshal(typeEnvelope{Kind: "reference", Elem: elem})
	default:
		return nil, fmt.Errorf("ast: unknown Type %T", t)
	}
}

func unmarshalType(data json.RawMessage) (Type, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env typeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ast: decode type: %w", err)
	}
	switch env.Kind {
	case "u32":
		return U32Type{}, nil
	case "u8":
		return U8Type{}, nil
	case "bool":
		return BoolType{}, nil
	case "char":
		return CharType{}, nil
	case "array":
		elem, err := unmarshalType(env.Elem)
		if err != nil {
			return nil, err
		}
		return ArrayType{Elem: elem, Len: env.Len}, nil
	case "struct":
		return StructType{Name: env.Name}, nil
	case "reference":
		elem, err := unmarshalType(env.Elem)
		if err != nil {
			return nil, err
		}
		return ReferenceType{Elem: elem}, nil
	default:
		return nil, fmt.Errorf("ast: unknown type kind %q", env.Kind)
	}
}

// exprEnvelope carries every Expr variant's fields; unused fields are
// omitted on the way out and ignored on the way in.
type exprEnvelope struct {
	Kind string `json:"kind"`

	Name string `json:"name,omitempty"`
	Op   string `json:"op,omitempty"`
	Mut  bool   `json:"mut,omitempty"`
	Len  int    `json:"len,omitempty"`

	IntValue *uint32 `json:"int_value,omitempty"`
	StrValue *string `json:"str_value,omitempty"`

	Type     json.RawMessage   `json:"type,omitempty"`
	ElemType json.RawMessage   `json:"elem_type,omitempty"`
	Left     json.RawMessage   `json:"left,omitempty"`
	Right    json.RawMessage   `json:"right,omitempty"`
	Operand  json.RawMessage   `json:"operand,omitempty"`
	Target   json.RawMessage   `json:"target,omitempty"`
	Value    json.RawMessage   `json:"value,omitempty"`
	Receiver json.RawMessage   `json:"receiver,omitempty"`
	Array    json.RawMessage   `json:"array,omitempty"`
	Index    json.RawMessage   `json:"index,omitempty"`
	Callee   json.RawMessage   `json:"callee,omitempty"`
	Items    []json.RawMessage `json:"items,omitempty"`
	Args     []json.RawMessage `json:"args,omitempty"`
}

func marshalExpr(e Expr) (json.RawMessage, error) {
	if e == nil {
		return json.RawMessage("null"), nil
	}
	switch v := e.(type) {
	case IntLit:
		typ, err := marshalType(v.Type)
		if err != nil {
			return nil, err
		}
		val := v.Value
		return json.Marshal(exprEnvelope{Kind: "int_lit", IntValue: &val, Type: typ})

	case StringLit:
		val := v.Value
		return json.Marshal(exprEnvelope{Kind: "string_lit", StrValue: &val})

	case ArrayLit:
		elemType, err := marshalType(v.ElemType)
		if err != nil {
			return nil, err
		}
		items, err := marshalExprList(v.Items)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprEnvelope{Kind: "array_lit", ElemType: elemType, Len: v.Len, Items: items})

	case Ident:
		return json.Marshal(exprEnvelope{Kind: "ident", Name: v.Name})

	case Binary:
		left, err := marshalExpr(v.Left)
		if err != nil {
			return nil, err
		}
		right, err := marshalExpr(v.Right)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprEnvelope{Kind: "binary", Op: string(v.Op), Left: left, Right: right})

	case Prefix:
		operand, err := marshalExpr(v.Operand)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprEnvelope{Kind: "prefix", Op: string(v.Op), Operand: operand})

	case Assign:
		target, err := marshalExpr(v.Target)
		if err != nil {
			return nil, err
		}
		value, err := marshalExpr(v.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprEnvelope{Kind: "assign", Op: string(v.Op), Target: target, Value: value})

	case VarDecl:
		typ, err := marshalType(v.Type)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprEnvelope{Kind: "var_decl", Name: v.Name, Type: typ, Mut: v.Mut})

	case Ref:
		operand, err := marshalExpr(v.Operand)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprEnvelope{Kind: "ref", Operand: operand})

	case Deref:
		operand, err := marshalExpr(v.Operand)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprEnvelope{Kind: "deref", Operand: operand})

	case Member:
		receiver, err := marshalExpr(v.Receiver)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprEnvelope{Kind: "member", Receiver: receiver, Name: v.Name})

	case Index:
		array, err := marshalExpr(v.Array)
		if err != nil {
			return nil, err
		}
		index, err := marshalExpr(v.Index)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprEnvelope{Kind: "index", Array: array, Index: index})

	case Call:
		callee, err := marshalExpr(v.Callee)
		if err != nil {
			return nil, err
		}
		args, err := marshalExprList(v.Args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprEnvelope{Kind: "call", Callee: callee, Args: args})

	default:
		return nil, fmt.Errorf("ast: unknown Expr %T", e)
	}
}

func marshalExprList(exprs []Expr) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(exprs))
	for i, e := range exprs {
		raw, err := marshalExpr(e)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

func unmarshalExpr(data json.RawMessage) (Expr, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env exprEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ast: decode expr: %w", err)
	}

	one := func(raw json.RawMessage) (Expr, error) { return unmarshalExpr(raw) }

	switch env.Kind {
	case "int_lit":
		if env.IntValue == nil {
			return nil, fmt.Errorf("ast: int_lit missing int_value")
		}
		typ, err := unmarshalType(env.Type)
		if err != nil {
			return nil, err
		}
		return IntLit{Value: *env.IntValue, Type: typ}, nil

	case "string_lit":
		if env.StrValue == nil {
			return nil, fmt.Errorf("ast: string_lit missing str_value")
		}
		return StringLit{Value: *env.StrValue}, nil

	case "array_lit":
		elemType, err := unmarshalType(env.ElemType)
		if err != nil {
			return nil, err
		}
		items, err := unmarshalExprListRaw(env.Items)
		if err != nil {
			return nil, err
		}
		return ArrayLit{ElemType: elemType, Len: env.Len, Items: items}, nil

	case "ident":
		return Ident{Name: env.Name}, nil

	case "binary":
		left, err := one(env.Left)
		if err != nil {
			return nil, err
		}
		right, err := one(env.Right)
		if err != nil {
			return nil, err
		}
		return Binary{Op: BinaryOp(env.Op), Left: left, Right: right}, nil

	case "prefix":
		operand, err := one(env.Operand)
		if err != nil {
			return nil, err
		}
		return Prefix{Op: PrefixOp(env.Op), Operand: operand}, nil

	case "assign":
		target, err := one(env.Target)
		if err != nil {
			return nil, err
		}
		value, err := one(env.Value)
		if err != nil {
			return nil, err
		}
		return Assign{Target: target, Op: AssignOp(env.Op), Value: value}, nil

	case "var_decl":
		typ, err := unmarshalType(env.Type)
		if err != nil {
			return nil, err
		}
		return VarDecl{Name: env.Name, Type: typ, Mut: env.Mut}, nil

	case "ref":
		operand, err := one(env.Operand)
		if err != nil {
			return nil, err
		}
		return Ref{Operand: operand}, nil

	case "deref":
		operand, err := one(env.Operand)
		if err != nil {
			return nil, err
		}
		return Deref{Operand: operand}, nil

	case "member":
		receiver, err := one(env.Receiver)
		if err != nil {
			return nil, err
		}
		return Member{Receiver: receiver, Name: env.Name}, nil

	case "index":
		array, err := one(env.Array)
		if err != nil {
			return nil, err
		}
		index, err := one(env.Index)
		if err != nil {
			return nil, err
		}
		return Index{Array: array, Index: index}, nil

	case "call":
		callee, err := one(env.Callee)
		if err != nil {
			return nil, err
		}
		args, err := unmarshalExprListRaw(env.Args)
		if err != nil {
			return nil, err
		}
		return Call{Callee: callee, Args: args}, nil

	default:
		return nil, fmt.Errorf("ast: unknown expr kind %q", env.Kind)
	}
}

func unmarshalExprListRaw(raws []json.RawMessage) ([]Expr, error) {
	out := make([]Expr, len(raws))
	for i, raw := range raws {
		e, err := unmarshalExpr(raw)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

type stmtEnvelope struct {
	Kind string `json:"kind"`

	Var string `json:"var,omitempty"`

	X     json.RawMessage   `json:"x,omitempty"`
	Cond  json.RawMessage   `json:"cond,omitempty"`
	Then  json.RawMessage   `json:"then,omitempty"`
	Else  json.RawMessage   `json:"else,omitempty"`
	Body  json.RawMessage   `json:"body,omitempty"`
	From  json.RawMessage   `json:"from,omitempty"`
	To    json.RawMessage   `json:"to,omitempty"`
	Value json.RawMessage   `json:"value,omitempty"`
	Stmts []json.RawMessage `json:"stmts,omitempty"`
}

func marshalStmt(s Stmt) (json.RawMessage, error) {
	if s == nil {
		return json.RawMessage("null"), nil
	}
	switch v := s.(type) {
	case ExprStmt:
		x, err := marshalExpr(v.X)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stmtEnvelope{Kind: "expr_stmt", X: x})

	case Block:
		stmts, err := marshalStmtList(v.Stmts)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stmtEnvelope{Kind: "block", Stmts: stmts})

	case If:
		cond, err := marshalExpr(v.Cond)
		if err != nil {
			return nil, err
		}
		then, err := marshalStmt(v.Then)
		if err != nil {
			return nil, err
		}
		els, err := marshalStmt(v.Else)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stmtEnvelope{Kind: "if", Cond: cond, Then: then, Else: els})

	case While:
		cond, err := marshalExpr(v.Cond)
		if err != nil {
			return nil, err
		}
		body, err := marshalStmt(v.Body)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stmtEnvelope{Kind: "while", Cond: cond, Body: body})

	case ForRange:
		from, err := marshalExpr(v.From)
		if err != nil {
			return nil, err
		}
		to, err := marshalExpr(v.To)
		if err != nil {
			return nil, err
		}
		body, err := marshalStmt(v.Body)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stmtEnvelope{Kind: "for_range", Var: v.Var, From: from, To: to, Body: body})

	case Break:
		return json.Marshal(stmtEnvelope{Kind: "break"})

	case Return:
		value, err := marshalExpr(v.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stmtEnvelope{Kind: "return", Value: value})

	default:
		return nil, fmt.Errorf("ast: unknown Stmt %T", s)
	}
}

func marshalStmtList(stmts []Stmt) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(stmts))
	for i, s := range stmts {
		raw, err := marshalStmt(s)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

// unmarshalBlock decodes a raw "block" node specifically, since If/While/
// ForRange each hold a concrete Block rather than a bare Stmt.
func unmarshalBlock(data json.RawMessage) (Block, error) {
	s, err := unmarshalStmt(data)
	if err != nil {
		return Block{}, err
	}
	b, ok := s.(Block)
	if !ok {
		return Block{}, fmt.Errorf("ast: expected block, got %T", s)
	}
	return b, nil
}

func unmarshalStmt(data json.RawMessage) (Stmt, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env stmtEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ast: decode stmt: %w", err)
	}

	switch env.Kind {
	case "expr_stmt":
		x, err := unmarshalExpr(env.X)
		if err != nil {
			return nil, err
		}
		return ExprStmt{X: x}, nil

	case "block":
		stmts, err := unmarshalStmtListRaw(env.Stmts)
		if err != nil {
			return nil, err
		}
		return Block{Stmts: stmts}, nil

	case "if":
		cond, err := unmarshalExpr(env.Cond)
		if err != nil {
			return nil, err
		}
		then, err := unmarshalBlock(env.Then)
		if err != nil {
			return nil, err
		}
		els, err := unmarshalStmt(env.Else)
		if err != nil {
			return nil, err
		}
		return If{Cond: cond, Then: then, Else: els}, nil

	case "while":
		cond, err := unmarshalExpr(env.Cond)
		if err != nil {
			return nil, err
		}
		body, err := unmarshalBlock(env.Body)
		if err != nil {
			return nil, err
		}
		return While{Cond: cond, Body: body}, nil

	case "for_range":
		from, err := unmarshalExpr(env.From)
		if err != nil {
			return nil, err
		}
		to, err := unmarshalExpr(env.To)
		if err != nil {
			return nil, err
		}
		body, err := unmarshalBlock(env.Body)
		if err != nil {
			return nil, err
		}
		return ForRange{Var: env.Var, From: from, To: to, Body: body}, nil

	case "break":
		return Break{}, nil

	case "return":
		value, err := unmarshalExpr(env.Value)
		if err != nil {
			return nil, err
		}
		return Return{Value: value}, nil

	default:
		return nil, fmt.Errorf("ast: unknown stmt kind %q", env.Kind)
	}
}

func unmarshalStmtListRaw(raws []json.RawMessage) ([]Stmt, error) {
	out := make([]Stmt, len(raws))
	for i, raw := range raws {
		s, err := unmarshalStmt(raw)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

type funcDeclJSON struct {
	Name   string          `json:"name"`
	Params []funcParamJSON `json:"params"`
	Return json.RawMessage `json:"return,omitempty"`
	Body   json.RawMessage `json:"body"`
}

type funcParamJSON struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

type structDeclJSON struct {
	Name  string            `json:"name"`
	Props []structPropJSON `json:"props"`
}

type structPropJSON struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

type programJSON struct {
	Structs []structDeclJSON `json:"structs"`
	Funcs   []funcDeclJSON   `json:"funcs"`
	Main    json.RawMessage  `json:"main"`
}

// MarshalJSON implements json.Marshaler, giving Program a stable on-disk
// representation the "build" subcommand's input format is defined in terms
// of.
func (p Program) MarshalJSON() ([]byte, error) {
	pj := programJSON{}

	for _, sd := range p.Structs {
		props := make([]structPropJSON, len(sd.Props))
		for i, prop := range sd.Props {
			typ, err := marshalType(prop.Type)
			if err != nil {
				return nil, err
			}
			props[i] = structPropJSON{Name: prop.Name, Type: typ}
		}
		pj.Structs = append(pj.Structs, structDeclJSON{Name: sd.Name, Props: props})
	}

	for _, fd := range p.Funcs {
		params := make([]funcParamJSON, len(fd.Params))
		for i, param := range fd.Params {
			typ, err := marshalType(param.Type)
			if err != nil {
				return nil, err
			}
			params[i] = funcParamJSON{Name: param.Name, Type: typ}
		}
		ret, err := marshalType(fd.Return)
		if err != nil {
			return nil, err
		}
		body, err := marshalStmt(fd.Body)
		if err != nil {
			return nil, err
		}
		pj.Funcs = append(pj.Funcs, funcDeclJSON{Name: fd.Name, Params: params, Return: ret, Body: body})
	}

	main, err := marshalStmt(p.Main)
	if err != nil {
		return nil, err
	}
	pj.Main = main

	return json.Marshal(pj)
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (p *Program) UnmarshalJSON(data []byte) error {
	var pj programJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return fmt.Errorf("ast: decode program: %w", err)
	}

	var out Program
	for _, sd := range pj.Structs {
		props := make([]StructProp, len(sd.Props))
		for i, prop := range sd.Props {
			typ, err := unmarshalType(prop.Type)
			if err != nil {
				return err
			}
			props[i] = StructProp{Name: prop.Name, Type: typ}
		}
		out.Structs = append(out.Structs, StructDecl{Name: sd.Name, Props: props})
	}

	for _, fd := range pj.Funcs {
		params := make([]FuncParam, len(fd.Params))
		for i, param := range fd.Params {
			typ, err := unmarshalType(param.Type)
			if err != nil {
				return err
			}
			params[i] = FuncParam{Name: param.Name, Type: typ}
		}
		ret, err := unmarshalType(fd.Return)
		if err != nil {
			return err
		}
		body, err := unmarshalBlock(fd.Body)
		if err != nil {
			return err
		}
		out.Funcs = append(out.Funcs, FuncDecl{Name: fd.Name, Params: params, Return: ret, Body: body})
	}

	main, err := unmarshalBlock(pj.Main)
	if err != nil {
		return err
	}
	out.Main = main

	*p = out
	return nil
}
