package codegen

import (
	"fmt"

	"github.com/otley/wordforge/ast"
)

// lit reinterprets a signed word offset as the unsigned decimal literal the
// assembler's parseNumber accepts; two's complement makes "Set rN, <lit>"
// followed by "Add" behave as subtraction for negative offsets.
func lit(v int32) uint32 { return uint32(v) }

// addrOfData returns a fresh register holding the absolute address of d's
// own storage slot: the static region's label address for a static Data,
// otherwise STACK_FRAME plus its frame offset. Caller releases the register.
func (g *Generator) addrOfData(d Data) (byte, error) {
	r, err := g.acquire()
	if err != nil {
		return 0, err
	}
	if d.StaticLabel != "" {
		g.emit("Set %s, :%s", reg(r), d.StaticLabel)
		return r, nil
	}
	g.emit("Set %s, %d", reg(r), lit(d.Offset))
	g.emit("Add %s, %s", reg(r), reg(rStackFrame))
	return r, nil
}

// loadScalar reads a one-word Data's value into a fresh register without any
// reference chasing — the value read is exactly whatever is stored in d's
// slot, which for a Reference-typed Data is the pointer itself.
func (g *Generator) loadScalar(d Data) (byte, error) {
	addr, err := g.addrOfData(d)
	if err != nil {
		return 0, err
	}
	defer g.release(addr)
	v, err := g.acquire()
	if err != nil {
		return 0, err
	}
	g.emit("Read %s, %s", reg(v), reg(addr))
	return v, nil
}

// chasedAddrOfData resolves d's storage address and then walks d's
// reference chain to the final pointee: one memory read plus one delta add
// per Reference level, exactly the addressing rule a chained reference
// encodes. The returned register holds the innermost address; the returned
// type is the fully unwrapped pointee type. Caller releases the register.
func (g *Generator) chasedAddrOfData(d Data) (byte, Type, error) {
	addr, err := g.addrOfData(d)
	if err != nil {
		return 0, nil, err
	}
	typ := d.Type
	for {
		ref, ok := typ.(Reference)
		if !ok {
			return addr, typ, nil
		}
		ptr, err := g.acquire()
		if err != nil {
			g.release(addr)
			return 0, nil, err
		}
		g.emit("Read %s, %s", reg(ptr), reg(addr))
		g.release(addr)
		if ref.Delta != 0 {
			if err := g.addConst(ptr, ref.Delta); err != nil {
				g.release(ptr)
				return 0, nil, err
			}
		}
		addr, typ = ptr, ref.Elem
	}
}

// loadValue reads d's one-word value with full reference chasing, so a
// reference-typed operand transparently yields its pointee — the read rule
// arithmetic, comparisons, and conditions all rely on. Use loadScalar
// instead when the pointer itself is wanted (reference assignment, argument
// passing). Caller releases the register.
func (g *Generator) loadValue(d Data) (byte, error) {
	addr, _, err := g.chasedAddrOfData(d)
	if err != nil {
		return 0, err
	}
	defer g.release(addr)
	v, err := g.acquire()
	if err != nil {
		return 0, err
	}
	g.emit("Read %s, %s", reg(v), reg(addr))
	return v, nil
}

// storeScalar writes valueReg into d's one-word slot.
func (g *Generator) storeScalar(d Data, valueReg byte) error {
	addr, err := g.addrOfData(d)
	if err != nil {
		return err
	}
	defer g.release(addr)
	g.emit("Write %s, %s", reg(addr), reg(valueReg))
	return nil
}

// copyWords unrolls a word-for-word copy between two Data locations, each
// resolved through addrOfData so static and frame-relative sources and
// destinations compose freely. Sizes are always compile-time constants in
// this type system, so an unrolled Read/Write sequence is simpler than a
// runtime counting loop.
func (g *Generator) copyWords(dst, src Data, n int) error {
	dstAddr, err := g.addrOfData(dst)
	if err != nil {
		return err
	}
	defer g.release(dstAddr)
	srcAddr, err := g.addrOfData(src)
	if err != nil {
		return err
	}
	defer g.release(srcAddr)

	for i := 0; i < n; i++ {
		word, err := g.acquire()
		if err != nil {
			return err
		}
		if i == 0 {
			g.emit("Read %s, %s", reg(word), reg(srcAddr))
		} else if err := g.readAt(srcAddr, i, word); err != nil {
			g.release(word)
			return err
		}
		if i == 0 {
			g.emit("Write %s, %s", reg(dstAddr), reg(word))
		} else if err := g.writeAt(dstAddr, i, word); err != nil {
			g.release(word)
			return err
		}
		g.release(word)
	}
	return nil
}

// readAt loads MEM[base+offset] into valueReg, where base is a register
// holding an absolute address and offset is a compile-time word count.
func (g *Generator) readAt(base byte, offset int, valueReg byte) error {
	a, err := g.acquire()
	if err != nil {
		return err
	}
	g.emit("Set %s, %d", reg(a), offset)
	g.emit("Add %s, %s", reg(a), reg(base))
	g.emit("Read %s, %s", reg(valueReg), reg(a))
	g.release(a)
	return nil
}

// writeAt is readAt's mirror.
func (g *Generator) writeAt(base byte, offset int, valueReg byte) error {
	a, err := g.acquire()
	if err != nil {
		return err
	}
	g.emit("Set %s, %d", reg(a), offset)
	g.emit("Add %s, %s", reg(a), reg(base))
	g.emit("Write %s, %s", reg(a), reg(valueReg))
	g.release(a)
	return nil
}

// copyFromAddr materializes n words starting at an absolute address (held in
// a register, not released by this function) into a frame-relative
// destination range.
func (g *Generator) copyFromAddr(dstOff int32, srcAddr byte, n int) error {
	dstBase, err := g.acquire()
	if err != nil {
		return err
	}
	defer g.release(dstBase)
	g.emit("Set %s, %d", reg(dstBase), lit(dstOff))
	g.emit("Add %s, %s", reg(dstBase), reg(rStackFrame))

	for i := 0; i < n; i++ {
		word, err := g.acquire()
		if err != nil {
			return err
		}
		if i == 0 {
			g.emit("Read %s, %s", reg(word), reg(srcAddr))
			g.emit("Write %s, %s", reg(dstBase), reg(word))
		} else {
			if err := g.readAt(srcAddr, i, word); err != nil {
				g.release(word)
				return err
			}
			if err := g.writeAt(dstBase, i, word); err != nil {
				g.release(word)
				return err
			}
		}
		g.release(word)
	}
	return nil
}

// copyToAddr is copyFromAddr's mirror: n words from a frame-relative source
// range out to an absolute destination address.
func (g *Generator) copyToAddr(dstAddr byte, srcOff int32, n int) error {
	srcBase, err := g.acquire()
	if err != nil {
		return err
	}
	defer g.release(srcBase)
	g.emit("Set %s, %d", reg(srcBase), lit(srcOff))
	g.emit("Add %s, %s", reg(srcBase), reg(rStackFrame))

	for i := 0; i < n; i++ {
		word, err := g.acquire()
		if err != nil {
			return err
		}
		if i == 0 {
			g.emit("Read %s, %s", reg(word), reg(srcBase))
			g.emit("Write %s, %s", reg(dstAddr), reg(word))
		} else {
			if err := g.readAt(srcBase, i, word); err != nil {
				g.release(word)
				return err
			}
			if err := g.writeAt(dstAddr, i, word); err != nil {
				g.release(word)
				return err
			}
		}
		g.release(word)
	}
	return nil
}

// resolveChainAddr computes the absolute address an addressable expression
// denotes, following exactly the shape of the AST node — it performs no
// implicit reference chasing beyond what the node itself specifies. Any
// expression that is not one of Ident/Deref/Member/Index falls back to
// evaluating it as an ordinary rvalue and taking the address of its
// materialized storage. Caller releases the returned register.
func (g *Generator) resolveChainAddr(e ast.Expr) (byte, Type, error) {
	switch v := e.(type) {
	case ast.Ident:
		d, ok := g.lookupIdentData(v.Name)
		if !ok {
			return 0, nil, wrap("resolve_address", fmt.Errorf("undefined identifier %q", v.Name))
		}
		addr, err := g.addrOfData(d)
		if err != nil {
			return 0, nil, err
		}
		return addr, d.Type, nil

	case ast.Deref:
		innerAddr, innerType, err := g.resolveChainAddr(v.Operand)
		if err != nil {
			return 0, nil, err
		}
		ref, ok := innerType.(Reference)
		if !ok {
			g.release(innerAddr)
			return 0, nil, wrap("resolve_address", fmt.Errorf("cannot dereference non-reference type %s", innerType))
		}
		ptr, err := g.acquire()
		if err != nil {
			g.release(innerAddr)
			return 0, nil, err
		}
		g.emit("Read %s, %s", reg(ptr), reg(innerAddr))
		g.release(innerAddr)
		if ref.Delta != 0 {
			if err := g.addConst(ptr, ref.Delta); err != nil {
				g.release(ptr)
				return 0, nil, err
			}
		}
		return ptr, ref.Elem, nil

	case ast.Member:
		recvAddr, recvType, err := g.resolveChasedAddr(v.Receiver)
		if err != nil {
			return 0, nil, err
		}
		st, ok := recvType.(Struct)
		if !ok || st.info == nil {
			g.release(recvAddr)
			return 0, nil, wrap("resolve_address", fmt.Errorf("%q is not a struct", v.Name))
		}
		prop, ok := st.info.propInfo(v.Name)
		if !ok {
			g.release(recvAddr)
			return 0, nil, wrap("resolve_address", fmt.Errorf("struct %s has no property %q", st.Name, v.Name))
		}
		if prop.Offset != 0 {
			if err := g.addConst(recvAddr, int32(prop.Offset)); err != nil {
				g.release(recvAddr)
				return 0, nil, err
			}
		}
		return recvAddr, prop.Type, nil

	case ast.Index:
		recvAddr, recvType, err := g.resolveChasedAddr(v.Array)
		if err != nil {
			return 0, nil, err
		}
		arr, ok := recvType.(Array)
		if !ok {
			g.release(recvAddr)
			return 0, nil, wrap("resolve_address", fmt.Errorf("indexed value is not an array"))
		}
		idxData, err := g.handleExpr(v.Index)
		if err != nil {
			g.release(recvAddr)
			return 0, nil, err
		}
		switch unwrapRef(idxData.Type).(type) {
		case U8, U32:
		default:
			g.release(recvAddr)
			return 0, nil, wrap("resolve_address", fmt.Errorf("array index must be u8 or u32, got %s", idxData.Type))
		}
		idxReg, err := g.loadValue(*idxData)
		if err != nil {
			g.release(recvAddr)
			return 0, nil, err
		}
		elemSize, err := g.acquire()
		if err != nil {
			g.release(recvAddr)
			g.release(idxReg)
			return 0, nil, err
		}
		g.emit("Set %s, %d", reg(elemSize), arr.Elem.Size())
		g.emit("Mul %s, %s", reg(idxReg), reg(elemSize))
		g.release(elemSize)
		g.emit("Set %s, 1", reg(elemSize)) // reuse the freed register: skip the length word
		g.emit("Add %s, %s", reg(idxReg), reg(elemSize))
		g.emit("Add %s, %s", reg(recvAddr), reg(idxReg))
		g.release(idxReg)
		return recvAddr, arr.Elem, nil

	default:
		d, err := g.handleExpr(e)
		if err != nil {
			return 0, nil, err
		}
		addr, err := g.addrOfData(*d)
		if err != nil {
			return 0, nil, err
		}
		return addr, d.Type, nil
	}
}

// resolveChasedAddr is resolveChainAddr plus an implicit dereference loop,
// used only for Member and Index receivers: accessing through a reference to
// a struct or array auto-dereferences, matching "." and "[]" rather than
// requiring an explicit "*" at every level.
func (g *Generator) resolveChasedAddr(e ast.Expr) (byte, Type, error) {
	addr, typ, err := g.resolveChainAddr(e)
	if err != nil {
		return 0, nil, err
	}
	for {
		ref, ok := typ.(Reference)
		if !ok {
			return addr, typ, nil
		}
		ptr, err := g.acquire()
		if err != nil {
			g.release(addr)
			return 0, nil, err
		}
		g.emit("Read %s, %s", reg(ptr), reg(addr))
		g.release(addr)
		if ref.Delta != 0 {
			if err := g.addConst(ptr, ref.Delta); err != nil {
				g.release(ptr)
				return 0, nil, err
			}
		}
		addr, typ = ptr, ref.Elem
	}
}

// addConst adds a compile-time constant to a register in place.
func (g *Generator) addConst(r byte, v int32) error {
	c, err := g.acquire()
	if err != nil {
		return err
	}
	g.emit("Set %s, %d", reg(c), lit(v))
	g.emit("Add %s, %s", reg(r), reg(c))
	g.release(c)
	return nil
}
