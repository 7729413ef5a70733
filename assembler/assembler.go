// assembler.go - two-pass textual assembler for the wordforge ISA.
//
// Pass 1 walks the source maintaining a running address counter and records
// every label's address. Pass 2 walks the same lines again and emits the
// final little-endian byte image, resolving each label reference against the
// table pass 1 built. The two passes are necessary because a label may be
// referenced before its declaration is seen.
package assembler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/otley/wordforge/isa"
)

// Error is a chained assembler failure identifying the source line that
// caused it, per the toolchain's requirement that assembler errors carry
// enough context for the driver to report "stage: assembler, line N: ...".
type Error struct {
	Line int
	Text string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s: %v", e.Line, e.Text, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// item is one parsed source line, either an instruction or a bare data word.
type item struct {
	line     int
	isData   bool
	dataOp   string // raw token for the bare literal, parsed again in pass 2
	mnemonic string
	operands []string
	info     isa.OpInfo
}

// Assembler holds the state threaded between pass 1 and pass 2. A fresh
// Assembler must be used per source file; it is not safe for concurrent use,
// matching the toolchain's "assembler is strictly sequential per file"
// concurrency note.
type Assembler struct {
	labels map[string]uint32
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{labels: make(map[string]uint32)}
}

// Assemble runs both passes over src and returns the flat little-endian byte
// image. The returned image's length is always a multiple of 4.
func (a *Assembler) Assemble(src string) ([]byte, error) {
	lines := strings.Split(src, "\n")

	items, err := a.passOne(lines)
	if err != nil {
		return nil, err
	}
	return a.passTwo(items)
}

// passOne scans the source left-to-right maintaining addr, recording label
// addresses and classifying every non-label, non-comment line as either a
// bare data word or an instruction with its operand tokens.
func (a *Assembler) passOne(lines []string) ([]item, error) {
	var items []item
	addr := uint32(0)

	for lineNum, raw := range lines {
		tokens := tokenize(raw)
		if len(tokens) == 0 {
			continue
		}
		if isComment(tokens[0]) {
			continue
		}

		first := tokens[0]
		if strings.HasPrefix(first, ":") {
			name := strings.TrimPrefix(first, ":")
			if name == "" {
				return nil, &Error{lineNum + 1, raw, fmt.Errorf("empty label name")}
			}
			// Record addr-1: an RSet's delta against this entry lands on the
			// instruction that follows the declaration when an RJmp/RJmpc
			// follows the RSet directly. An absolute Set adds the 1 back in
			// passTwo, so it loads the label's real address.
			a.labels[name] = addr - 1
			continue
		}

		if len(tokens) == 1 {
			if _, err := parseNumber(first); err == nil {
				items = append(items, item{line: lineNum + 1, isData: true, dataOp: first})
				addr++
				continue
			}
		}

		info, ok := isa.Lookup(first)
		if !ok {
			return nil, &Error{lineNum + 1, raw, fmt.Errorf("unknown mnemonic %q", first)}
		}
		items = append(items, item{
			line:     lineNum + 1,
			mnemonic: first,
			operands: tokens[1:],
			info:     info,
		})
		addr++
		if info.HasImm {
			addr++
		}
	}
	return items, nil
}

// passTwo walks the classified items and emits the final byte image,
// resolving label references against the table pass 1 built.
func (a *Assembler) passTwo(items []item) ([]byte, error) {
	var out []byte
	addr := uint32(0)

	emitWord := func(w isa.Word) {
		out = append(out, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}

	for _, it := range items {
		if it.isData {
			v, err := parseNumber(it.dataOp)
			if err != nil {
				return nil, &Error{it.line, it.dataOp, err}
			}
			emitWord(v)
			addr++
			continue
		}

		regs, imm, hasImm, err := a.encodeOperands(it)
		if err != nil {
			return nil, &Error{it.line, it.mnemonic, err}
		}
		emitWord(isa.Encode(it.info.Op, regs...))
		addr++

		if hasImm {
			immAddr := addr
			if it.info.PCRelative {
				target, labelErr := a.resolveLabel(imm.name)
				if labelErr != nil {
					return nil, &Error{it.line, imm.name, labelErr}
				}
				emitWord(uint32(int32(target) - int32(immAddr)))
			} else if imm.isLabel {
				target, labelErr := a.resolveLabel(imm.name)
				if labelErr != nil {
					return nil, &Error{it.line, imm.name, labelErr}
				}
				// The table holds addr-1 (needed so RSet's PC-relative delta
				// comes out right); an absolute Set loads a register used
				// directly as a memory address or, via Jmp, as a target whose
				// internal -1 is cancelled by the fetch loop's own +1 — both
				// cases want the label's real address, not addr-1.
				emitWord(target + 1)
			} else {
				emitWord(imm.value)
			}
			addr++
		}
	}
	return out, nil
}

func (a *Assembler) resolveLabel(name string) (uint32, error) {
	v, ok := a.labels[name]
	if !ok {
		return 0, fmt.Errorf("undefined label %q", name)
	}
	return v, nil
}

// immediate is the parsed form of Set/RSet's trailing operand: either a
// literal number or a label reference, disambiguated at parse time.
type immediate struct {
	isLabel bool
	name    string
	value   uint32
}

// encodeOperands parses an instruction's operand tokens into register bytes
// plus, for Set/RSet, the trailing immediate.
func (a *Assembler) encodeOperands(it item) (regs []byte, imm immediate, hasImm bool, err error) {
	want := it.info.RegCount
	if it.info.HasImm {
		want++ // the immediate itself is the last token, registers precede it
	}
	if len(it.operands) != want {
		return nil, immediate{}, false, fmt.Errorf("%s expects %d operand(s), got %d", it.mnemonic, want, len(it.operands))
	}

	for i := 0; i < it.info.RegCount; i++ {
		r, rerr := parseRegister(it.operands[i])
		if rerr != nil {
			return nil, immediate{}, false, rerr
		}
		regs = append(regs, r)
	}

	if it.info.HasImm {
		tok := it.operands[len(it.operands)-1]
		if strings.HasPrefix(tok, ":") {
			imm = immediate{isLabel: true, name: strings.TrimPrefix(tok, ":")}
		} else {
			v, nerr := parseNumber(tok)
			if nerr != nil {
				return nil, immediate{}, false, fmt.Errorf("invalid immediate %q: %w", tok, nerr)
			}
			imm = immediate{value: v}
		}
		hasImm = true
	}
	return regs, imm, hasImm, nil
}

func parseRegister(tok string) (byte, error) {
	if !strings.HasPrefix(tok, "r") {
		return 0, fmt.Errorf("expected register operand, got %q", tok)
	}
	n, err := strconv.ParseUint(tok[1:], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid register %q: %w", tok, err)
	}
	return byte(n), nil
}

// parseNumber parses a decimal literal or one with an 0x/0b/0o prefix into an
// unsigned 32-bit word. strconv's base-0 parsing already understands all
// three prefixes.
func parseNumber(tok string) (uint32, error) {
	v, err := strconv.ParseUint(tok, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", tok, err)
	}
	return uint32(v), nil
}

// isComment reports whether a line's first token marks the line as a
// comment: a "//" token, or any token starting with "/".
func isComment(first string) bool {
	return strings.HasPrefix(first, "/")
}

// tokenize splits a line into tokens separated by whitespace, tabs, or
// commas, per the assembly text format's token rule.
func tokenize(line string) []string {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ','
	})
	return fields
}
