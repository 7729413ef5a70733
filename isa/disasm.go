package isa

import (
	"encoding/binary"
	"fmt"
)

// DecodedInstruction is one disassembled instruction together with the
// address it was fetched from, used by the driver's static listing and by
// round-trip tests.
type DecodedInstruction struct {
	Addr Word
	Inst Instruction
	Text string // rendered mnemonic + operands, e.g. "Add r3,r4"
}

// Disassemble decodes a flat little-endian word stream (as produced by the
// assembler or read directly from a binary image) into a sequence of
// DecodedInstruction. It mirrors the assembler's own notion of instruction
// boundaries: an opcode consumes one word, Set/RSet consume two.
func Disassemble(data []byte) ([]DecodedInstruction, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("disassemble: length %d is not a multiple of 4", len(data))
	}
	words := make([]Word, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	var out []DecodedInstruction
	for addr := 0; addr < len(words); {
		w := words[addr]
		inst := Decode(w)
		info, known := opTable[inst.Op]
		if !known {
			out = append(out, DecodedInstruction{
				Addr: Word(addr),
				Inst: inst,
				Text: fmt.Sprintf("?? (word %d)", w),
			})
			addr++
			continue
		}
		text := formatInstruction(info, inst)
		entry := DecodedInstruction{Addr: Word(addr), Inst: inst, Text: text}
		addr++
		if info.HasImm {
			if addr >= len(words) {
				return out, fmt.Errorf("disassemble: truncated immediate at word %d", addr-1)
			}
			inst.Imm = words[addr]
			entry.Inst = inst
			entry.Text = formatInstruction(info, inst)
			addr++
		}
		out = append(out, entry)
	}
	return out, nil
}

func formatInstruction(info OpInfo, inst Instruction) string {
	switch info.RegCount {
	case 0:
		if info.HasImm {
			return fmt.Sprintf("%s #%d", info.Mnemonic, inst.Imm)
		}
		return info.Mnemonic
	case 1:
		if info.HasImm {
			return fmt.Sprintf("%s r%d,#%d", info.Mnemonic, inst.Regs[0], inst.Imm)
		}
		return fmt.Sprintf("%s r%d", info.Mnemonic, inst.Regs[0])
	case 2:
		return fmt.Sprintf("%s r%d,r%d", info.Mnemonic, inst.Regs[0], inst.Regs[1])
	case 3:
		return fmt.Sprintf("%s r%d,r%d,r%d", info.Mnemonic, inst.Regs[0], inst.Regs[1], inst.Regs[2])
	default:
		return info.Mnemonic
	}
}
