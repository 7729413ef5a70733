package isa

import "testing"

// TestOpTableCompleteness verifies every catalog entry has a non-empty
// mnemonic, a plausible register count, and an Op matching its table key.
func TestOpTableCompleteness(t *testing.T) {
	for op, info := range opTable {
		if info.Mnemonic == "" {
			t.Errorf("op %d has no mnemonic", op)
		}
		if info.RegCount < 0 || info.RegCount > 3 {
			t.Errorf("op %d (%s) has implausible RegCount %d", op, info.Mnemonic, info.RegCount)
		}
		if info.Op != op {
			t.Errorf("opTable key %d does not match entry.Op %d", op, info.Op)
		}
	}
}

// TestEncodeDecodeRoundTrip is testable property 1: for every Instruction
// variant, decode(encode(i)) == i when operands are drawn from the legal
// operand space. Padding bytes are ignored on decode since Decode always
// reports all three register slots regardless of RegCount.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		op   Op
		regs []byte
	}{
		{"Jmp", OpJmp, []byte{7}},
		{"Jmpc", OpJmpc, []byte{3, 9}},
		{"Eq", OpEq, []byte{1, 2, 3}},
		{"Halt", OpHalt, nil},
		{"Syscall", OpSyscall, []byte{10, 20, 30}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := Encode(c.op, c.regs...)
			got := Decode(w)
			if got.Op != c.op {
				t.Fatalf("decoded op = %v, want %v", got.Op, c.op)
			}
			for i, r := range c.regs {
				if got.Regs[i] != r {
					t.Errorf("decoded reg[%d] = %d, want %d", i, got.Regs[i], r)
				}
			}
		})
	}
}

// TestComparisonTruthiness is testable property 5: every comparison result is
// either 0 or 0xFFFFFFFF, and Not preserves that.
func TestComparisonTruthiness(t *testing.T) {
	for _, b := range []bool{true, false} {
		w := BoolWord(b)
		if w != 0 && w != 0xFFFFFFFF {
			t.Fatalf("BoolWord(%v) = %#x, want 0 or 0xFFFFFFFF", b, w)
		}
		if IsTrue(w) != b {
			t.Fatalf("IsTrue(BoolWord(%v)) = %v", b, IsTrue(w))
		}
		inverted := ^w
		if inverted != 0 && inverted != 0xFFFFFFFF {
			t.Fatalf("Not(%#x) = %#x, want 0 or 0xFFFFFFFF", w, inverted)
		}
	}
}

func TestDisassembleRoundTrip(t *testing.T) {
	// Jmp r5 ; Set r3, #99 ; Halt
	words := []Word{
		Encode(OpJmp, 5),
		Encode(OpSet, 3),
		99,
		Encode(OpHalt),
	}
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		buf[i*4] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}
	decoded, err := Disassemble(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 3 {
		t.Fatalf("got %d instructions, want 3", len(decoded))
	}
	if decoded[1].Text != "Set r3,#99" {
		t.Errorf("Set text = %q", decoded[1].Text)
	}
	if decoded[2].Addr != 3 {
		t.Errorf("Halt addr = %d, want 3 (after Set's 2-word span)", decoded[2].Addr)
	}
}
