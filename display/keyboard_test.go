//go:build !windows

package display

import "testing"

type recordingKeySink struct{ events []KeyEvent }

func (r *recordingKeySink) SendKey(ev KeyEvent) { r.events = append(r.events, ev) }

func TestTranslateRawByte(t *testing.T) {
	cases := []struct{ in, want byte }{
		{'\r', '\n'},
		{0x7F, 0x08},
		{'a', 'a'},
		{0x1B, 0x1B},
	}
	for _, c := range cases {
		if got := translateRawByte(c.in); got != c.want {
			t.Errorf("translateRawByte(%#x) = %#x, want %#x", c.in, got, c.want)
		}
	}
}

func TestTerminalKeyboardStopBeforeStartIsSafe(t *testing.T) {
	k := NewTerminalKeyboard(&recordingKeySink{})
	// Stop must not deadlock or panic when Start was never called — readLoop
	// never ran, so done is closed manually by this path alone.
	close(k.done)
	k.Stop()
}
