// Command wordforge drives the three stages of the toolchain — codegen,
// assembly, and execution — plus a static disassembly listing, each as its
// own subcommand so any stage can be exercised in isolation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/otley/wordforge/assembler"
	"github.com/otley/wordforge/ast"
	"github.com/otley/wordforge/codegen"
	"github.com/otley/wordforge/display"
	"github.com/otley/wordforge/isa"
	"github.com/otley/wordforge/machine"
)

var log *slog.Logger

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "wordforge",
		Short: "wordforge — a toy ISA's code generator, assembler, and runtime",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "raise log level to debug")

	rootCmd.AddCommand(newBuildCmd(), newAsmCmd(), newRunCmd(), newInspectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newBuildCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "build <program.json>",
		Short: "compile a serialized ast.Program to a .bin image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage := "read"
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}

			stage = "decode"
			var prog ast.Program
			if err := json.Unmarshal(data, &prog); err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}
			log.Debug("decoded program", "funcs", len(prog.Funcs), "structs", len(prog.Structs))

			stage = "codegen"
			src, err := codegen.Compile(&prog)
			if err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}
			log.Debug("generated assembly", "bytes", len(src))

			stage = "assemble"
			bin, err := assembler.New().Assemble(src)
			if err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}

			stage = "write"
			outPath := out
			if outPath == "" {
				outPath = replaceExt(args[0], ".bin")
			}
			if err := os.WriteFile(outPath, bin, 0o644); err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}
			log.Info("wrote image", "path", outPath, "words", len(bin)/4)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output .bin path (default: input with .bin extension)")
	return cmd
}

func newAsmCmd() *cobra.Command {
	var out string
	var dump bool

	cmd := &cobra.Command{
		Use:   "asm <file.asm>",
		Short: "assemble a source file to a .bin image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage := "read"
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}

			stage = "assemble"
			bin, err := assembler.New().Assemble(string(data))
			if err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}

			stage = "write"
			outPath := out
			if outPath == "" {
				outPath = replaceExt(args[0], ".bin")
			}
			if err := os.WriteFile(outPath, bin, 0o644); err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}
			log.Info("wrote image", "path", outPath, "words", len(bin)/4)

			if dump {
				stage = "disassemble"
				if err := printDisassembly(os.Stdout, bin); err != nil {
					return fmt.Errorf("stage %s: %w", stage, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output .bin path (default: input with .bin extension)")
	cmd.Flags().BoolVarP(&dump, "disassemble", "S", false, "print a disassembly listing of the assembled image")
	return cmd
}

func newRunCmd() *cobra.Command {
	var threads int
	var entry uint32
	var base uint32
	var pngOut string
	var scale int
	var keyboard bool

	cmd := &cobra.Command{
		Use:   "run <file.bin>",
		Short: "load and execute a .bin image on the machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage := "read"
			bin, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}

			fb := display.NewHeadless(320, 200)
			serial := &stdoutSerial{}

			m := machine.New(machine.Config{ThreadCount: threads}, serial, fb)

			stage = "load"
			if err := m.Memory.LoadImage(base, bin); err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}
			m.Boot(entry)

			if keyboard {
				stage = "keyboard"
				kb := display.NewTerminalKeyboard(machineKeySink{m})
				if err := kb.Start(); err != nil {
					return fmt.Errorf("stage %s: %w", stage, err)
				}
				defer kb.Stop()
			}

			stage = "run"
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.Run(ctx, time.Second); err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}
			for _, fault := range m.Faults() {
				log.Warn("thread fault", "thread", fault.Thread, "pc", fault.PC, "err", fault.Err)
			}
			for i := range m.Threads {
				v := m.Inspect(i)
				for _, r := range v.Registers {
					log.Debug("thread state", "thread", v.ThreadID, "halted", v.Halted,
						"interrupts", v.Enabled, "idt", v.IDTBase, "reg", r.Name, "value", r.Value)
				}
			}

			if pngOut != "" {
				stage = "snapshot"
				f, err := os.Create(pngOut)
				if err != nil {
					return fmt.Errorf("stage %s: %w", stage, err)
				}
				defer f.Close()
				if err := fb.WritePNG(f, scale); err != nil {
					return fmt.Errorf("stage %s: %w", stage, err)
				}
				log.Info("wrote framebuffer snapshot", "path", pngOut, "frames", fb.FrameCount())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&threads, "threads", 1, "number of worker threads")
	cmd.Flags().Uint32Var(&entry, "entry", 0, "initial CUR_ADDR for thread 0")
	cmd.Flags().Uint32Var(&base, "base", 0, "memory address to load the image at")
	cmd.Flags().StringVar(&pngOut, "png", "", "write the final framebuffer contents to this PNG path")
	cmd.Flags().IntVar(&scale, "scale", 1, "integer upscale factor for --png (clamped to 1-4)")
	cmd.Flags().BoolVar(&keyboard, "keyboard", false, "put the terminal in raw mode and feed keystrokes to the keyboard peripheral")
	return cmd
}

// machineKeySink forwards terminal key events into the machine's keyboard
// peripheral; release events carry no scancode on this path and are dropped.
type machineKeySink struct{ m *machine.Machine }

func (s machineKeySink) SendKey(ev display.KeyEvent) {
	if ev.Pressed {
		s.m.InjectKey(ev.Scancode)
	}
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file.bin>",
		Short: "print a static disassembly listing of a .bin image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage := "read"
			bin, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}

			stage = "disassemble"
			if err := printDisassembly(os.Stdout, bin); err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}
			return nil
		},
	}
	return cmd
}

func printDisassembly(w *os.File, bin []byte) error {
	lines, err := isa.Disassemble(bin)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintf(w, "%6d: %s\n", l.Addr, l.Text)
	}
	return nil
}

func replaceExt(path, ext string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[:i] + ext
		}
	}
	return path + ext
}

// stdoutSerial forwards the Serial peripheral's flushed lines straight to
// standard out, the run subcommand's default terminal sink.
type stdoutSerial struct{}

func (stdoutSerial) WriteLine(line string) { fmt.Println(line) }
