// Command symi compiles Symi source files: tokenize, parse/expand/
// resolve to an event list, or export a Standard MIDI File.
//
// playNote and setVolume from the host interface are deliberately
// absent here: both talk to an external synth/mixer and aren't part
// of the compiler's testable surface.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/RikaKagurasaka/symi/diag"
	"github.com/RikaKagurasaka/symi/midiexport"
	"github.com/RikaKagurasaka/symi/resolve"
	"github.com/RikaKagurasaka/symi/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	jsonOutput bool
	store      = session.New(nil)
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "symi",
		Short: "Compile and inspect Symi microtonal notation source",
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON instead of human-readable text")

	root.AddCommand(
		tokensCmd(),
		diagnosticsCmd(),
		eventsCmd(),
		validateMidiExportCmd(),
		exportMidiCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func loadFile(fileId string) (string, error) {
	data, err := os.ReadFile(fileId)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", fileId, err)
	}
	return string(data), nil
}

func compileFile(fileId string) []diag.Diagnostic {
	source, err := loadFile(fileId)
	if err != nil {
		log.Fatal("could not load source", "file", fileId, "err", err)
	}
	return store.FileUpdate(fileId, source)
}

func printDiagnostics(diags []diag.Diagnostic) {
	if jsonOutput {
		emitJSON(diags)
		return
	}
	for _, d := range diags {
		fmt.Println(d.String())
	}
}

func emitJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatal("marshaling JSON output", "err", err)
	}
	fmt.Println(string(data))
}

func tokensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tokens <file>",
		Short: "Print the token stream",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fileId := args[0]
			diags := compileFile(fileId)
			toks, _ := store.GetTokens(fileId)

			if jsonOutput {
				type tok struct {
					Kind string `json:"kind"`
					From int    `json:"from"`
					To   int    `json:"to"`
				}
				out := make([]tok, len(toks))
				for i, t := range toks {
					out[i] = tok{Kind: t.Kind.String(), From: t.From, To: t.To}
				}
				emitJSON(out)
				return
			}
			for _, t := range toks {
				fmt.Printf("%-12s %d..%d %q\n", t.Kind, t.From, t.To, t.Text)
			}
			printDiagnostics(diags)
		},
	}
}

func diagnosticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics <file>",
		Short: "Run the full pipeline and print diagnostics",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			diags := compileFile(args[0])
			printDiagnostics(diags)
			if hasError(diags) {
				os.Exit(1)
			}
		},
	}
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <file>",
		Short: "Print the resolved event list",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fileId := args[0]
			diags := compileFile(fileId)
			events, _ := store.GetEvents(fileId)

			if jsonOutput {
				emitJSON(events)
				return
			}
			for _, e := range events {
				switch e.Kind {
				case resolve.KindNote:
					if e.HasPitchRatio {
						fmt.Printf("note  start=%.6fs dur=%.6fs freq=%.3fHz pitchRatio=%.6f\n", e.StartSec, e.DurationSec, e.Freq, e.PitchRatio)
					} else {
						fmt.Printf("note  start=%.6fs dur=%.6fs freq=%.3fHz\n", e.StartSec, e.DurationSec, e.Freq)
					}
				case resolve.KindNewMeasure:
					fmt.Printf("bar   start=%.6fs bar=%d\n", e.StartSec, e.Bar)
				case resolve.KindBaseFreqDef:
					fmt.Printf("base  start=%.6fs freq=%.3fHz\n", e.StartSec, e.BaseFreq)
				}
			}
			printDiagnostics(diags)
		},
	}
}

func midiOptionsFromFlags(cmd *cobra.Command) midiexport.Options {
	opts := midiexport.DefaultOptions()
	if v, err := cmd.Flags().GetInt("bend-range"); err == nil && v > 0 {
		opts.PitchBendRangeSemitones = v
	}
	if v, err := cmd.Flags().GetInt("ticks-per-quarter"); err == nil && v > 0 {
		opts.TicksPerQuarter = uint16(v)
	}
	if v, err := cmd.Flags().GetFloat64("time-tolerance"); err == nil && v > 0 {
		opts.TimeToleranceSec = v
	}
	if v, err := cmd.Flags().GetFloat64("pitch-tolerance"); err == nil && v > 0 {
		opts.PitchToleranceCents = v
	}
	return opts
}

func addMidiOptionFlags(cmd *cobra.Command) {
	cmd.Flags().Int("bend-range", 0, "pitch bend range in semitones (default 2)")
	cmd.Flags().Int("ticks-per-quarter", 0, "MIDI ticks per quarter note (default 480)")
	cmd.Flags().Float64("time-tolerance", 0, "round-trip time tolerance in seconds (default 0.002)")
	cmd.Flags().Float64("pitch-tolerance", 0, "round-trip pitch tolerance in cents (default 1)")
}

func validateMidiExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-midi-export <file>",
		Short: "Check whether a file can be exported to MIDI without producing it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fileId := args[0]
			compileDiags := compileFile(fileId)
			if hasError(compileDiags) {
				printDiagnostics(compileDiags)
				os.Exit(1)
			}
			events, _ := store.GetEvents(fileId)
			opts := midiOptionsFromFlags(cmd)

			_, diags := midiexport.Export(events, opts)
			if len(diags) > 0 {
				printDiagnostics(diags)
				os.Exit(1)
			}
			if jsonOutput {
				emitJSON(map[string]string{"status": "ok"})
			} else {
				fmt.Println("ok")
			}
		},
	}
	addMidiOptionFlags(cmd)
	return cmd
}

func exportMidiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-midi <file> <out.mid>",
		Short: "Export a Symi source file to a Standard MIDI File",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			fileId, targetPath := args[0], args[1]
			compileDiags := compileFile(fileId)
			if hasError(compileDiags) {
				printDiagnostics(compileDiags)
				os.Exit(1)
			}
			events, _ := store.GetEvents(fileId)
			opts := midiOptionsFromFlags(cmd)

			data, diags := midiexport.Export(events, opts)
			if len(diags) > 0 {
				printDiagnostics(diags)
				os.Exit(1)
			}

			if err := writeAtomic(targetPath, data); err != nil {
				log.Fatal("writing MIDI file", "path", targetPath, "err", err)
			}
			if jsonOutput {
				emitJSON(map[string]string{"status": "ok", "path": targetPath})
			} else {
				fmt.Printf("wrote %s (%d bytes)\n", targetPath, len(data))
			}
		},
	}
	addMidiOptionFlags(cmd)
	return cmd
}

// writeAtomic writes data to a temp file in the same directory and
// renames it into place, so a failed write never leaves a partial
// file at targetPath (spec §5).
func writeAtomic(targetPath string, data []byte) error {
	tmp, err := os.CreateTemp(dirOf(targetPath), ".symi-export-*.mid")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), targetPath)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func hasError(diags []diag.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == diag.Error {
			return true
		}
	}
	return false
}
