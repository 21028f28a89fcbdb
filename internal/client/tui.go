package client

import (
	"fmt"
	"strings"

	"telegate/internal/constants"
)

const (
	ColorReset  = constants.ColorReset
	ColorBold   = constants.ColorBold
	ColorDim    = constants.ColorDim
	ColorCyan   = constants.ColorCyan
	ColorGreen  = constants.ColorGreen
	ColorYellow = constants.ColorYellow
	ColorRed    = constants.ColorRed
)

func PrintBanner() {
	fmt.Println()
	fmt.Printf("  %s%stelegate%s %sv%s%s\n", ColorBold, ColorCyan, ColorReset, ColorBold, constants.Version, ColorReset)
	fmt.Printf("  %sTelemetry device simulator%s\n", ColorDim, ColorReset)
	fmt.Println()
}

func PrintHint(text string) {
	fmt.Printf("  %s%s%s\n", ColorDim, text, ColorReset)
}

func PrintStep(text string) {
	fmt.Printf("  %s%s▸%s %s\n", ColorBold, ColorCyan, ColorReset, text)
}

func PrintField(label, value, valueColor string) {
	fmt.Printf("  %s%-12s%s %s%s%s\n", ColorDim, label, ColorReset, valueColor, value, ColorReset)
}

func PrintSep() {
	fmt.Printf("  %s%s%s\n", ColorDim, strings.Repeat("─", 50), ColorReset)
}

// StatusLine summarizes the simulator counters on one line.
func StatusLine(s *Stats) string {
	return fmt.Sprintf("%ssent%s %d  %sacked%s %d  %serrors%s %d  %scommands%s %d",
		ColorDim, ColorReset, s.Sent.Load(),
		ColorDim, ColorReset, s.Acked.Load(),
		ColorDim, ColorReset, s.Errors.Load(),
		ColorDim, ColorReset, s.Commands.Load())
}

func PrintSummary(sim *Simulator) {
	fmt.Println()
	PrintSep()
	PrintField("device", sim.ClientID(), ColorCyan)
	PrintField("sent", fmt.Sprint(sim.Stats.Sent.Load()), ColorReset)
	PrintField("acked", fmt.Sprint(sim.Stats.Acked.Load()), ColorGreen)
	if n := sim.Stats.Errors.Load(); n > 0 {
		PrintField("errors", fmt.Sprint(n), ColorRed)
	}
	PrintField("commands", fmt.Sprint(sim.Stats.Commands.Load()), ColorYellow)
	fmt.Println()
}
