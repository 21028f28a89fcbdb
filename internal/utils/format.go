package utils

import (
	"fmt"
	"time"

	"telegate/internal/constants"
)

func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	if hours == 0 {
		if minutes == 0 {
			return fmt.Sprintf("%d seconds", int(d.Seconds()))
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	if minutes == 0 {
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	if hours == 1 {
		return fmt.Sprintf("1 hour %d minutes", minutes)
	}
	return fmt.Sprintf("%d hours %d minutes", hours, minutes)
}

// FormatLog returns a standardized console line for one frame.
// If emoji is empty, it is selected from the code.
func FormatLog(emoji string, kind string, code int, detail string) string {
	if emoji == "" {
		if code >= 200 && code < 300 {
			emoji = "✅"
		} else if code >= 400 {
			emoji = "❌"
		} else {
			emoji = "📥"
		}
	}

	return fmt.Sprintf("  %s %s%s %d %s%s\n",
		emoji,
		constants.ColorDim,
		kind,
		code,
		detail,
		constants.ColorReset,
	)
}
