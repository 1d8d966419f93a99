package infra

import (
	"fmt"
	"io"
	"strings"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// PrintBanner writes the startup banner. Production is highlighted so a
// developer never points a debug build at real accounts by accident.
func PrintBanner(w io.Writer, cfg *Config) {
	env := strings.ToUpper(cfg.App.Environment)

	color := ColorGreen
	switch env {
	case "PRODUCTION":
		color = ColorRed
	case "STAGING":
		color = ColorYellow
	case "DEVELOPMENT":
		color = ColorCyan
	}

	line := strings.Repeat("#", 59)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s%s%s\n", color, line, ColorReset)
	fmt.Fprintf(w, "%s#   %-53s #%s\n", color, "Market Sync Client Core", ColorReset)
	fmt.Fprintf(w, "%s#   ENV:     %-44s #%s\n", color, env, ColorReset)
	fmt.Fprintf(w, "%s#   BACKEND: %-44s #%s\n", color, truncate(cfg.Backend.BaseURL, 44), ColorReset)
	fmt.Fprintf(w, "%s#   STORAGE: %-44s #%s\n", color, cfg.Storage.Driver, ColorReset)
	fmt.Fprintf(w, "%s#   VERSION: %-44s #%s\n", color, cfg.App.Version, ColorReset)
	fmt.Fprintf(w, "%s%s%s\n", color, line, ColorReset)
	fmt.Fprintln(w)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
