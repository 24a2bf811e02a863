// Package durfmt formats elapsed session time the way the original
// stm32_uart_prog's format_duration did: dashes-joined d/h/min/s/ms
// components, each coarser unit only appearing once it or a coarser one
// is non-zero, with milliseconds always present.
package durfmt

import (
	"fmt"
	"strings"
	"time"
)

// Format renders d as a "1h-2min-3s-4ms"-style string.
func Format(d time.Duration) string {
	totalMs := d.Milliseconds()
	ms := totalMs % 1000
	totalSec := totalMs / 1000

	days := totalSec / 86400
	rem := totalSec % 86400
	hours := rem / 3600
	rem %= 3600
	minutes := rem / 60
	seconds := rem % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%dmin", minutes))
	}
	if seconds > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	parts = append(parts, fmt.Sprintf("%dms", ms))
	return strings.Join(parts, "-")
}
