package output

import (
	"fmt"
	"time"
)

// BuildHeader constructs a traffic line header in the format:
// [DIRECTION][DEVICE][YYYY-MM-DD HH:MM:SS.mmm]
func BuildHeader(direction, device string, timestamp time.Time) string {
	// Format: [to_sim][AFCS][2025-12-03 15:04:05.123]
	return fmt.Sprintf("[%s][%s][%s] ",
		direction,
		device,
		FormatTimestamp(timestamp))
}

// FormatTimestamp formats a timestamp in the required format with milliseconds
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05.000")
}
