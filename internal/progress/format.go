package progress

import (
	"fmt"
	"strings"
	"time"
)

func humanBytes(n float64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := 0
	for n >= 1024 && i < len(units)-1 {
		n /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f %s", n, units[i])
	}
	return fmt.Sprintf("%.1f %s", n, units[i])
}

func humanRate(bps float64) string {
	return humanBytes(bps) + "/s"
}

func clock(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}

func bar(percent float64, width int) string {
	percent = min(max(percent, 0), 100)
	filled := min(int(percent/100*float64(width)), width)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
