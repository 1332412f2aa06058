package payments

import (
	"fmt"
	"strconv"
	"strings"
)

// parseMinorUnits converts a decimal major-unit amount ("299.00") into
// minor units (29900).
func parseMinorUnits(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		if strings.Trim(frac[2:], "0") != "" {
			return 0, fmt.Errorf("amount %q has sub-minor precision", s)
		}
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	major, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || major < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	minor, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || minor < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return major*100 + minor, nil
}

// formatMinorUnits renders minor units as a decimal major-unit amount.
func formatMinorUnits(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}
