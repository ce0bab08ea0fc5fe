package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaskAddress hides the host half of an address for logs and listings.
func MaskAddress(address string) string {
	if address == "" || address == Unknown {
		return address
	}
	if parts := strings.Split(address, "."); len(parts) == 4 {
		return parts[0] + "." + parts[1] + ".xxx.xxx"
	}
	if strings.Contains(address, ":") {
		parts := strings.Split(address, ":")
		return parts[0] + ":" + parts[1] + ":xxxx:xxxx"
	}
	return address
}

// FormatCoordinates renders provider text coordinates as "35.6000°N, 139.6000°E".
// It returns Unknown when either value does not parse.
func FormatCoordinates(lat, lon string) string {
	la, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	lo, err2 := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err1 != nil || err2 != nil || math.IsNaN(la) || math.IsNaN(lo) {
		return Unknown
	}
	latDir, lonDir := "N", "E"
	if la < 0 {
		latDir = "S"
	}
	if lo < 0 {
		lonDir = "W"
	}
	return fmt.Sprintf("%.4f°%s, %.4f°%s", math.Abs(la), latDir, math.Abs(lo), lonDir)
}

// ValidCoordinates reports whether lat and lon parse and fall inside the
// usual ranges.
func ValidCoordinates(lat, lon string) bool {
	la, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	lo, err2 := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err1 != nil || err2 != nil {
		return false
	}
	return la >= -90 && la <= 90 && lo >= -180 && lo <= 180
}
