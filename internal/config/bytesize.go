package config

import (
	"fmt"
	"strconv"
	"strings"
)

// byteUnits is ordered so longer suffixes are tried before their prefixes.
var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"KIB", 1 << 10},
	{"MIB", 1 << 20},
	{"GIB", 1 << 30},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"B", 1},
}

// ParseByteSize parses sizes like "64KiB", "1MB" or "4096".
func ParseByteSize(s string) (int64, error) {
	in := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if in == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(in, u.suffix) {
			mult = u.mult
			in = strings.TrimSpace(strings.TrimSuffix(in, u.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(in, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > 0 && n > (1<<63-1)/mult {
		return 0, fmt.Errorf("size overflow %q", s)
	}
	return n * mult, nil
}
