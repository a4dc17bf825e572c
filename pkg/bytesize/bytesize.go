// Package bytesize parses and formats byte counts and transfer rates as
// they appear in configuration files and command line flags.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary byte units.
const (
	B   int64 = 1
	KiB int64 = 1024
	MiB int64 = 1024 * KiB
	GiB int64 = 1024 * MiB
	TiB int64 = 1024 * GiB
)

var (
	// sizePattern matches "100MB", "1.5 GiB", "4096".
	sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

	// ratePattern matches "10mbps", "512KiB/s", "1M".
	ratePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z/]*)\s*$`)
)

func unitOf(unit string) (int64, bool) {
	switch strings.ToUpper(unit) {
	case "", "B":
		return B, true
	case "K", "KB", "KI", "KIB":
		return KiB, true
	case "M", "MB", "MI", "MIB":
		return MiB, true
	case "G", "GB", "GI", "GIB":
		return GiB, true
	case "T", "TB", "TI", "TIB":
		return TiB, true
	}
	return 0, false
}

// Parse parses a size such as "100MB", "1.5GiB" or "1024" into bytes.
// Units are binary and case-insensitive; no unit means bytes.
func Parse(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	mult, ok := unitOf(m[2])
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, m[2])
	}
	return int64(v * float64(mult)), nil
}

// Format renders n with the largest binary unit it fills.
func Format(n int64) string {
	units := []struct {
		size int64
		name string
	}{{TiB, "TiB"}, {GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"}}
	for _, u := range units {
		if n >= u.size {
			return fmt.Sprintf("%.2f %s", float64(n)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%d B", n)
}

// ParseRate parses a bandwidth in bytes per second. Bit rates use SI units
// ("8mbps" is one million bytes per second); byte rates use binary units
// with an optional "/s" suffix ("10MiB/s", "512K").
func ParseRate(s string) (int64, error) {
	m := ratePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	unit := strings.ToLower(m[2])
	switch unit {
	case "bps":
		return int64(v / 8), nil
	case "kbps":
		return int64(v * 1e3 / 8), nil
	case "mbps":
		return int64(v * 1e6 / 8), nil
	case "gbps":
		return int64(v * 1e9 / 8), nil
	}
	mult, ok := unitOf(strings.TrimSuffix(unit, "/s"))
	if !ok {
		return 0, fmt.Errorf("invalid rate %q: unknown unit %q", s, m[2])
	}
	return int64(v * float64(mult)), nil
}

// Size is a byte count written as a number of bytes or a string with a
// unit. It works as a YAML value and as a command line flag.
type Size int64

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	v, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = Size(v)
	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return int64(s), nil
}

func (s *Size) Set(v string) error {
	n, err := Parse(v)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string { return Format(int64(s)) }
func (s Size) Type() string   { return "size" }
func (s Size) Bytes() int64   { return int64(s) }

// Rate is a bandwidth in bytes per second. Zero means unlimited.
type Rate int64

func (r *Rate) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*r = Rate(n)
		return nil
	}
	v, err := ParseRate(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*r = Rate(v)
	return nil
}

func (r Rate) MarshalYAML() (any, error) {
	return int64(r), nil
}

func (r *Rate) Set(v string) error {
	n, err := ParseRate(v)
	if err != nil {
		return err
	}
	*r = Rate(n)
	return nil
}

func (r Rate) String() string {
	if r == 0 {
		return "unlimited"
	}
	return Format(int64(r)) + "/s"
}

func (r Rate) Type() string          { return "rate" }
func (r Rate) BytesPerSecond() int64 { return int64(r) }
