package sentinelzero

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ParseDuration parses the wire duration format of spec §6.4: concatenated
// integer-and-unit segments ("1h30m", "45s", "2d"), units s/m/h/d, with a
// bare integer meaning seconds. Grounded on
// original_source/src/utils/time_parser.py and
// original_source/src/core/scheduler.py's _parse_interval, generalized from
// a single unit to concatenated segments.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	var total time.Duration
	var numStart int
	sawSegment := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			continue
		}

		if i == numStart {
			return 0, errors.Errorf("invalid duration %q: expected digits before unit", s)
		}

		n, err := strconv.ParseInt(s[numStart:i], 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid duration %q", s)
		}

		unit, err := durationUnit(c)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid duration %q", s)
		}

		total += time.Duration(n) * unit
		sawSegment = true
		numStart = i + 1
	}

	if !sawSegment || numStart != len(s) {
		return 0, errors.Errorf("invalid duration %q", s)
	}

	return total, nil
}

func durationUnit(c byte) (time.Duration, error) {
	switch c {
	case 's':
		return time.Second, nil
	case 'm':
		return time.Minute, nil
	case 'h':
		return time.Hour, nil
	case 'd':
		return 24 * time.Hour, nil
	default:
		return 0, errors.Errorf("unknown duration unit %q", string(c))
	}
}

// FormatDuration renders d back into the wire format, picking the largest
// units first and omitting zero segments. Used for persisted/round-tripped
// configuration values and for describe() responses.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	neg := d < 0
	if neg {
		d = -d
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}

	units := []struct {
		unit time.Duration
		c    byte
	}{
		{24 * time.Hour, 'd'},
		{time.Hour, 'h'},
		{time.Minute, 'm'},
		{time.Second, 's'},
	}

	for _, u := range units {
		if d < u.unit {
			continue
		}
		n := d / u.unit
		d -= n * u.unit
		b.WriteString(strconv.FormatInt(int64(n), 10))
		b.WriteByte(u.c)
	}

	return b.String()
}
