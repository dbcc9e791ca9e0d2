package grpcutil

import (
	"fmt"
	"strconv"
	"time"
)

// timeoutUnits maps unit suffixes to their durations, ordered smallest
// first. Encoding walks this list and picks the first unit whose converted
// value fits in eight decimal digits, so precision is greedy: two seconds
// encodes as "2000000u".
var timeoutUnits = []struct {
	suffix byte
	unit   time.Duration
}{
	{'n', time.Nanosecond},
	{'u', time.Microsecond},
	{'m', time.Millisecond},
	{'S', time.Second},
	{'M', time.Minute},
	{'H', time.Hour},
}

// the smallest integer with 9 digits
const timeoutCutoff = 100000000

// EncodeTimeout renders a timeout as a grpc-timeout header value: at most
// eight decimal digits followed by a unit character.
func EncodeTimeout(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	for _, u := range timeoutUnits {
		v := int64(d / u.unit)
		if v < timeoutCutoff {
			return strconv.FormatInt(v, 10) + string(u.suffix)
		}
	}
	// 99999999 hours overflows any practical deadline
	return "99999999H"
}

// DecodeTimeout parses a grpc-timeout header value.
func DecodeTimeout(s string) (time.Duration, error) {
	if len(s) < 2 || len(s) > 9 {
		return 0, fmt.Errorf("grpc-timeout: bad format %q", s)
	}
	v, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("grpc-timeout: bad value %q", s)
	}
	suffix := s[len(s)-1]
	for _, u := range timeoutUnits {
		if u.suffix == suffix {
			return time.Duration(v) * u.unit, nil
		}
	}
	return 0, fmt.Errorf("grpc-timeout: invalid unit %q", string(suffix))
}
