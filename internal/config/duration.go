package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is a config field expressed as a Go duration string ("500ms",
// "1m30s"). It validates itself at decode time, so a committed config never
// carries a negative or malformed interval. The zero value means "not set";
// use Or at the read site to apply a default.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf(`duration: want a string like "10s": %w`, err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: invalid %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("duration: %q must be >= 0", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return json.Marshal("")
	}
	return json.Marshal(time.Duration(d).String())
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Or returns def when the field is unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d > 0 {
		return time.Duration(d)
	}
	return def
}
