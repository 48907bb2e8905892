package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// normalizeSpec turns a housekeeping schedule into a cron spec.
//
// Accepted forms:
//   - cron: "0 * * * *", "@hourly", "@every 30m"
//   - Go duration: "30m", "2h"
//   - HH:MM interval: "01:30"
//   - "off", "none", "-" or "": disabled
func normalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "", "off", "none", "-":
		return "", nil
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		if _, err := cronParser.Parse(s); err != nil {
			return "", fmt.Errorf("invalid cron spec %q: %w", s, err)
		}
		return s, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("invalid minutes in %q", s)
		}
		return every(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '0 * * * *', HH:MM like '01:30', or a duration like '1h')", raw)
	}
	return every(d)
}

func every(d time.Duration) (string, error) {
	if d <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return "@every " + d.String(), nil
}
