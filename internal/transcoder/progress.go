package transcoder

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ParseProgress reads the key=value blocks ffmpeg writes with
// "-progress pipe:1" and calls emit once per block. A block ends with a
// "progress=continue" or "progress=end" line.
func ParseProgress(r io.Reader, emit func(Progress)) error {
	scanner := bufio.NewScanner(r)
	var cur Progress
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "frame":
			if n, err := strconv.Atoi(value); err == nil {
				cur.Frame = n
			}
		case "fps":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				cur.FPS = f
			}
		case "out_time_us", "out_time_ms":
			// both keys carry microseconds
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
				cur.OutTime = time.Duration(n) * time.Microsecond
			}
		case "out_time":
			if d, err := ParseTimestamp(value); err == nil && cur.OutTime == 0 {
				cur.OutTime = d
			}
		case "speed":
			if f, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil {
				cur.Speed = f
			}
		case "progress":
			cur.Done = value == "end"
			emit(cur)
			cur = Progress{}
		}
	}
	return scanner.Err()
}

// ParseTimestamp converts HH:MM:SS.ffffff into a duration.
func ParseTimestamp(ts string) (time.Duration, error) {
	parts := strings.Split(ts, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q", ts)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hours in %q: %w", ts, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minutes in %q: %w", ts, err)
	}
	s, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid seconds in %q: %w", ts, err)
	}
	total := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	return total + time.Duration(s*float64(time.Second)), nil
}
