package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSchedule turns an operator-facing schedule string into a Trigger.
//
//	"*/5 * * * *", "@daily", "@every 1h"   cron (anything with a space or '@')
//	"55m", "2h30m"                         interval
//	"01:30"                                interval of 1h30m (hours may exceed 23)
//	"cron:EXPR"                            force cron
//	"every:DUR", "interval:DUR"            force interval; DUR may be HH:MM
//	"at:2024-06-01T10:00:00Z"              one-shot date (RFC 3339)
func ParseSchedule(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, errors.New("schedule required")
	}
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		rest = strings.TrimSpace(rest)
		switch strings.ToLower(prefix) {
		case "cron":
			if rest == "" {
				return Trigger{}, errors.New("cron expression required after 'cron:'")
			}
			return Cron(rest), nil
		case "every", "interval":
			d, err := parseEvery(rest)
			if err != nil {
				return Trigger{}, err
			}
			return Interval(d), nil
		case "at":
			at, err := time.Parse(time.RFC3339, rest)
			if err != nil {
				return Trigger{}, fmt.Errorf("invalid date %q (want RFC 3339)", rest)
			}
			return Date(at), nil
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return Cron(s), nil
	}
	d, err := parseEvery(s)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30' or a duration like '55m')", raw)
	}
	return Interval(d), nil
}

// parseEvery accepts a Go duration or HH:MM.
func parseEvery(v string) (time.Duration, error) {
	if v == "" {
		return 0, errors.New("interval required")
	}
	var d time.Duration
	if hs, ms, ok := strings.Cut(v, ":"); ok {
		h, herr := strconv.Atoi(hs)
		m, merr := strconv.Atoi(ms)
		if herr != nil || merr != nil || h < 0 || len(ms) != 2 || m < 0 || m > 59 {
			return 0, fmt.Errorf("invalid HH:MM interval %q", v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

// parseHHMM parses a wall-clock time of day.
func parseHHMM(v string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", v)
	}
	if hour, err = strconv.Atoi(hs); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	if minute, err = strconv.Atoi(ms); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour, minute, nil
}
