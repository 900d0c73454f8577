package xray

import (
	"regexp"
	"strconv"
	"time"
)

// accessLineRe matches accepted-connection lines of the Xray access log:
//
//	2026/03/01 10:00:00.123456 from 1.2.3.4:55000 accepted tcp:... email: tg:42
//
// The "tg:" prefix is canonical; a bare numeric email is tolerated.
var accessLineRe = regexp.MustCompile(
	`^(\d{4}/\d{2}/\d{2}\s+\d{2}:\d{2}:\d{2}\.\d+)\s+.*?\bfrom\s+(\d{1,3}(?:\.\d{1,3}){3}):\d+\s+accepted\b.*?\bemail:\s*(?:tg:)?(\d+)\b`)

// AccessEvent is one accepted connection attributed to a user.
type AccessEvent struct {
	Time     time.Time
	SourceIP string
	TgID     int64
}

// ParseAccessLine extracts an event from one log line. Non-matching lines
// (rejections, DNS lines, foreign emails) return ok=false.
func ParseAccessLine(line string) (AccessEvent, bool) {
	m := accessLineRe.FindStringSubmatch(line)
	if m == nil {
		return AccessEvent{}, false
	}
	ts, err := time.ParseInLocation("2006/01/02 15:04:05.999999", m[1], time.UTC)
	if err != nil {
		return AccessEvent{}, false
	}
	id, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return AccessEvent{}, false
	}
	return AccessEvent{Time: ts, SourceIP: m[2], TgID: id}, true
}

// ParseAccessLines parses a tail batch, dropping events at or before the
// high-water mark, and keeps only the most recent event per user.
func ParseAccessLines(lines []string, highWater time.Time) map[int64]AccessEvent {
	latest := make(map[int64]AccessEvent)
	for _, line := range lines {
		ev, ok := ParseAccessLine(line)
		if !ok {
			continue
		}
		if !ev.Time.After(highWater) {
			continue
		}
		if prev, seen := latest[ev.TgID]; !seen || ev.Time.After(prev.Time) {
			latest[ev.TgID] = ev
		}
	}
	return latest
}
