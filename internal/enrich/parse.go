package enrich

import (
	"regexp"
	"strings"
	"time"
)

var (
	yesNoRe       = regexp.MustCompile(`(?i)^\W*(yes|no)\b`)
	dateTimeRe    = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})[ T](\d{1,2}):(\d{2})`)
	titleRe       = regexp.MustCompile(`(?im)^[\s*#-]*title\**\s*:\**\s*(.+?)\s*$`)
	descriptionRe = regexp.MustCompile(`(?im)^[\s*#-]*description\**\s*:\**\s*(.+?)\s*$`)
)

// ParseYesNo reads a leading yes or no. ok is false when the answer starts
// with neither.
func ParseYesNo(answer string) (yes bool, ok bool) {
	m := yesNoRe.FindStringSubmatch(strings.TrimSpace(answer))
	if m == nil {
		return false, false
	}
	return strings.EqualFold(m[1], "yes"), true
}

// ParseEventDateTime finds the first YYYY-MM-DD HH:MM in answer, read as UTC.
func ParseEventDateTime(answer string) (time.Time, bool) {
	m := dateTimeRe.FindStringSubmatch(answer)
	if m == nil {
		return time.Time{}, false
	}
	hour := m[2]
	if len(hour) == 1 {
		hour = "0" + hour
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", m[1]+" "+hour+":"+m[3], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func ParseTitle(answer string) (string, bool) {
	return firstGroup(titleRe, answer)
}

func ParseDescription(answer string) (string, bool) {
	return firstGroup(descriptionRe, answer)
}

func firstGroup(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	v := strings.Trim(strings.TrimSpace(m[1]), `"*`)
	if v == "" {
		return "", false
	}
	return v, true
}
