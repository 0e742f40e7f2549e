package cube

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var durationRe = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// Duration is a calendar-aware time step in the ISO-8601 style, such as
// P1M or PT6H. Calendar components advance with time.Time.AddDate so
// that monthly and yearly steps honour month lengths and leap years
// instead of a fixed number of seconds.
type Duration struct {
	Years   int
	Months  int
	Days    int
	Hours   int
	Minutes int
	Seconds int
}

func ParseDuration(str string) (Duration, error) {
	var d Duration
	match := durationRe.FindStringSubmatch(str)
	if match == nil {
		return d, &ConfigurationError{Field: "dt", Reason: fmt.Sprintf("cannot parse duration '%s'", str)}
	}

	fields := []*int{&d.Years, &d.Months, &d.Days, &d.Hours, &d.Minutes, &d.Seconds}
	found := false
	for i, field := range fields {
		if len(match[i+1]) == 0 {
			continue
		}
		val, err := strconv.Atoi(match[i+1])
		if err != nil {
			return Duration{}, &ConfigurationError{Field: "dt", Reason: fmt.Sprintf("cannot parse duration '%s': %v", str, err)}
		}
		*field = val
		found = true
	}
	if !found {
		return d, &ConfigurationError{Field: "dt", Reason: fmt.Sprintf("duration '%s' has no components", str)}
	}
	return d, nil
}

func (d Duration) IsZero() bool {
	return d.Years == 0 && d.Months == 0 && d.Days == 0 &&
		d.Hours == 0 && d.Minutes == 0 && d.Seconds == 0
}

func (d Duration) String() string {
	date := ""
	if d.Years > 0 {
		date += fmt.Sprintf("%dY", d.Years)
	}
	if d.Months > 0 {
		date += fmt.Sprintf("%dM", d.Months)
	}
	if d.Days > 0 {
		date += fmt.Sprintf("%dD", d.Days)
	}

	clock := ""
	if d.Hours > 0 {
		clock += fmt.Sprintf("%dH", d.Hours)
	}
	if d.Minutes > 0 {
		clock += fmt.Sprintf("%dM", d.Minutes)
	}
	if d.Seconds > 0 {
		clock += fmt.Sprintf("%dS", d.Seconds)
	}

	if len(date) == 0 && len(clock) == 0 {
		return "PT0S"
	}
	if len(clock) > 0 {
		return "P" + date + "T" + clock
	}
	return "P" + date
}

// Shift returns t advanced by n steps of d. n may be negative. The
// calendar part is applied as a single AddDate call so that repeated
// bin edges derived from the same origin do not accumulate
// normalisation drift.
func (d Duration) Shift(t time.Time, n int) time.Time {
	out := t
	if d.Years != 0 || d.Months != 0 || d.Days != 0 {
		out = out.AddDate(n*d.Years, n*d.Months, n*d.Days)
	}
	clock := time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Seconds)*time.Second
	if clock != 0 {
		out = out.Add(time.Duration(n) * clock)
	}
	return out
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseDuration(str)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
