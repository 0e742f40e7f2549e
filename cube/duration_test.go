package cube

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		str  string
		want Duration
	}{
		{"P1Y", Duration{Years: 1}},
		{"P2M", Duration{Months: 2}},
		{"P10D", Duration{Days: 10}},
		{"PT6H", Duration{Hours: 6}},
		{"PT30M", Duration{Minutes: 30}},
		{"PT15S", Duration{Seconds: 15}},
		{"P1Y6M", Duration{Years: 1, Months: 6}},
		{"P1DT12H", Duration{Days: 1, Hours: 12}},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.str)
		if err != nil {
			t.Fatalf("ParseDuration(%s): %v", c.str, err)
		}
		if got != c.want {
			t.Errorf("ParseDuration(%s) = %+v, want %+v", c.str, got, c.want)
		}
		if got.String() != c.str {
			t.Errorf("String() round trip of %s = %s", c.str, got.String())
		}
	}
}

func TestParseDurationInvalid(t *testing.T) {
	for _, str := range []string{"", "P", "PT", "1M", "P1X", "P-1D", "PT1H30X"} {
		if _, err := ParseDuration(str); err == nil {
			t.Errorf("ParseDuration(%s) expected to fail", str)
		}
	}
}

func TestDurationShiftCalendar(t *testing.T) {
	jan := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	d := Duration{Months: 1}
	if got := d.Shift(jan, 1); !got.Equal(time.Date(2018, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("P1M from 2018-01-01 = %v", got)
	}
	// monthly steps honour February's length
	if got := d.Shift(jan, 2); !got.Equal(time.Date(2018, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("2 x P1M from 2018-01-01 = %v", got)
	}

	y := Duration{Years: 1}
	leap := time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC)
	if got := y.Shift(leap, 1); !got.Equal(time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("P1Y from 2020-02-29 = %v", got)
	}

	h := Duration{Hours: 6}
	if got := h.Shift(jan, 4); !got.Equal(time.Date(2018, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("4 x PT6H from 2018-01-01 = %v", got)
	}
	if got := d.Shift(jan, -1); !got.Equal(time.Date(2017, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("-1 x P1M from 2018-01-01 = %v", got)
	}
}
