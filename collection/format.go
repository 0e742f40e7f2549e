package collection

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	goeval "github.com/edisonguo/govaluate"
	"gopkg.in/yaml.v2"

	"github.com/nci/gocube/cube"
)

// Named capture groups the pattern may use to encode the acquisition
// time of a file. Everything else identifies the scene.
var timeGroups = map[string]bool{
	"year": true, "month": true, "day": true, "julian_day": true,
	"hour": true, "minute": true, "second": true, "iso": true,
}

// BandRule describes how files of one band are recognised and read.
// Pattern assigns files to the band; an empty pattern falls back to a
// band capture group in the format pattern naming the band directly.
// Band is the one-based raster band inside the file, defaulting to 1.
type BandRule struct {
	Pattern string   `yaml:"pattern,omitempty"`
	Band    int      `yaml:"band,omitempty"`
	Type    string   `yaml:"type,omitempty"`
	NoData  *float64 `yaml:"no_data,omitempty"`
	Scale   float64  `yaml:"scale,omitempty"`
	Offset  float64  `yaml:"offset,omitempty"`
	Unit    string   `yaml:"unit,omitempty"`

	re *regexp.Regexp
}

// Format is a collection format: the rules mapping a pile of file
// paths onto bands, acquisition times and scene groupings.
//
// Pattern is matched against the full path. Its named capture groups
// encode the acquisition time (year, month, day, julian_day, hour,
// minute, second, or a single iso group) and any remaining groups
// identify the scene: files agreeing on those groups and on the
// timestamp are indexed as one entry. Filter is an optional boolean
// expression over the capture groups plus path and filename; files it
// rejects are skipped without error. SRS applies to files that do not
// declare their own.
type Format struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	Pattern     string               `yaml:"pattern"`
	SRS         string               `yaml:"srs,omitempty"`
	Filter      string               `yaml:"filter,omitempty"`
	Bands       map[string]*BandRule `yaml:"bands"`

	re        *regexp.Regexp
	filter    *goeval.EvaluableExpression
	bandNames []string
}

// ParseFormat parses and validates a YAML format definition.
func ParseFormat(data []byte) (*Format, error) {
	f := &Format{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, &cube.ConfigurationError{Field: "format", Reason: err.Error()}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadFormat reads a format definition from a YAML file. A missing
// name defaults to the file's base name.
func LoadFormat(path string) (*Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := ParseFormat(data)
	if err != nil {
		return nil, err
	}
	if f.Name == "" {
		base := filepath.Base(path)
		f.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return f, nil
}

// Validate compiles the patterns and the filter expression. It must
// run before Match and is idempotent.
func (f *Format) Validate() error {
	if f.Pattern == "" {
		return &cube.ConfigurationError{Field: "format.pattern", Reason: "missing"}
	}
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return &cube.ConfigurationError{Field: "format.pattern", Reason: err.Error()}
	}
	f.re = re
	if len(f.Bands) == 0 {
		return &cube.ConfigurationError{Field: "format.bands", Reason: "no bands defined"}
	}
	f.bandNames = f.bandNames[:0]
	for name, rule := range f.Bands {
		if rule == nil {
			rule = &BandRule{}
			f.Bands[name] = rule
		}
		if rule.Pattern != "" {
			rule.re, err = regexp.Compile(rule.Pattern)
			if err != nil {
				return &cube.ConfigurationError{Field: "format.bands." + name, Reason: err.Error()}
			}
		}
		f.bandNames = append(f.bandNames, name)
	}
	sort.Strings(f.bandNames)
	if f.Filter != "" {
		f.filter, err = goeval.NewEvaluableExpression(f.Filter)
		if err != nil {
			return &cube.ConfigurationError{Field: "format.filter", Reason: err.Error()}
		}
	}
	return nil
}

// FileMatch is the outcome of matching one file against a format.
type FileMatch struct {
	Path   string
	Band   string
	Rule   *BandRule
	Time   time.Time
	Groups map[string]string
	Scene  string
}

// Match applies the format to one file path. It returns (nil, nil)
// when the path does not match the pattern or the filter rejects it,
// and an *ExtractionError when the path matches but cannot be indexed.
func (f *Format) Match(path string) (*FileMatch, error) {
	m := f.re.FindStringSubmatch(path)
	if m == nil {
		return nil, nil
	}
	groups := make(map[string]string)
	for i, name := range f.re.SubexpNames() {
		if i != 0 && name != "" {
			groups[name] = m[i]
		}
	}

	if f.filter != nil {
		params := make(map[string]interface{}, len(groups)+2)
		for k, v := range groups {
			params[k] = v
		}
		params["path"] = path
		params["filename"] = filepath.Base(path)
		res, err := f.filter.Evaluate(params)
		if err != nil {
			return nil, &ExtractionError{Path: path, Reason: fmt.Sprintf("filter: %v", err)}
		}
		keep, ok := res.(bool)
		if !ok {
			return nil, &ExtractionError{Path: path, Reason: "filter is not boolean"}
		}
		if !keep {
			return nil, nil
		}
	}

	band := ""
	for _, name := range f.bandNames {
		rule := f.Bands[name]
		if rule.re != nil && rule.re.MatchString(path) {
			band = name
			break
		}
	}
	if band == "" {
		if g, ok := groups["band"]; ok {
			if _, ok := f.Bands[g]; ok {
				band = g
			}
		}
	}
	if band == "" {
		return nil, &ExtractionError{Path: path, Reason: "no band rule matches"}
	}

	t, err := parseGroupTime(groups)
	if err != nil {
		return nil, &ExtractionError{Path: path, Reason: err.Error()}
	}

	return &FileMatch{
		Path:   path,
		Band:   band,
		Rule:   f.Bands[band],
		Time:   t,
		Groups: groups,
		Scene:  sceneKey(groups, t),
	}, nil
}

func parseGroupTime(groups map[string]string) (time.Time, error) {
	if iso, ok := groups["iso"]; ok {
		t, err := cube.ParseISOTime(iso)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad iso timestamp %q", iso)
		}
		return t, nil
	}
	if _, ok := groups["year"]; !ok {
		return time.Time{}, fmt.Errorf("pattern has no timestamp fields")
	}
	year, _ := strconv.Atoi(groups["year"])
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, ok := groups["julian_day"]; ok {
		julianDay, _ := strconv.Atoi(groups["julian_day"])
		t = t.Add(time.Hour * 24 * time.Duration(julianDay-1))
	}
	if _, ok := groups["month"]; ok {
		if _, ok := groups["day"]; ok {
			month, _ := strconv.Atoi(groups["month"])
			day, _ := strconv.Atoi(groups["day"])
			t = time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		}
	}
	if _, ok := groups["hour"]; ok {
		hour, _ := strconv.Atoi(groups["hour"])
		t = t.Add(time.Hour * time.Duration(hour))
	}
	if _, ok := groups["minute"]; ok {
		minute, _ := strconv.Atoi(groups["minute"])
		t = t.Add(time.Minute * time.Duration(minute))
	}
	if _, ok := groups["second"]; ok {
		second, _ := strconv.Atoi(groups["second"])
		t = t.Add(time.Second * time.Duration(second))
	}
	return t, nil
}

func sceneKey(groups map[string]string, t time.Time) string {
	var keys []string
	for name := range groups {
		if name == "band" || timeGroups[name] {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(groups[k])
		b.WriteByte(';')
	}
	b.WriteString(t.UTC().Format(cube.ISOFormat))
	return b.String()
}
