package utils

import (
	"fmt"
	"math"

	"github.com/nci/gocube/cube"
)

// Mask flags samples for removal based on the value of a designated
// band, typically a pixel quality band. A sample is masked when its
// mask band value, optionally reduced to a set of bits, matches either
// the enumerated Values or the inclusive [Min, Max] range. Invert masks
// the complement instead. Missing mask samples always mask.
type Mask struct {
	Band       string    `json:"band"`
	Values     []float64 `json:"values,omitempty"`
	Min        *float64  `json:"min,omitempty"`
	Max        *float64  `json:"max,omitempty"`
	Bits       []int     `json:"bits,omitempty"`
	Complement bool      `json:"complement,omitempty"`
	Invert     bool      `json:"invert,omitempty"`

	valueSet map[float64]struct{}
	bitMask  uint64
}

func (m *Mask) Validate() error {
	if len(m.Band) == 0 {
		return &cube.ConfigurationError{Field: "mask", Reason: "missing mask band"}
	}
	hasRange := m.Min != nil || m.Max != nil
	if len(m.Values) == 0 && !hasRange {
		return &cube.ConfigurationError{Field: "mask", Reason: "either values or a min/max range is required"}
	}
	if len(m.Values) > 0 && hasRange {
		return &cube.ConfigurationError{Field: "mask", Reason: "values and min/max range are mutually exclusive"}
	}
	if hasRange {
		if m.Min == nil || m.Max == nil {
			return &cube.ConfigurationError{Field: "mask", Reason: "min and max must both be set"}
		}
		if *m.Min > *m.Max {
			return &cube.ConfigurationError{Field: "mask", Reason: fmt.Sprintf("min (%v) must not exceed max (%v)", *m.Min, *m.Max)}
		}
	}
	m.bitMask = 0
	for _, bit := range m.Bits {
		if bit < 0 || bit > 63 {
			return &cube.ConfigurationError{Field: "mask", Reason: fmt.Sprintf("bit position %d out of range", bit)}
		}
		m.bitMask |= uint64(1) << uint(bit)
	}
	if m.Complement && m.bitMask == 0 {
		return &cube.ConfigurationError{Field: "mask", Reason: "complement requires a bit selection"}
	}
	m.valueSet = make(map[float64]struct{}, len(m.Values))
	for _, v := range m.Values {
		m.valueSet[v] = struct{}{}
	}
	return nil
}

// Masks reports whether a sample with mask band value v is removed.
// Validate must have been called first.
func (m *Mask) Masks(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	x := v
	if m.bitMask != 0 {
		u := uint64(int64(v))
		if m.Complement {
			u = ^u
		}
		x = float64(u & m.bitMask)
	}
	var matched bool
	if len(m.valueSet) > 0 {
		_, matched = m.valueSet[x]
	} else {
		matched = x >= *m.Min && x <= *m.Max
	}
	if m.Invert {
		return !matched
	}
	return matched
}
