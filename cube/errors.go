package cube

import "fmt"

// ConfigurationError reports an invalid parameter or an invalid
// combination of parameters supplied when constructing views, cubes or
// operators.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ShapeMismatchError reports an operator input or a callable result
// whose dimensions violate the operator contract.
type ShapeMismatchError struct {
	Op   string
	Want string
	Got  string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %s, got %s", e.Op, e.Want, e.Got)
}

// NumericFault reports an error or a recovered panic escaping a
// user-supplied callable. Faults inside band expressions never surface
// here; they degrade the affected samples to missing data instead.
type NumericFault struct {
	Op  string
	Err error
}

func (e *NumericFault) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NumericFault) Unwrap() error { return e.Err }

// IOFault reports a dataset read or warp failure. Materialisation
// degrades the affected samples to missing data and records the fault
// rather than failing the whole chunk.
type IOFault struct {
	Path string
	Err  error
}

func (e *IOFault) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *IOFault) Unwrap() error { return e.Err }
