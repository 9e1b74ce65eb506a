package memmap

import "fmt"

// ErrorKind classifies a DescriptorError.
type ErrorKind uint8

const (
	UnparseableString ErrorKind = iota + 1
	NoSegments
	BadFunctionalDescriptor
)

var kindNames = map[ErrorKind]string{
	UnparseableString:       "unparseable string",
	NoSegments:              "no segments",
	BadFunctionalDescriptor: "bad functional descriptor",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// DescriptorError reports device descriptor data that cannot be turned into
// a memory map. AltSetting is -1 when the error is not tied to one
// alternate setting.
type DescriptorError struct {
	Kind       ErrorKind
	AltSetting int
	Input      string
	Msg        string
	Err        error
}

func (e *DescriptorError) Error() string {
	s := "memmap: " + e.Kind.String()
	if e.AltSetting >= 0 {
		s += fmt.Sprintf(" (alt %d)", e.AltSetting)
	}
	if e.Input != "" {
		s += fmt.Sprintf(" %q", e.Input)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *DescriptorError) Unwrap() error { return e.Err }

// Is matches on kind alone.
func (e *DescriptorError) Is(target error) bool {
	t, ok := target.(*DescriptorError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
