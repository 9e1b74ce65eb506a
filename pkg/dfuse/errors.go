package dfuse

import "fmt"

// ErrorKind classifies a ParseError.
type ErrorKind uint8

const (
	BadSignature ErrorKind = iota + 1
	BadChecksum
	Truncated
	InvalidElement
	BadLength
)

var kindNames = map[ErrorKind]string{
	BadSignature:   "bad signature",
	BadChecksum:    "bad checksum",
	Truncated:      "truncated",
	InvalidElement: "invalid element",
	BadLength:      "bad length",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// ParseError reports a malformed DfuSe file. Offset is the byte offset the
// problem was found at, or -1 when it does not apply to a single position.
type ParseError struct {
	Kind   ErrorKind
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("dfuse: %s at offset %d: %s", e.Kind, e.Offset, e.Msg)
	}
	return fmt.Sprintf("dfuse: %s: %s", e.Kind, e.Msg)
}

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, &ParseError{Kind: BadChecksum}).
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func parseErr(kind ErrorKind, offset int, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}
