package groups

import "fmt"

// Each syntax error names the offending token, its character offset in
// the original expression, and a corrected example the caller can show
// verbatim. No run is ever created from an expression that fails here.

type EmptyNodeError struct {
	Offset  int
	Example string
}

func (e *EmptyNodeError) Error() string {
	return fmt.Sprintf("empty node at offset %d (doubled separator); example: %q", e.Offset, e.Example)
}

type EmptyPhaseError struct {
	Offset  int
	Example string
}

func (e *EmptyPhaseError) Error() string {
	return fmt.Sprintf("empty phase between barriers at offset %d; example: %q", e.Offset, e.Example)
}

type MissingInitialPhaseError struct {
	Offset  int
	Example string
}

func (e *MissingInitialPhaseError) Error() string {
	return fmt.Sprintf("barrier before any phase at offset %d; example: %q", e.Offset, e.Example)
}

type TrailingSeparatorError struct {
	Offset  int
	Example string
}

func (e *TrailingSeparatorError) Error() string {
	return fmt.Sprintf("trailing separator with nothing following at offset %d; example: %q", e.Offset, e.Example)
}

type CrossPhaseDuplicateError struct {
	Token   string
	Offset  int
	Example string
}

func (e *CrossPhaseDuplicateError) Error() string {
	return fmt.Sprintf("node %q at offset %d already appears in an earlier phase; example: %q", e.Token, e.Offset, e.Example)
}

type InvalidTokenError struct {
	Token   string
	Offset  int
	Example string
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid node token %q at offset %d; example: %q", e.Token, e.Offset, e.Example)
}

// AmbiguousInputError is returned for a bare whitespace-separated list
// when inference is disabled: without "->" or commas there is no way to
// tell whether the caller wanted one phase or an inferred ordering.
type AmbiguousInputError struct {
	Offset  int
	Example string
}

func (e *AmbiguousInputError) Error() string {
	return fmt.Sprintf("ambiguous input at offset %d: use commas for one parallel phase, \"->\" for ordering, or enable inference; example: %q", e.Offset, e.Example)
}

type EmptyExpressionError struct {
	Example string
}

func (e *EmptyExpressionError) Error() string {
	return fmt.Sprintf("group expression is empty; example: %q", e.Example)
}

// CleanedExample rewrites an expression into a corrected example with
// duplicate and malformed tokens dropped, for errors raised after
// parsing, such as duplicates only visible once tokens resolve.
func CleanedExample(expr string) string {
	return cleanedExample(expr)
}

// IsSyntaxError reports whether err is one of this package's expression
// syntax errors.
func IsSyntaxError(err error) bool {
	switch err.(type) {
	case *EmptyNodeError, *EmptyPhaseError, *MissingInitialPhaseError,
		*TrailingSeparatorError, *CrossPhaseDuplicateError,
		*InvalidTokenError, *AmbiguousInputError, *EmptyExpressionError:
		return true
	}
	return false
}
