// Package groups parses the compact orchestration group syntax into an
// intermediate representation of ordered segments.
//
// The grammar:
//
//	spec  := phase ("->" phase)*
//	phase := node ("," node)*
//
// Commas list nodes that run in parallel; "->" is a barrier. A segment
// wrapped in auto(...) asks for dependency inference instead of an
// explicit ordering. A bare whitespace-separated list is one auto
// segment when inference is enabled and an error otherwise.
//
// The parser never touches the work-item registry: tokens are carried
// through as written and resolved to canonical ids in a later stage.
package groups

import (
	"regexp"
	"strings"
)

type SegmentKind string

const (
	SegmentExplicit SegmentKind = "explicit"
	SegmentAuto     SegmentKind = "auto"
)

// Token is one node identifier with its character offset in the
// original expression, kept for error reporting downstream.
type Token struct {
	Text   string
	Offset int
}

// Segment is one phase-expression segment in declaration order.
type Segment struct {
	Kind   SegmentKind
	Tokens []Token
}

// IR is the parsed form of a group expression.
type IR struct {
	Expression string
	Segments   []Segment
}

// Options controls parsing behavior.
type Options struct {
	// Infer allows a bare identifier list to become a single auto
	// segment instead of failing as ambiguous.
	Infer bool
}

const separator = "->"

var tokenRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+(?:/[A-Za-z0-9_.-]+)*$`)

// fallbackExample is shown when nothing usable survives from the input.
const fallbackExample = "220,221 -> 222"

type rawSegment struct {
	text  string // segment text, separators excluded
	start int    // offset of text in the expression
	sep   int    // offset of the separator preceding this segment, -1 for the first
}

// Parse turns a group expression into its IR. Parsing is deterministic:
// the same expression and options always yield an identical IR.
func Parse(expr string, opts Options) (*IR, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, &EmptyExpressionError{Example: fallbackExample}
	}

	raw := splitSegments(expr)
	if err := checkBarriers(expr, raw); err != nil {
		return nil, err
	}

	ir := &IR{Expression: expr}
	seen := map[string]int{} // normalized token -> segment index of first use

	for i, rs := range raw {
		seg, err := parseSegment(expr, rs, len(raw), opts)
		if err != nil {
			return nil, err
		}

		// In-segment duplicates dedupe silently; a repeat in a later
		// segment contradicts the barrier structure and is an error.
		var kept []Token
		inSegment := map[string]bool{}
		for _, tok := range seg.Tokens {
			key := tok.Text
			if inSegment[key] {
				continue
			}
			if prev, ok := seen[key]; ok && prev != i {
				return nil, &CrossPhaseDuplicateError{
					Token:   tok.Text,
					Offset:  tok.Offset,
					Example: cleanedExample(expr),
				}
			}
			inSegment[key] = true
			seen[key] = i
			kept = append(kept, tok)
		}
		seg.Tokens = kept
		ir.Segments = append(ir.Segments, seg)
	}

	return ir, nil
}

// splitSegments cuts the expression at each "->", preserving offsets.
func splitSegments(expr string) []rawSegment {
	var out []rawSegment
	start := 0
	sep := -1
	for i := 0; i+len(separator) <= len(expr); i++ {
		if expr[i:i+len(separator)] == separator {
			out = append(out, rawSegment{text: expr[start:i], start: start, sep: sep})
			sep = i
			i += len(separator) - 1
			start = i + 1
		}
	}
	out = append(out, rawSegment{text: expr[start:], start: start, sep: sep})
	return out
}

func checkBarriers(expr string, raw []rawSegment) error {
	if len(raw) == 1 {
		return nil
	}
	for i, rs := range raw {
		if strings.TrimSpace(rs.text) != "" {
			continue
		}
		switch {
		case i == 0:
			return &MissingInitialPhaseError{
				Offset:  raw[1].sep,
				Example: cleanedExample(expr),
			}
		case i == len(raw)-1:
			return &TrailingSeparatorError{
				Offset:  rs.sep,
				Example: cleanedExample(expr),
			}
		default:
			return &EmptyPhaseError{
				Offset:  rs.start,
				Example: cleanedExample(expr),
			}
		}
	}
	return nil
}

func parseSegment(expr string, rs rawSegment, totalSegments int, opts Options) (Segment, error) {
	trimmed := strings.TrimSpace(rs.text)

	if inner, innerStart, ok := autoWrapper(rs); ok {
		tokens, err := tokenizeLoose(expr, inner, innerStart)
		if err != nil {
			return Segment{}, err
		}
		return Segment{Kind: SegmentAuto, Tokens: tokens}, nil
	}

	// A single whitespace-separated list with no commas has no explicit
	// structure at all: only inference can give it one.
	if totalSegments == 1 && !strings.Contains(trimmed, ",") && len(strings.Fields(trimmed)) > 1 {
		if opts.Infer {
			tokens, err := tokenizeLoose(expr, rs.text, rs.start)
			if err != nil {
				return Segment{}, err
			}
			return Segment{Kind: SegmentAuto, Tokens: tokens}, nil
		}
		return Segment{}, &AmbiguousInputError{
			Offset:  rs.start + indexOfNonSpace(rs.text),
			Example: cleanedExample(expr),
		}
	}

	tokens, err := tokenizeExplicit(expr, rs)
	if err != nil {
		return Segment{}, err
	}
	return Segment{Kind: SegmentExplicit, Tokens: tokens}, nil
}

// autoWrapper recognizes "auto( ... )" around a segment and returns the
// inner text with its offset.
func autoWrapper(rs rawSegment) (string, int, bool) {
	trimmed := strings.TrimSpace(rs.text)
	if !strings.HasPrefix(trimmed, "auto(") || !strings.HasSuffix(trimmed, ")") {
		return "", 0, false
	}
	lead := indexOfNonSpace(rs.text)
	inner := trimmed[len("auto(") : len(trimmed)-1]
	return inner, rs.start + lead + len("auto("), true
}

// tokenizeExplicit splits a comma-separated phase, flagging empty nodes.
// Whitespace beside a comma is insignificant; whitespace between two
// identifiers in the same comma item also separates parallel nodes,
// matching how multi-phase expressions have always been written.
func tokenizeExplicit(expr string, rs rawSegment) ([]Token, error) {
	var tokens []Token
	pieceStart := 0
	text := rs.text
	for i := 0; i <= len(text); i++ {
		if i < len(text) && text[i] != ',' {
			continue
		}
		piece := text[pieceStart:i]
		if strings.TrimSpace(piece) == "" {
			return nil, &EmptyNodeError{
				Offset:  rs.start + pieceStart,
				Example: cleanedExample(expr),
			}
		}
		fieldTokens, err := tokenizeLoose(expr, piece, rs.start+pieceStart)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, fieldTokens...)
		pieceStart = i + 1
	}
	return tokens, nil
}

// tokenizeLoose splits on whitespace and commas, validating each token.
func tokenizeLoose(expr, text string, base int) ([]Token, error) {
	var tokens []Token
	i := 0
	for i < len(text) {
		if isSeparatorByte(text[i]) {
			i++
			continue
		}
		start := i
		for i < len(text) && !isSeparatorByte(text[i]) {
			i++
		}
		word := text[start:i]
		if !tokenRe.MatchString(word) {
			return nil, &InvalidTokenError{
				Token:   word,
				Offset:  base + start,
				Example: cleanedExample(expr),
			}
		}
		tokens = append(tokens, Token{Text: word, Offset: base + start})
	}
	return tokens, nil
}

func isSeparatorByte(b byte) bool {
	return b == ' ' || b == '\t' || b == ','
}

func indexOfNonSpace(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' && s[i] != '\t' {
			return i
		}
	}
	return 0
}

// cleanedExample rebuilds the nearest valid expression from whatever
// identifiers the input contains, for use in error messages.
func cleanedExample(expr string) string {
	var phases []string
	seen := map[string]bool{}
	for _, segment := range strings.Split(expr, separator) {
		var ids []string
		for _, word := range strings.FieldsFunc(segment, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		}) {
			if word == "" || !tokenRe.MatchString(word) || seen[word] {
				continue
			}
			seen[word] = true
			ids = append(ids, word)
		}
		if len(ids) > 0 {
			phases = append(phases, strings.Join(ids, ","))
		}
	}
	if len(phases) == 0 {
		return fallbackExample
	}
	return strings.Join(phases, " -> ")
}
