// Package chunker splits engine output into ordered, transport-sized message segments.
//
// Splitting is a lossless repartition: concatenating the returned segments (minus the
// optional "i/n " numbering prefix) reproduces the input exactly. Segments are only ever cut
// between tokens, where a token is one word plus the non-word run that follows it.
package chunker

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	// DefaultMaxLength is the feed's message length limit, in code points.
	DefaultMaxLength = 280

	// numberingReserve fits "NN/NN " in front of every segment.
	numberingReserve = 6
)

// ErrTokenTooLarge is matched (errors.Is) by every *TokenTooLargeError.
var ErrTokenTooLarge = errors.New("chunker: token does not fit segment budget")

// TokenTooLargeError reports a token that cannot fit into any segment.
type TokenTooLargeError struct {
	Token  string
	Length int
	Budget int
}

func (e *TokenTooLargeError) Error() string {
	return fmt.Sprintf("chunker: token of length %d does not fit budget %d: %q", e.Length, e.Budget, e.Token)
}

func (e *TokenTooLargeError) Is(target error) bool {
	return target == ErrTokenTooLarge
}

// Split packs text into segments no longer than maxLength.
//
// Text that already fits is returned as a single segment, without numbering. Otherwise tokens
// are packed greedily while len(segment+token) < budget, where the budget is maxLength minus
// the numbering reserve. When numbering is enabled each segment is prefixed with "i/n " once the
// final count is known. The reserve starts at 6 characters and is widened if the count needs
// more than two digits, in which case packing is redone with the smaller budget. A token of
// budget length or more cannot be placed anywhere and fails with ErrTokenTooLarge.
func Split(text string, maxLength int, numbering bool) ([]string, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if utf8.RuneCountInString(text) <= maxLength {
		return []string{text}, nil
	}

	tokens := Tokenize(text)
	reserve := 0
	if numbering {
		reserve = numberingReserve
	}

	for {
		budget := maxLength - reserve
		segments, err := pack(tokens, budget)
		if err != nil {
			return nil, err
		}
		if !numbering {
			return segments, nil
		}
		if need := prefixWidth(len(segments)); need > reserve {
			reserve = need
			continue
		}
		return number(segments), nil
	}
}

// Tokenize cuts text into word-plus-trailing-separator runs. A leading separator run is kept
// on the first token, so strings.Join(Tokenize(s), "") == s for every s.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}

	tokens := []string{}
	start := 0
	i := 0
	// the leading separator run belongs to the first token
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if isWordRune(r) {
			break
		}
		i += size
	}
	for i < len(text) {
		for i < len(text) {
			r, size := utf8.DecodeRuneInString(text[i:])
			if !isWordRune(r) {
				break
			}
			i += size
		}
		for i < len(text) {
			r, size := utf8.DecodeRuneInString(text[i:])
			if isWordRune(r) {
				break
			}
			i += size
		}
		tokens = append(tokens, text[start:i])
		start = i
	}
	if start < len(text) {
		tokens = append(tokens, text[start:])
	}
	return tokens
}

// StripNumbering removes a leading "i/n " prefix produced by Split.
func StripNumbering(segment string) string {
	slash := strings.IndexByte(segment, '/')
	space := strings.IndexByte(segment, ' ')
	if slash <= 0 || space <= slash+1 {
		return segment
	}
	if _, err := strconv.Atoi(segment[:slash]); err != nil {
		return segment
	}
	if _, err := strconv.Atoi(segment[slash+1 : space]); err != nil {
		return segment
	}
	return segment[space+1:]
}

func pack(tokens []string, budget int) ([]string, error) {
	// a lone token must also stay strictly under the budget
	for _, tok := range tokens {
		if n := utf8.RuneCountInString(tok); n >= budget {
			return nil, &TokenTooLargeError{Token: tok, Length: n, Budget: budget}
		}
	}

	segments := []string{}
	var cur strings.Builder
	curLen := 0
	for _, tok := range tokens {
		n := utf8.RuneCountInString(tok)
		if curLen == 0 || curLen+n < budget {
			cur.WriteString(tok)
			curLen += n
			continue
		}
		segments = append(segments, cur.String())
		cur.Reset()
		cur.WriteString(tok)
		curLen = n
	}
	if curLen > 0 {
		segments = append(segments, cur.String())
	}
	return segments, nil
}

func number(segments []string) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = fmt.Sprintf("%d/%d %s", i+1, len(segments), s)
	}
	return out
}

// prefixWidth is the widest "i/n " prefix for n segments.
func prefixWidth(n int) int {
	d := len(strconv.Itoa(n))
	return 2*d + 2
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
