package core

import "strconv"

// Wildcard stands for "any digit". Wildcards may only occupy a
// contiguous trailing run of the pattern.
const Wildcard = '#'

// MinPatternLength rejects degenerate patterns at the ingestion boundary.
const MinPatternLength = 4

// WildcardWidth returns the length of the trailing wildcard run.
func WildcardWidth(pattern string) int {
	w := 0
	for i := len(pattern) - 1; i >= 0; i-- {
		if pattern[i] != Wildcard {
			break
		}
		w++
	}
	return w
}

// ValidatePattern checks charset, minimum length and wildcard placement.
// Expansion and matching assume validated input.
func ValidatePattern(pattern string) error {
	const op = "core.ValidatePattern"
	if len(pattern) < MinPatternLength {
		return NewPatternValidationError(pattern, "pattern too short", op)
	}
	inSuffix := false
	digits := 0
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch {
		case ch == '+':
			if i != 0 {
				return NewPatternValidationError(pattern, "'+' allowed only as prefix", op)
			}
		case ch >= '0' && ch <= '9':
			if inSuffix {
				return NewPatternValidationError(pattern, "wildcards must be trailing", op)
			}
			digits++
		case ch == Wildcard:
			inSuffix = true
		default:
			return NewPatternValidationError(pattern, "disallowed character", op)
		}
	}
	if digits == 0 {
		return NewPatternValidationError(pattern, "pattern needs at least one digit", op)
	}
	return nil
}

// CountOf returns the number of phone numbers the pattern covers:
// 10^w for w trailing wildcards. Never materializes the set.
func CountOf(pattern string) uint64 {
	count := uint64(1)
	for range WildcardWidth(pattern) {
		count *= 10
	}
	return count
}

// Expansion is the restartable lazy form of an expanded pattern. It
// supports indexed windows so a dispatcher can walk millions of numbers
// in fixed-size slices without generating prior elements.
type Expansion struct {
	prefix string
	width  int
	count  uint64
}

func Expand(pattern string) Expansion {
	w := WildcardWidth(pattern)
	return Expansion{
		prefix: pattern[:len(pattern)-w],
		width:  w,
		count:  CountOf(pattern),
	}
}

// Count returns the total number of elements.
func (x Expansion) Count() uint64 {
	return x.count
}

// At returns element i: the prefix plus i zero-padded to the wildcard
// width. Elements are in ascending numeric order.
func (x Expansion) At(i uint64) string {
	if x.width == 0 {
		return x.prefix
	}
	s := strconv.FormatUint(i, 10)
	buf := make([]byte, 0, len(x.prefix)+x.width)
	buf = append(buf, x.prefix...)
	for pad := x.width - len(s); pad > 0; pad-- {
		buf = append(buf, '0')
	}
	buf = append(buf, s...)
	return string(buf)
}

// Window returns elements [start, end), clamped to Count.
func (x Expansion) Window(start, end uint64) []string {
	if end > x.count {
		end = x.count
	}
	if start >= end {
		return nil
	}
	res := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		res = append(res, x.At(i))
	}
	return res
}

// Matches is the classification-time predicate: candidate matches
// pattern iff lengths are equal, every non-wildcard position agrees,
// and every wildcard position holds a digit.
func Matches(candidate, pattern string) bool {
	if len(candidate) != len(pattern) {
		return false
	}
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == Wildcard {
			if candidate[i] < '0' || candidate[i] > '9' {
				return false
			}
			continue
		}
		if pattern[i] != candidate[i] {
			return false
		}
	}
	return true
}
