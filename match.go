package okserial

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Matcher is a parsed expression for identifying serial ports of interest.
//
// An expression is whitespace-separated terms, all of which must be
// satisfied. Each term is one of:
//
//	value           any attribute contains "value" as a whole word
//	attr=value      the named attribute equals "value" exactly
//	~/regex/        any attribute value contains a match of the regex
//	attr~/regex/    likewise, restricted to the named attribute
//
// Values may use * and ? glob wildcards, quotes to protect whitespace
// (wildcards stay live inside quotes), and backslash escapes. A value that
// looks like a number (decimal, 0x/0b/0o prefixed, or h-suffixed hex)
// matches that quantity in any base or zero padding. Attribute names select
// by prefix, so "serial=..." covers serial_number. A leading ! inverts a
// term: no attribute value may match. Everything but ~/regex/ bodies is
// case-insensitive, and an empty expression matches every port.
type Matcher struct {
	input string
	rules []matchRule
}

// matchRule is one parsed term: an attribute-key prefix ("" for any key)
// plus a value regexp, possibly inverted.
type matchRule struct {
	prefix string
	rx     *regexp.Regexp
	inv    bool
}

func (r matchRule) anyValue(attr map[string]string) bool {
	for k, v := range attr {
		if strings.HasPrefix(strings.ToLower(k), r.prefix) && r.rx.MatchString(v) {
			return true
		}
	}
	return false
}

// termRe classifies one whitespace-delimited term (quotes and regex bodies
// may hide whitespace; nextTerm handles that when splitting).
var termRe = regexp.MustCompile(`(?i)\A(?:` +
	// [1]attr [2]! ~/ [3]regex /
	`([a-z_]*)(!?)~/((?:\\.|[^\\/])*)/|` +
	// ( [4]attr [5]! = | [6]! ) then a quoted [7], numeric [8], or bare [9] value
	`(?:([a-z_]+)(!?)=|(!?))(?:` +
	`["']((?:\\.|[^\\"'])*)["']|` +
	`(0b[01]+|0o[0-7]+|[0-9]+|0x[0-9a-f]+|[0-9a-f]+h)|` +
	`((?:\\.|[^\s\\!"'=~])+)` +
	`))\z`)

// NewMatcher parses a match expression, failing with ErrBadMatcher on
// malformed syntax. Parsing is the only time matching can fail; Matches
// and Filter never do.
func NewMatcher(expr string) (*Matcher, error) {
	m := &Matcher{input: expr}
	pos := 0
	for {
		start, end := nextTerm(expr, pos)
		if start == end {
			break // only whitespace remained
		}
		rule, err := ruleFromTerm(expr, start, end)
		if err != nil {
			return nil, err
		}
		m.rules = append(m.rules, rule)
		pos = end
	}
	return m, nil
}

// nextTerm finds the extent of the next term at or after pos: skips leading
// whitespace, then runs to the next whitespace not inside quotes or a
// ~/regex/ body. start == end means only whitespace remained.
func nextTerm(expr string, pos int) (start, end int) {
	for pos < len(expr) && isSpaceByte(expr[pos]) {
		pos++
	}
	start = pos
	for pos < len(expr) {
		switch c := expr[pos]; {
		case c == '\\' && pos+1 < len(expr):
			pos += 2
		case c == '"' || c == '\'':
			pos = skipDelimited(expr, pos+1, c)
		case c == '~' && pos+1 < len(expr) && expr[pos+1] == '/':
			pos = skipDelimited(expr, pos+2, '/')
		case isSpaceByte(c):
			return start, pos
		default:
			pos++
		}
	}
	return start, pos
}

// skipDelimited advances past the closing delimiter, honoring backslash
// escapes. An unterminated body runs to the end of the expression and is
// rejected later by termRe.
func skipDelimited(expr string, pos int, delim byte) int {
	for pos < len(expr) {
		switch expr[pos] {
		case '\\':
			pos += 2
		case delim:
			return pos + 1
		default:
			pos++
		}
	}
	return pos
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func ruleFromTerm(expr string, start, end int) (matchRule, error) {
	term := expr[start:end]
	loc := termRe.FindStringSubmatchIndex(term)
	if loc == nil {
		return matchRule{}, badMatcher(expr, start)
	}
	group := func(i int) (string, bool) {
		if loc[2*i] < 0 {
			return "", false
		}
		return term[loc[2*i]:loc[2*i+1]], true
	}

	if rxText, ok := group(3); ok {
		attr, _ := group(1)
		neg, _ := group(2)
		rx, err := regexp.Compile(rxText)
		if err != nil {
			return matchRule{}, fmt.Errorf("%w: /%s/ (%v)", ErrBadMatcher, rxText, err)
		}
		return matchRule{prefix: strings.ToLower(attr), rx: rx, inv: neg == "!"}, nil
	}

	attr, _ := group(4)
	negEq, _ := group(5)
	negBare, _ := group(6)
	rule := matchRule{prefix: strings.ToLower(attr), inv: negEq == "!" || negBare == "!"}
	full := attr != "" // fielded values match whole, bare values match words

	if quoted, ok := group(7); ok {
		rule.rx = globRegexp(quoted, full)
	} else if num, ok := group(8); ok {
		rx, err := numberRegexp(num, full)
		if err != nil {
			return matchRule{}, fmt.Errorf("%w: bad number %q", ErrBadMatcher, num)
		}
		rule.rx = rx
	} else {
		naked, _ := group(9)
		rule.rx = globRegexp(naked, full)
	}
	return rule, nil
}

func badMatcher(expr string, pos int) error {
	return fmt.Errorf("%w:\n  %q\n  -%s^",
		ErrBadMatcher, expr, strings.Repeat("-", len(fmt.Sprintf("%q", expr[:pos]))-1))
}

func (m *Matcher) String() string { return m.input }

// Empty reports whether the expression matches every port.
func (m *Matcher) Empty() bool { return len(m.rules) == 0 }

// Matches tests this matcher against a port's attributes.
func (m *Matcher) Matches(p Port) bool {
	for _, rule := range m.rules {
		if rule.anyValue(p.Attr) == rule.inv {
			return false
		}
	}
	return true
}

// Filter returns the subset of ports satisfying the expression, in order.
func (m *Matcher) Filter(ports []Port) []Port {
	var out []Port
	for _, p := range ports {
		if m.Matches(p) {
			out = append(out, p)
		}
	}
	return out
}

// Hits returns the attribute keys matched by positive terms, sorted. Used
// for display highlighting only, never by matching logic.
func (m *Matcher) Hits(p Port) []string {
	seen := map[string]bool{}
	for _, rule := range m.rules {
		if rule.inv {
			continue
		}
		for k, v := range p.Attr {
			if strings.HasPrefix(strings.ToLower(k), rule.prefix) && rule.rx.MatchString(v) {
				seen[k] = true
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Word boundary stand-ins: regexp here has no lookaround, so boundaries
// consume (or anchor on) the neighboring non-alphanumeric character. Fine
// for the yes/no searches the rules perform.
const (
	wordStart = `(?:\A|[^a-zA-Z0-9])`
	wordEnd   = `(?:[^a-zA-Z0-9]|\z)`
)

// globRegexp compiles a glob value (* and ? wildcards, backslash escapes)
// into a case-insensitive regexp: anchored whole-value for fielded terms,
// word-bounded substring for bare ones.
func globRegexp(glob string, full bool) *regexp.Regexp {
	var b strings.Builder
	escaped := false
	for _, r := range glob {
		switch {
		case escaped:
			switch r {
			case 'n':
				b.WriteString(`\n`)
			case 't':
				b.WriteString(`\t`)
			default:
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
			escaped = false
		case r == '\\':
			escaped = true
		case r == '*':
			b.WriteString(`.*`)
		case r == '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	inner := b.String()

	prefix, suffix := `\A`, `\z`
	if !full {
		// Word boundaries only where the pattern edge is alphanumeric, so
		// "*mid*" floats free while "usb" must stand alone.
		prefix, suffix = "", ""
		if isAlnumByte(firstByte(inner)) {
			prefix = wordStart
		}
		if isAlnumByte(lastByte(inner)) {
			suffix = wordEnd
		}
	}
	return regexp.MustCompile(`(?i)` + prefix + inner + suffix)
}

// numberRegexp compiles a numeric value into a regexp accepting the same
// quantity in any supported base, with or without zero padding.
func numberRegexp(num string, full bool) (*regexp.Regexp, error) {
	digits, base := strings.ToLower(num), 10
	switch {
	case strings.HasSuffix(digits, "h"):
		digits, base = digits[:len(digits)-1], 16
	case strings.HasPrefix(digits, "0b"):
		digits, base = digits[2:], 2
	case strings.HasPrefix(digits, "0o"):
		digits, base = digits[2:], 8
	case strings.HasPrefix(digits, "0x"):
		digits, base = digits[2:], 16
	}
	value, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return nil, err
	}

	inner := fmt.Sprintf(`(?:%s|0*%d|(?:0x)?0*%xh?)`, regexp.QuoteMeta(num), value, value)
	prefix, suffix := `\A`, `\z`
	if !full {
		prefix, suffix = wordStart, wordEnd
	}
	return regexp.MustCompile(`(?i)` + prefix + inner + suffix), nil
}

func firstByte(s string) byte {
	if s == "" {
		return 0
	}
	return s[0]
}

func lastByte(s string) byte {
	if s == "" {
		return 0
	}
	return s[len(s)-1]
}

func isAlnumByte(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
