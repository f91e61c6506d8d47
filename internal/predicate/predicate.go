// Package predicate implements the checkable constraints attached to argument
// slots and effect expectations.
//
// A Predicate is a tagged tree. Leaves constrain a single string value;
// And, Or, Not and Xor combine them. Validate interprets the tree, Symbolic
// translates the parts the constraint solvers understand, and the Weaken
// functions produce predicates implied by a given one.
package predicate

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind tags a predicate node.
type Kind string

const (
	KindAny          Kind = "any"
	KindRegex        Kind = "regex"
	KindPathExists   Kind = "path_exists"
	KindInDir        Kind = "in_dir"
	KindLowerCase    Kind = "lower_case"
	KindNumericRange Kind = "numeric_range"
	KindOneOf        Kind = "one_of"
	KindEquals       Kind = "equals"
	KindContains     Kind = "contains"
	KindAnd          Kind = "and"
	KindOr           Kind = "or"
	KindNot          Kind = "not"
	KindXor          Kind = "xor"
)

// Predicate is one node of a predicate tree. Which fields are meaningful
// depends on Kind.
type Predicate struct {
	Kind Kind `json:"kind"`
	// Pattern is the Regex pattern, matched against the whole value.
	Pattern string `json:"pattern,omitempty"`
	// Root is the InDir directory.
	Root string `json:"root,omitempty"`
	// Min and Max bound NumericRange, inclusive.
	Min int64 `json:"min,omitempty"`
	Max int64 `json:"max,omitempty"`
	// Values lists the OneOf members.
	Values []string `json:"values,omitempty"`
	// Value is the Equals operand or the Contains substring.
	Value string `json:"value,omitempty"`
	// Operands of And, Or, Xor and Not.
	Operands []Predicate `json:"operands,omitempty"`
}

func Any() Predicate                 { return Predicate{Kind: KindAny} }
func Regex(pattern string) Predicate { return Predicate{Kind: KindRegex, Pattern: pattern} }
func PathExists() Predicate          { return Predicate{Kind: KindPathExists} }
func InDir(root string) Predicate    { return Predicate{Kind: KindInDir, Root: root} }
func LowerCase() Predicate           { return Predicate{Kind: KindLowerCase} }
func Equals(v string) Predicate      { return Predicate{Kind: KindEquals, Value: v} }
func Contains(s string) Predicate    { return Predicate{Kind: KindContains, Value: s} }

func NumericRange(min, max int64) Predicate {
	return Predicate{Kind: KindNumericRange, Min: min, Max: max}
}

func OneOf(values ...string) Predicate {
	return Predicate{Kind: KindOneOf, Values: append([]string(nil), values...)}
}

func And(ps ...Predicate) Predicate {
	return Predicate{Kind: KindAnd, Operands: append([]Predicate(nil), ps...)}
}

func Or(ps ...Predicate) Predicate {
	return Predicate{Kind: KindOr, Operands: append([]Predicate(nil), ps...)}
}

// Xor holds when exactly one operand holds.
func Xor(ps ...Predicate) Predicate {
	return Predicate{Kind: KindXor, Operands: append([]Predicate(nil), ps...)}
}

func Not(p Predicate) Predicate {
	return Predicate{Kind: KindNot, Operands: []Predicate{p}}
}

// IsComposite reports whether p combines other predicates.
func (p Predicate) IsComposite() bool {
	switch p.Kind {
	case KindAnd, KindOr, KindNot, KindXor:
		return true
	}
	return false
}

// Leaves returns the distinct leaf kinds of p in sorted order.
func (p Predicate) Leaves() []Kind {
	set := map[Kind]struct{}{}
	var walk func(Predicate)
	walk = func(n Predicate) {
		if !n.IsComposite() {
			set[n.Kind] = struct{}{}
			return
		}
		for _, op := range n.Operands {
			walk(op)
		}
	}
	walk(p)
	out := make([]Kind, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check reports structural problems: unknown kinds, bad arity, inverted
// ranges and patterns that do not parse.
func (p Predicate) Check() error {
	switch p.Kind {
	case KindAny, KindPathExists, KindLowerCase, KindEquals, KindContains:
		return nil
	case KindRegex:
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("%w: regex %q: %v", ErrInvalidPredicate, p.Pattern, err)
		}
		return nil
	case KindInDir:
		if p.Root == "" {
			return fmt.Errorf("%w: in_dir requires a root", ErrInvalidPredicate)
		}
		return nil
	case KindNumericRange:
		if p.Min > p.Max {
			return fmt.Errorf("%w: numeric_range min %d > max %d", ErrInvalidPredicate, p.Min, p.Max)
		}
		return nil
	case KindOneOf:
		if len(p.Values) == 0 {
			return fmt.Errorf("%w: one_of requires at least one value", ErrInvalidPredicate)
		}
		return nil
	case KindNot:
		if len(p.Operands) != 1 {
			return fmt.Errorf("%w: not takes exactly one operand, got %d", ErrInvalidPredicate, len(p.Operands))
		}
		return p.Operands[0].Check()
	case KindAnd, KindOr, KindXor:
		if len(p.Operands) == 0 {
			return fmt.Errorf("%w: %s requires operands", ErrInvalidPredicate, p.Kind)
		}
		for _, op := range p.Operands {
			if err := op.Check(); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidPredicate, p.Kind)
}

// String renders p canonically. Equal predicates render equally, so the
// rendering doubles as an identity key.
func (p Predicate) String() string {
	var b strings.Builder
	p.write(&b)
	return b.String()
}

func (p Predicate) write(b *strings.Builder) {
	b.WriteString(string(p.Kind))
	switch p.Kind {
	case KindRegex:
		fmt.Fprintf(b, "(%s)", strconv.Quote(p.Pattern))
	case KindInDir:
		fmt.Fprintf(b, "(%s)", strconv.Quote(p.Root))
	case KindNumericRange:
		fmt.Fprintf(b, "(%d,%d)", p.Min, p.Max)
	case KindEquals, KindContains:
		fmt.Fprintf(b, "(%s)", strconv.Quote(p.Value))
	case KindOneOf:
		b.WriteByte('(')
		for i, v := range p.Values {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(v))
		}
		b.WriteByte(')')
	case KindAnd, KindOr, KindNot, KindXor:
		b.WriteByte('(')
		for i, op := range p.Operands {
			if i > 0 {
				b.WriteByte(',')
			}
			op.write(b)
		}
		b.WriteByte(')')
	}
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Placeholders returns the sorted, distinct ${name} references in p.
func (p Predicate) Placeholders() []string {
	set := map[string]struct{}{}
	collect := func(s string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			set[m[1]] = struct{}{}
		}
	}
	var walk func(Predicate)
	walk = func(n Predicate) {
		collect(n.Pattern)
		collect(n.Root)
		collect(n.Value)
		for _, v := range n.Values {
			collect(v)
		}
		for _, op := range n.Operands {
			walk(op)
		}
	}
	walk(p)
	return sortedKeys(set)
}

// Expand substitutes ${name} references with bindings. Substitutions into a
// regex pattern are quoted so they match literally. Unbound references are
// left in place.
func (p Predicate) Expand(bindings map[string]string) Predicate {
	out := p
	out.Pattern = ExpandString(p.Pattern, bindings, regexp.QuoteMeta)
	out.Root = ExpandString(p.Root, bindings, nil)
	out.Value = ExpandString(p.Value, bindings, nil)
	if p.Values != nil {
		out.Values = make([]string, len(p.Values))
		for i, v := range p.Values {
			out.Values[i] = ExpandString(v, bindings, nil)
		}
	}
	if p.Operands != nil {
		out.Operands = make([]Predicate, len(p.Operands))
		for i, op := range p.Operands {
			out.Operands[i] = op.Expand(bindings)
		}
	}
	return out
}

// ExpandString replaces ${name} references in s. quote, when non-nil, is
// applied to each substituted value.
func ExpandString(s string, bindings map[string]string, quote func(string) string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := bindings[m[2:len(m)-1]]
		if !ok {
			return m
		}
		if quote != nil {
			return quote(v)
		}
		return v
	})
}

// PlaceholdersIn returns the sorted, distinct ${name} references in s.
func PlaceholdersIn(s string) []string {
	set := map[string]struct{}{}
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		set[m[1]] = struct{}{}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
