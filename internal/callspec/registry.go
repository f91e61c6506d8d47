package callspec

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"callcheck/internal/predicate"
)

var (
	nameRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	validate *validator.Validate
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("slotname", func(fl validator.FieldLevel) bool {
		return nameRe.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("envkey", func(fl validator.FieldLevel) bool {
		return nameRe.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("relpath", func(fl validator.FieldLevel) bool {
		return isRelPath(fl.Field().String())
	})
}

// isRelPath accepts clean relative paths that stay below their base.
func isRelPath(p string) bool {
	if p == "" || filepath.IsAbs(p) {
		return false
	}
	c := filepath.Clean(p)
	return c != "." && c != ".." && !strings.HasPrefix(c, ".."+string(filepath.Separator))
}

// Registry holds validated specs in registration order. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	specs []CallSpec
	names map[string]int
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]int)}
}

// Register validates spec and stores a private copy. A rejected spec leaves
// the registry unchanged; the error is a *SpecError.
func (r *Registry) Register(spec CallSpec) error {
	spec = spec.Clone()
	if err := Validate(&spec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.names[spec.Name]; dup {
		return invalidf(spec.Name, "a spec with this name is already registered")
	}
	r.names[spec.Name] = len(r.specs)
	r.specs = append(r.specs, spec)
	return nil
}

// RegisterAll registers every spec and combines the rejections. Valid specs
// are registered even when others fail.
func (r *Registry) RegisterAll(specs ...CallSpec) error {
	var errs error
	for _, s := range specs {
		errs = multierr.Append(errs, r.Register(s))
	}
	return errs
}

// Specs returns copies of the registered specs in registration order.
func (r *Registry) Specs() []CallSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CallSpec, len(r.specs))
	for i, s := range r.specs {
		out[i] = s.Clone()
	}
	return out
}

// Lookup returns a copy of the spec called name.
func (r *Registry) Lookup(name string) (CallSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.names[name]
	if !ok {
		return CallSpec{}, false
	}
	return r.specs[i].Clone(), true
}

// Len returns the number of registered specs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// Validate checks a spec without registering it.
func Validate(spec *CallSpec) error {
	if err := validate.Struct(spec); err != nil {
		return invalidf(spec.Name, "%s", describeValidation(err))
	}

	slotNames := map[string]bool{}
	for i, sl := range spec.Slots {
		if slotNames[sl.Name] {
			return invalidf(spec.Name, "duplicate slot name %q", sl.Name)
		}
		slotNames[sl.Name] = true

		if sl.Variadic {
			if i != len(spec.Slots)-1 {
				return invalidf(spec.Name, "variadic slot %q must be last", sl.Name)
			}
			if sl.Max < 1 || sl.Min > sl.Max {
				return invalidf(spec.Name, "variadic slot %q has invalid arity [%d, %d]", sl.Name, sl.Min, sl.Max)
			}
		} else if sl.Min != 0 || sl.Max != 0 {
			return invalidf(spec.Name, "slot %q sets an arity but is not variadic", sl.Name)
		}

		if err := sl.Predicate.Check(); err != nil {
			return invalidf(spec.Name, "slot %q: %v", sl.Name, err)
		}
		if err := checkDomain(sl, spec.Fixtures); err != nil {
			return invalidf(spec.Name, "slot %q: %v", sl.Name, err)
		}
		deps := map[string]bool{}
		for _, d := range sl.DependsOn {
			deps[d] = true
		}
		for _, ph := range sl.Predicate.Placeholders() {
			if !deps[ph] {
				return invalidf(spec.Name, "slot %q references ${%s} without depending on it", sl.Name, ph)
			}
		}
	}

	if _, err := spec.ResolutionOrder(); err != nil {
		return err
	}
	if err := checkEffects(spec, slotNames); err != nil {
		return err
	}

	fixtures := map[string]bool{}
	for _, f := range spec.Fixtures {
		p := filepath.Clean(f.Path)
		if fixtures[p] {
			return invalidf(spec.Name, "duplicate fixture %q", f.Path)
		}
		fixtures[p] = true
	}
	return nil
}

// checkDomain rejects predicate kinds that cannot produce values of the
// slot's domain.
func checkDomain(sl ArgSlot, fixtures []Fixture) error {
	p := sl.Predicate
	if p.Kind == "" {
		return errors.New("predicate is required")
	}
	var allowed map[predicate.Kind]bool
	switch sl.Domain {
	case DomainEnum:
		if p.Kind != predicate.KindOneOf && p.Kind != predicate.KindEquals {
			return fmt.Errorf("enum domain requires a one_of or equals predicate, got %s", p.Kind)
		}
		return nil
	case DomainInteger:
		allowed = map[predicate.Kind]bool{
			predicate.KindNumericRange: true, predicate.KindOneOf: true,
			predicate.KindEquals: true, predicate.KindAny: true,
		}
	case DomainPath:
		allowed = map[predicate.Kind]bool{
			predicate.KindRegex: true, predicate.KindPathExists: true, predicate.KindInDir: true,
			predicate.KindLowerCase: true, predicate.KindOneOf: true, predicate.KindEquals: true,
			predicate.KindContains: true, predicate.KindAny: true,
		}
	case DomainString:
		allowed = map[predicate.Kind]bool{
			predicate.KindRegex: true, predicate.KindLowerCase: true, predicate.KindOneOf: true,
			predicate.KindEquals: true, predicate.KindContains: true, predicate.KindAny: true,
		}
	}
	for _, k := range p.Leaves() {
		if !allowed[k] {
			return fmt.Errorf("%s predicate is not valid for the %s domain", k, sl.Domain)
		}
	}

	if sl.Domain == DomainInteger {
		if err := checkIntegerLiterals(p); err != nil {
			return err
		}
	}
	if p.Kind == predicate.KindPathExists && len(fixtures) == 0 {
		return errors.New("path_exists needs at least one fixture to choose from")
	}
	return nil
}

func checkIntegerLiterals(p predicate.Predicate) error {
	switch p.Kind {
	case predicate.KindOneOf:
		for _, v := range p.Values {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil && !strings.Contains(v, "${") {
				return fmt.Errorf("one_of member %q is not an integer", v)
			}
		}
	case predicate.KindEquals:
		if _, err := strconv.ParseInt(p.Value, 10, 64); err != nil && !strings.Contains(p.Value, "${") {
			return fmt.Errorf("equals operand %q is not an integer", p.Value)
		}
	}
	for _, op := range p.Operands {
		if err := checkIntegerLiterals(op); err != nil {
			return err
		}
	}
	return nil
}

func checkEffects(spec *CallSpec, slots map[string]bool) error {
	refs := func(where string, names []string) error {
		for _, n := range names {
			if !slots[n] {
				return invalidf(spec.Name, "%s references unknown slot ${%s}", where, n)
			}
		}
		return nil
	}
	for _, out := range []struct {
		name string
		exp  *OutputExpectation
	}{{"stdout", spec.Effects.Stdout}, {"stderr", spec.Effects.Stderr}} {
		if out.exp == nil {
			continue
		}
		if err := out.exp.Predicate.Check(); err != nil {
			return invalidf(spec.Name, "%s: %v", out.name, err)
		}
		if err := refs(out.name, out.exp.Predicate.Placeholders()); err != nil {
			return err
		}
	}
	for _, f := range spec.Effects.Files {
		if err := refs("file effect "+f.Path, predicate.PlaceholdersIn(f.Path)); err != nil {
			return err
		}
		if f.Content != nil {
			if f.Change == Removed {
				return invalidf(spec.Name, "file effect %q: removed entries have no content", f.Path)
			}
			if err := f.Content.Check(); err != nil {
				return invalidf(spec.Name, "file effect %q: %v", f.Path, err)
			}
			if err := refs("file effect "+f.Path, f.Content.Placeholders()); err != nil {
				return err
			}
		}
	}
	for _, g := range spec.Effects.Ignore {
		if _, err := path.Match(g, ""); err != nil {
			return invalidf(spec.Name, "ignore glob %q: %v", g, err)
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
