// Package callspec defines call contracts: the program under test, its
// constrained argument slots and the side effects every invocation must show.
//
// A CallSpec is plain data. Registry.Register validates it once, and after
// that the registry hands out copies only, so a registered contract never
// changes for the lifetime of a run.
package callspec

import (
	"os"
	"time"

	"callcheck/internal/predicate"
)

// Domain tags the values a slot produces.
type Domain string

const (
	DomainString  Domain = "string"
	DomainPath    Domain = "path"
	DomainInteger Domain = "integer"
	DomainEnum    Domain = "enum"
)

// ArgSlot is one constrained argument position.
type ArgSlot struct {
	Name      string              `json:"name" validate:"required,slotname"`
	Domain    Domain              `json:"domain" validate:"required,oneof=string path integer enum"`
	Predicate predicate.Predicate `json:"predicate"`

	// Variadic slots expand to between Min and Max values. Only the last
	// slot of a spec may be variadic.
	Variadic bool `json:"variadic,omitempty"`
	Min      int  `json:"min,omitempty" validate:"gte=0"`
	Max      int  `json:"max,omitempty" validate:"gte=0"`

	// DependsOn names sibling slots whose values are substituted into
	// ${name} placeholders of Predicate before this slot is generated.
	DependsOn []string `json:"depends_on,omitempty" validate:"dive,required"`
}

// EntryKind is the filesystem type of a path.
type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindDir     EntryKind = "dir"
	KindSymlink EntryKind = "symlink"
)

// ChangeKind classifies a filesystem change.
type ChangeKind string

const (
	Created  ChangeKind = "created"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// FileEffect is one expected filesystem change. Path is relative to the
// working directory and may reference slot values with ${name}.
type FileEffect struct {
	Path   string     `json:"path" validate:"required,relpath"`
	Change ChangeKind `json:"change" validate:"required,oneof=created modified removed"`
	// Kind is the expected type of a created or modified entry. Empty means
	// a regular file.
	Kind EntryKind `json:"kind,omitempty" validate:"omitempty,oneof=file dir symlink"`
	// Content, when set, must hold for the new content of a created or
	// modified regular file.
	Content *predicate.Predicate `json:"content,omitempty"`
	// Normalize strips volatile text from the content before Content is
	// checked.
	Normalize bool `json:"normalize,omitempty"`
}

// OutputExpectation constrains a captured stream.
type OutputExpectation struct {
	Predicate predicate.Predicate `json:"predicate"`
	Normalize bool                `json:"normalize,omitempty"`
}

// Effects is the observable behaviour a contract requires.
type Effects struct {
	// ExitCodes is the accepted set. Empty means {0}.
	ExitCodes []int              `json:"exit_codes,omitempty" validate:"dive,gte=0,lte=255"`
	Stdout    *OutputExpectation `json:"stdout,omitempty"`
	Stderr    *OutputExpectation `json:"stderr,omitempty"`
	Files     []FileEffect       `json:"files,omitempty" validate:"dive"`
	// Ignore lists path.Match globs, relative to the working directory, for
	// changes that are neither required nor reported.
	Ignore []string `json:"ignore,omitempty"`
}

// AcceptedExitCodes returns ExitCodes or the default {0}.
func (e Effects) AcceptedExitCodes() []int {
	if len(e.ExitCodes) == 0 {
		return []int{0}
	}
	return append([]int(nil), e.ExitCodes...)
}

// Fixture seeds the sandbox before the program runs. Path is relative to the
// sandbox root.
type Fixture struct {
	Path    string      `json:"path" validate:"required,relpath"`
	Dir     bool        `json:"dir,omitempty"`
	Content string      `json:"content,omitempty"`
	Mode    os.FileMode `json:"mode,omitempty"`
	// Mutable fixtures may be modified by the program without that being
	// reported as unexpected.
	Mutable bool `json:"mutable,omitempty"`
}

// FileMode returns Mode or the default for the fixture type.
func (f Fixture) FileMode() os.FileMode {
	if f.Mode != 0 {
		return f.Mode
	}
	if f.Dir {
		return 0o755
	}
	return 0o644
}

// CallSpec is the contract for one program.
type CallSpec struct {
	Name    string    `json:"name" validate:"required"`
	Program string    `json:"program" validate:"required"`
	Slots   []ArgSlot `json:"slots" validate:"dive"`
	Effects Effects   `json:"effects"`

	// WorkDir is the working directory relative to the sandbox root. Empty
	// means the root; otherwise it is created before the run.
	WorkDir  string    `json:"workdir,omitempty" validate:"omitempty,relpath"`
	Fixtures []Fixture `json:"fixtures,omitempty" validate:"dive"`

	// Env holds explicit variables; PassEnv names host variables let
	// through. Nothing else reaches the program.
	Env     map[string]string `json:"env,omitempty" validate:"dive,keys,envkey,endkeys"`
	PassEnv []string          `json:"pass_env,omitempty" validate:"dive,envkey"`

	// Resources name shared external fixtures. Specs sharing one never run
	// at the same time.
	Resources []string `json:"resources,omitempty" validate:"dive,required"`

	// Timeout overrides the run's subprocess timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty" validate:"gte=0"`
}

// Slot returns the slot called name.
func (s *CallSpec) Slot(name string) (ArgSlot, bool) {
	for _, sl := range s.Slots {
		if sl.Name == name {
			return sl, true
		}
	}
	return ArgSlot{}, false
}

// Clone returns a deep copy of s.
func (s CallSpec) Clone() CallSpec {
	out := s
	out.Slots = make([]ArgSlot, len(s.Slots))
	for i, sl := range s.Slots {
		sl.DependsOn = append([]string(nil), sl.DependsOn...)
		sl.Predicate = clonePredicate(sl.Predicate)
		out.Slots[i] = sl
	}
	out.Effects.ExitCodes = append([]int(nil), s.Effects.ExitCodes...)
	out.Effects.Ignore = append([]string(nil), s.Effects.Ignore...)
	if s.Effects.Stdout != nil {
		o := *s.Effects.Stdout
		o.Predicate = clonePredicate(o.Predicate)
		out.Effects.Stdout = &o
	}
	if s.Effects.Stderr != nil {
		o := *s.Effects.Stderr
		o.Predicate = clonePredicate(o.Predicate)
		out.Effects.Stderr = &o
	}
	out.Effects.Files = make([]FileEffect, len(s.Effects.Files))
	for i, f := range s.Effects.Files {
		if f.Content != nil {
			c := clonePredicate(*f.Content)
			f.Content = &c
		}
		out.Effects.Files[i] = f
	}
	out.Fixtures = append([]Fixture(nil), s.Fixtures...)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	out.PassEnv = append([]string(nil), s.PassEnv...)
	out.Resources = append([]string(nil), s.Resources...)
	return out
}

func clonePredicate(p predicate.Predicate) predicate.Predicate {
	out := p
	out.Values = append([]string(nil), p.Values...)
	if p.Operands != nil {
		out.Operands = make([]predicate.Predicate, len(p.Operands))
		for i, op := range p.Operands {
			out.Operands[i] = clonePredicate(op)
		}
	}
	return out
}
