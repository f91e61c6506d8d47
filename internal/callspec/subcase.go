package callspec

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Subcase is one concrete invocation generated from a spec.
type Subcase struct {
	Spec    string `json:"spec"`
	Index   int    `json:"index"`
	Seed    int64  `json:"seed"`
	Program string `json:"program"`
	// Args are the slot values in slot order, variadic values expanded.
	Args []string `json:"args"`
	// Values maps each slot to its values; non-variadic slots have one.
	Values map[string][]string `json:"values"`

	WorkDir  string            `json:"workdir,omitempty"`
	Fixtures []Fixture         `json:"-"`
	Env      map[string]string `json:"-"`
	PassEnv  []string          `json:"-"`
	Timeout  time.Duration     `json:"-"`
}

// Argv returns the program followed by the arguments.
func (s *Subcase) Argv() []string {
	return append([]string{s.Program}, s.Args...)
}

// Bindings maps slot names to values for ${name} expansion. Variadic values
// are joined with single spaces.
func (s *Subcase) Bindings() map[string]string {
	out := make(map[string]string, len(s.Values))
	for k, vs := range s.Values {
		out[k] = strings.Join(vs, " ")
	}
	return out
}

// ID is a stable identity for the invocation: identical specs, argv and
// working directory give identical IDs across runs and machines.
func (s *Subcase) ID() string {
	h := sha256.New()

	// Every field is length-prefixed so adjacent fields cannot alias.
	writeField := func(data []byte) {
		length := uint64(len(data))
		h.Write([]byte{
			byte(length >> 56),
			byte(length >> 48),
			byte(length >> 40),
			byte(length >> 32),
			byte(length >> 24),
			byte(length >> 16),
			byte(length >> 8),
			byte(length),
		})
		h.Write(data)
	}

	writeField([]byte(s.Spec))
	writeField([]byte(s.WorkDir))
	writeField([]byte(s.Program))
	writeField([]byte(strconv.Itoa(len(s.Args))))
	for _, a := range s.Args {
		writeField([]byte(a))
	}

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeField([]byte(strconv.Itoa(len(keys))))
	for _, k := range keys {
		writeField([]byte(k))
		writeField([]byte(s.Env[k]))
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}
