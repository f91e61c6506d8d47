package suites

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"callcheck/internal/callspec"
	"callcheck/internal/generate"
	"callcheck/internal/orchestrator"
	"callcheck/internal/sandbox"
	"callcheck/internal/solver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCoreutilsRegister(t *testing.T) {
	reg := callspec.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, len(Coreutils()), reg.Len())
	assert.Contains(t, Programs(), "touch")

	assert.Error(t, Register(reg), "names are unique per registry")
}

func TestCoreutilsHold(t *testing.T) {
	for _, p := range Programs() {
		if _, err := exec.LookPath(p); err != nil {
			t.Skipf("%s not available: %v", p, err)
		}
	}
	reg := callspec.NewRegistry()
	require.NoError(t, Register(reg))

	gen := generate.New(solver.NewAutomaton(nil), generate.Config{Seed: 7}, nil)
	ex := sandbox.NewExecutor(sandbox.Config{Root: t.TempDir(), PassEnv: []string{"PATH"}}, nil)
	o := orchestrator.New(orchestrator.Deps{Registry: reg, Generator: gen, Executor: ex}, orchestrator.Options{Trials: 4, Concurrency: 4})

	suite, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, suite.Passed(), "%+v", suite.Failures())
	assert.Len(t, suite.Specs, len(Coreutils()))
}
