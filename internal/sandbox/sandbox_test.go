package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"callcheck/internal/callspec"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shell(script string, fixtures ...callspec.Fixture) *callspec.Subcase {
	return &callspec.Subcase{
		Spec:     "sh",
		Program:  "sh",
		Args:     []string{"-c", script},
		Fixtures: fixtures,
		PassEnv:  []string{"PATH"},
	}
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	cfg.Root = root
	return NewExecutor(cfg, nil), root
}

// running reports whether pid is a live process. Zombies waiting for a
// reaper count as dead.
func running(pid int) bool {
	if syscall.Kill(pid, 0) == syscall.ESRCH {
		return false
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return !os.IsNotExist(err)
	}
	return !strings.Contains(string(stat), ") Z")
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "sandbox directories left behind")
}

func TestRunCapturesExitAndOutput(t *testing.T) {
	requireShell(t)
	ex, root := newTestExecutor(t, Config{})

	res, err := ex.Run(context.Background(), shell(`echo out; echo err >&2; exit 3`))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", string(res.Stdout.Data))
	assert.Equal(t, "err\n", string(res.Stderr.Data))
	assert.False(t, res.TimedOut)
	assert.Empty(t, res.Delta)
	assert.Empty(t, res.Dir)
	assertEmptyDir(t, root)
}

func TestEnvironmentIsAllowListed(t *testing.T) {
	requireShell(t)
	t.Setenv("CALLCHECK_SECRET", "host-value")
	script := `echo "S=${CALLCHECK_SECRET:-unset} E=${EXPLICIT:-unset}"`

	ex, _ := newTestExecutor(t, Config{})
	res, err := ex.Run(context.Background(), shell(script))
	require.NoError(t, err)
	assert.Equal(t, "S=unset E=unset\n", string(res.Stdout.Data))

	sc := shell(script)
	sc.PassEnv = append(sc.PassEnv, "CALLCHECK_SECRET")
	sc.Env = map[string]string{"EXPLICIT": "yes"}
	res, err = ex.Run(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "S=host-value E=yes\n", string(res.Stdout.Data))

	ex, _ = newTestExecutor(t, Config{PassEnv: []string{"CALLCHECK_SECRET"}})
	res, err = ex.Run(context.Background(), shell(script))
	require.NoError(t, err)
	assert.Equal(t, "S=host-value E=unset\n", string(res.Stdout.Data))
}

func TestDeltaReportsEveryChange(t *testing.T) {
	requireShell(t)
	ex, _ := newTestExecutor(t, Config{})
	sc := shell(`echo hi > new.txt; rm old.txt; echo more >> keep.txt; mkdir d; ln -s keep.txt link; chmod 600 mode.txt`,
		callspec.Fixture{Path: "old.txt", Content: "old"},
		callspec.Fixture{Path: "keep.txt", Content: "keep\n"},
		callspec.Fixture{Path: "same.txt", Content: "same"},
		callspec.Fixture{Path: "mode.txt", Content: "m", Mode: 0o644},
	)
	res, err := ex.Run(context.Background(), sc)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode, res.Stderr.String())

	got := map[string]Change{}
	for _, c := range res.Delta {
		got[c.Path] = c
	}
	require.Len(t, got, 6)

	assert.Equal(t, callspec.Created, got["new.txt"].Change)
	assert.Equal(t, callspec.KindFile, got["new.txt"].Kind)
	assert.Equal(t, "hi\n", string(got["new.txt"].Content))
	assert.Equal(t, digestBytes([]byte("hi\n")), got["new.txt"].Digest)

	assert.Equal(t, callspec.Removed, got["old.txt"].Change)
	assert.Equal(t, callspec.Modified, got["keep.txt"].Change)
	assert.Equal(t, "keep\nmore\n", string(got["keep.txt"].Content))
	assert.Equal(t, callspec.KindDir, got["d"].Kind)
	assert.Equal(t, callspec.KindSymlink, got["link"].Kind)
	assert.Equal(t, callspec.Modified, got["mode.txt"].Change)
	assert.NotContains(t, got, "same.txt")

	for i := 1; i < len(res.Delta); i++ {
		assert.Less(t, res.Delta[i-1].Path, res.Delta[i].Path)
	}
}

func TestWorkDirRelativePaths(t *testing.T) {
	requireShell(t)
	ex, _ := newTestExecutor(t, Config{})
	sc := shell(`cat ../in.txt; touch out; rm ../gone.txt`,
		callspec.Fixture{Path: "in.txt", Content: "input"},
		callspec.Fixture{Path: "gone.txt", Content: "x", Mutable: true},
	)
	sc.WorkDir = "work"
	res, err := ex.Run(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "input", string(res.Stdout.Data))

	var paths []string
	for _, c := range res.Delta {
		paths = append(paths, string(c.Change)+" "+c.Path)
	}
	assert.Equal(t, []string{"removed ../gone.txt", "created out"}, paths)
	assert.Equal(t, []string{"../gone.txt"}, res.Mutable)
}

func TestTimeoutKillsProcessGroup(t *testing.T) {
	requireShell(t)
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ex, _ := newTestExecutor(t, Config{RetainOnFailure: true})
	sc := shell(`sleep 30 & echo $! > bg.pid; sleep 2`)
	sc.Timeout = 200 * time.Millisecond

	start := time.Now()
	res, err := ex.Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.NotEmpty(t, res.Dir)

	raw, err := os.ReadFile(filepath.Join(res.Dir, "bg.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !running(pid) },
		2*time.Second, 20*time.Millisecond, "background child survived")

	require.NoError(t, ex.Discard(res))
	assert.Empty(t, res.Dir)
}

func TestCancellationStopsTheProgram(t *testing.T) {
	requireShell(t)
	ex, root := newTestExecutor(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	sc := shell(`sleep 5`)
	start := time.Now()
	_, err := ex.Run(ctx, sc)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 3*time.Second)
	assertEmptyDir(t, root)
}

func TestSpawnFailure(t *testing.T) {
	ex, root := newTestExecutor(t, Config{RetainOnFailure: true})
	_, err := ex.Run(context.Background(), &callspec.Subcase{Spec: "x", Program: "callcheck-no-such-binary"})
	require.ErrorIs(t, err, ErrProcessSpawn)
	require.ErrorIs(t, err, exec.ErrNotFound)
	assertEmptyDir(t, root)
}

func TestSetupFailure(t *testing.T) {
	requireShell(t)
	ex, root := newTestExecutor(t, Config{})
	// A file fixture cannot hold another fixture below it.
	sc := shell(`true`,
		callspec.Fixture{Path: "a", Content: "file"},
		callspec.Fixture{Path: "a/b", Content: "nested"},
	)
	_, err := ex.Run(context.Background(), sc)
	require.ErrorIs(t, err, ErrSandboxSetup)
	assertEmptyDir(t, root)
}

func TestOutputIsBounded(t *testing.T) {
	requireShell(t)
	ex, _ := newTestExecutor(t, Config{OutputLimit: 10})
	res, err := ex.Run(context.Background(), shell(`printf 0123456789abcdef`))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(res.Stdout.Data))
	assert.True(t, res.Stdout.Truncated)
	assert.Equal(t, int64(6), res.Stdout.Dropped)
	assert.Equal(t, "0123456789[... 6 bytes truncated]", res.Stdout.String())
}

func TestRetainedSandboxKeepsFiles(t *testing.T) {
	requireShell(t)
	ex, root := newTestExecutor(t, Config{RetainOnFailure: true})
	res, err := ex.Run(context.Background(), shell(`echo x > made`))
	require.NoError(t, err)
	require.NotEmpty(t, res.Dir)
	assert.FileExists(t, filepath.Join(res.Dir, "made"))

	require.NoError(t, ex.Discard(res))
	assertEmptyDir(t, root)
	require.NoError(t, ex.Discard(res))
}

func TestUnwritableLeftoversAreRemoved(t *testing.T) {
	requireShell(t)
	ex, root := newTestExecutor(t, Config{})
	_, err := ex.Run(context.Background(), shell(`mkdir -p locked/inner && touch locked/inner/f && chmod 000 locked/inner locked`))
	require.NoError(t, err)
	assertEmptyDir(t, root)
}

func TestDiff(t *testing.T) {
	pre := Snapshot{
		"a":   {Kind: callspec.KindFile, Mode: 0o644, Digest: "1"},
		"b":   {Kind: callspec.KindFile, Mode: 0o644, Digest: "2"},
		"dir": {Kind: callspec.KindDir, Mode: 0o755},
		"x":   {Kind: callspec.KindFile, Mode: 0o644, Digest: "3"},
	}
	post := Snapshot{
		"a":   {Kind: callspec.KindFile, Mode: 0o644, Digest: "1"},
		"b":   {Kind: callspec.KindFile, Mode: 0o644, Digest: "changed"},
		"dir": {Kind: callspec.KindFile, Mode: 0o644, Digest: "4"},
		"new": {Kind: callspec.KindDir, Mode: 0o755},
	}
	delta := Diff(pre, post)
	require.Len(t, delta, 4)
	assert.Equal(t, Change{Path: "b", Change: callspec.Modified, Kind: callspec.KindFile, Digest: "changed"}, delta[0])
	assert.Equal(t, Change{Path: "dir", Change: callspec.Modified, Kind: callspec.KindFile, PrevKind: callspec.KindDir, Digest: "4"}, delta[1])
	assert.Equal(t, Change{Path: "new", Change: callspec.Created, Kind: callspec.KindDir}, delta[2])
	assert.Equal(t, Change{Path: "x", Change: callspec.Removed, Kind: callspec.KindFile}, delta[3])
}

func TestTakeSnapshot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "w", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("t"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "w", "sub", "f"), []byte("f"), 0o644))

	snap, err := TakeSnapshot(root, filepath.Join(root, "w"))
	require.NoError(t, err)
	assert.Len(t, snap, 3)
	assert.Equal(t, callspec.KindFile, snap["../top.txt"].Kind)
	assert.Equal(t, callspec.KindDir, snap["sub"].Kind)
	assert.Equal(t, digestBytes([]byte("f")), snap["sub/f"].Digest)
	assert.Equal(t, int64(1), snap["sub/f"].Size)
}
