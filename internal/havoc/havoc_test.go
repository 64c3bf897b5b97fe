package havoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Handlers == nil {
		cfg.Handlers = NewHandlerSet(nil, false)
	}
	return NewEngine(cfg, rand.New(rand.NewSource(42)), zaptest.NewLogger(t))
}

type recorder struct {
	candidates [][]byte
	states     []string
}

func (r *recorder) cb(_ context.Context, candidate []byte, state string) error {
	r.candidates = append(r.candidates, bytes.Clone(candidate))
	r.states = append(r.states, state)
	return nil
}

func TestFourByteSeedStaysWithinLimit(t *testing.T) {
	e := newTestEngine(t, Config{MaxFileSize: 4, MaxMutatedLen: 4, StackPow2: 7})
	rec := &recorder{}
	if err := e.RunStacked(context.Background(), []byte("ABCD"), rec.cb, 1, RunOptions{}); err != nil {
		t.Fatalf("RunStacked: %v", err)
	}
	if len(rec.candidates) != 1 {
		t.Fatalf("callback called %d times, want 1", len(rec.candidates))
	}
	if len(rec.candidates[0]) > 4 {
		t.Fatalf("candidate length %d exceeds 4", len(rec.candidates[0]))
	}
}

func TestLengthBoundsHoldForEveryHandler(t *testing.T) {
	const maxFile, maxLen = 64, 48
	oversized := 0
	limit := func(h Handler) Handler {
		return func(r *rand.Rand, data []byte) []byte {
			if len(data) > maxFile {
				oversized = len(data)
			}
			return h(r, data)
		}
	}
	var handlers []Handler
	for _, h := range NewHandlerSet([][]byte{[]byte("0123456789abcdefghij")}, false) {
		handlers = append(handlers, limit(h))
	}

	e := newTestEngine(t, Config{Handlers: handlers, MaxFileSize: maxFile, MaxMutatedLen: maxLen, StackPow2: 7})
	rec := &recorder{}
	seed := bytes.Repeat([]byte("x"), 40)
	if err := e.RunStacked(context.Background(), seed, rec.cb, 300, RunOptions{State: "havoc"}); err != nil {
		t.Fatalf("RunStacked: %v", err)
	}
	if oversized > 0 {
		t.Fatalf("handler saw intermediate input of %d bytes", oversized)
	}
	if len(rec.candidates) != 300 {
		t.Fatalf("callback called %d times, want 300", len(rec.candidates))
	}
	for _, c := range rec.candidates {
		if len(c) > maxLen {
			t.Fatalf("candidate of %d bytes exceeds %d", len(c), maxLen)
		}
	}
	for _, s := range rec.states {
		if s != "havoc" {
			t.Fatalf("state = %q, want havoc", s)
		}
	}
}

func TestStackedRoundsStartFromSeed(t *testing.T) {
	grow := func(r *rand.Rand, data []byte) []byte {
		return append(bytes.Clone(data), 'x')
	}
	// StackPow2 1 always stacks two handlers
	e := newTestEngine(t, Config{Handlers: []Handler{grow}, MaxFileSize: 64, MaxMutatedLen: 64, StackPow2: 1})
	rec := &recorder{}
	if err := e.RunStacked(context.Background(), []byte("seed"), rec.cb, 5, RunOptions{}); err != nil {
		t.Fatalf("RunStacked: %v", err)
	}
	for i, c := range rec.candidates {
		if string(c) != "seedxx" {
			t.Fatalf("round %d candidate = %q, want %q", i, c, "seedxx")
		}
	}
}

func TestResizeDoublesSeed(t *testing.T) {
	var first []byte
	capture := func(r *rand.Rand, data []byte) []byte {
		if first == nil {
			first = bytes.Clone(data)
		}
		return bytes.Clone(data)
	}
	e := newTestEngine(t, Config{Handlers: []Handler{capture}, MaxFileSize: 64, MaxMutatedLen: 64, StackPow2: 1})
	rec := &recorder{}
	if err := e.RunStacked(context.Background(), []byte("ab"), rec.cb, 1, RunOptions{Resize: true}); err != nil {
		t.Fatalf("RunStacked: %v", err)
	}
	if string(first) != "abab" || string(rec.candidates[0]) != "abab" {
		t.Fatalf("resize: handler saw %q, candidate %q", first, rec.candidates[0])
	}
}

func TestHandlersDoNotModifyInput(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	seed := []byte("0123456789ABCDEF0123456789ABCDEF")
	orig := bytes.Clone(seed)
	for i, h := range NewHandlerSet([][]byte{[]byte("tok")}, true) {
		for range 200 {
			out := h(r, seed)
			if !bytes.Equal(seed, orig) {
				t.Fatalf("handler %d modified its input", i)
			}
			if len(out) > 0 && len(seed) > 0 && &out[0] == &seed[0] {
				t.Fatalf("handler %d returned its input", i)
			}
		}
	}
}

func TestHandlersOnTinyInputs(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for _, h := range NewHandlerSet([][]byte{[]byte("long token")}, false) {
		for _, in := range [][]byte{nil, {1}, {1, 2}, {1, 2, 3}} {
			_ = h(r, in) // must not panic
		}
	}
}

func TestNewHandlerSetDictionaryHandlers(t *testing.T) {
	base := len(NewHandlerSet(nil, false))
	if got := len(NewHandlerSet([][]byte{[]byte("AA")}, false)); got != base+2 {
		t.Errorf("with dictionary: %d handlers, want %d", got, base+2)
	}
	if got := len(NewHandlerSet(nil, true)); got != base+2 {
		t.Errorf("with redqueen: %d handlers, want %d", got, base+2)
	}
}

func TestDictInsertUsesToken(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	out := DictInsert([][]byte{[]byte("MAGIC")})(r, []byte("abc"))
	if !bytes.Contains(out, []byte("MAGIC")) || len(out) != 8 {
		t.Fatalf("DictInsert = %q", out)
	}
	out = DictReplace([][]byte{[]byte("ZZ")})(r, []byte("abcd"))
	if !bytes.Contains(out, []byte("ZZ")) || len(out) != 4 {
		t.Fatalf("DictReplace = %q", out)
	}
}

func TestIterationBudgetFloor(t *testing.T) {
	e := newTestEngine(t, Config{MinIterations: 2000})
	cases := map[float64]int{-10: 2000, 0: 2000, 999: 2000, 1000: 2000, 1500: 3000}
	for score, want := range cases {
		if got := e.IterationBudget(score); got != want {
			t.Errorf("IterationBudget(%v) = %d, want %d", score, got, want)
		}
	}
}

func TestCallbackErrorAbortsStage(t *testing.T) {
	e := newTestEngine(t, Config{MaxFileSize: 64, MaxMutatedLen: 64, StackPow2: 3})
	boom := errors.New("backend gone")
	calls := 0
	err := e.RunStacked(context.Background(), []byte("seed"), func(context.Context, []byte, string) error {
		calls++
		return boom
	}, 10, RunOptions{})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err = %v after %d calls", err, calls)
	}
}

func writeCorpus(t *testing.T, dir string, entries map[string][]byte) {
	t.Helper()
	for name, data := range entries {
		path := filepath.Join(dir, "corpus", name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunSpliceWithoutPartnerIsNoop(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, Config{MaxFileSize: 64, MaxMutatedLen: 64, StackPow2: 3, CorpusDir: filepath.Join(dir, "corpus")})
	rec := &recorder{}

	if err := e.RunSplice(context.Background(), []byte("seed data"), rec.cb, 16, false); err != nil {
		t.Fatalf("empty corpus: %v", err)
	}
	// identical and too short entries are not suitable partners
	writeCorpus(t, dir, map[string][]byte{
		"regular/payload_00001": []byte("seed data"),
		"regular/payload_00002": []byte("s"),
	})
	if err := e.RunSplice(context.Background(), []byte("seed data"), rec.cb, 16, false); err != nil {
		t.Fatalf("unsuitable corpus: %v", err)
	}
	if len(rec.candidates) != 0 {
		t.Fatalf("callback called %d times without a partner", len(rec.candidates))
	}
}

func TestRunSpliceUsesSpliceState(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, map[string][]byte{
		"regular/payload_00001": []byte("AAAAAAAAAAAAAAAAAAAAAAAA"),
		"crash/payload_00002":   []byte("AAAABBBBBBBBBBBBBBBBCCCC"),
	})
	e := newTestEngine(t, Config{MaxFileSize: 64, MaxMutatedLen: 32, StackPow2: 3, CorpusDir: filepath.Join(dir, "corpus")})
	rec := &recorder{}
	seed := []byte("AAAAZZZZZZZZZZZZZZZZZZZZ")
	if err := e.RunSplice(context.Background(), seed, rec.cb, 16, false); err != nil {
		t.Fatalf("RunSplice: %v", err)
	}
	// 8 rounds of 2*16/8 iterations at most
	if len(rec.candidates) == 0 || len(rec.candidates) > 32 {
		t.Fatalf("got %d candidates", len(rec.candidates))
	}
	for i, c := range rec.candidates {
		if rec.states[i] != SpliceState {
			t.Fatalf("state = %q", rec.states[i])
		}
		if len(c) > 32 {
			t.Fatalf("splice candidate of %d bytes", len(c))
		}
		if len(c) <= len(seed)/4 {
			t.Fatalf("degenerate splice candidate %q", c)
		}
	}
}

func TestFindDiffs(t *testing.T) {
	cases := []struct {
		a, b        string
		first, last int
	}{
		{"abc", "abc", -1, -1},
		{"abcd", "aXcY", 1, 3},
		{"abc", "abcdef", -1, -1},
		{"Xbc", "abc", 0, 0},
	}
	for _, tc := range cases {
		f, l := findDiffs([]byte(tc.a), []byte(tc.b))
		if f != tc.first || l != tc.last {
			t.Errorf("findDiffs(%q, %q) = %d, %d; want %d, %d", tc.a, tc.b, f, l, tc.first, tc.last)
		}
	}
}

func ExampleEngine_IterationBudget() {
	e := NewEngine(Config{MinIterations: 2000}, rand.New(rand.NewSource(1)), zap.NewNop())
	fmt.Println(e.IterationBudget(0.5), e.IterationBudget(1500))
	// Output: 2000 3000
}
