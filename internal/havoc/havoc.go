// Package havoc generates candidates by stacking random byte mutations on a
// seed, optionally after splicing it with another corpus entry.
package havoc

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	SpliceState  = "splice"
	spliceRounds = 8
	// partners tried per splice round
	spliceRetryLimit = 64
	// handler draws per splice round before the round is dropped
	spliceDrawLimit = 64
)

// Callback evaluates one candidate. An error aborts the stage.
type Callback func(ctx context.Context, candidate []byte, state string) error

type Config struct {
	Handlers      []Handler
	MaxFileSize   int
	MaxMutatedLen int
	MinIterations int
	StackPow2     int
	CorpusDir     string // <workdir>/corpus
}

type RunOptions struct {
	Resize bool
	State  string
	Splice bool
}

type Engine struct {
	cfg    Config
	rand   *rand.Rand
	logger *zap.Logger
}

func NewEngine(cfg Config, r *rand.Rand, logger *zap.Logger) *Engine {
	if cfg.StackPow2 <= 0 {
		cfg.StackPow2 = 1
	}
	return &Engine{cfg, r, logger.Named("havoc")}
}

func (e *Engine) Rand() *rand.Rand {
	return e.rand
}

// IterationBudget scales the number of havoc rounds with the performance
// score of a node, never going below the configured minimum.
func (e *Engine) IterationBudget(perfScore float64) int {
	return max(int(2*perfScore), e.cfg.MinIterations)
}

func (e *Engine) truncate(data []byte, limit int) []byte {
	if limit > 0 && len(data) > limit {
		return data[:limit]
	}
	return data
}

func (e *Engine) pick() Handler {
	return e.cfg.Handlers[e.rand.Intn(len(e.cfg.Handlers))]
}

// RunStacked runs maxIterations havoc rounds on seed and calls cb once per
// round with the final candidate.
func (e *Engine) RunStacked(ctx context.Context, seed []byte, cb Callback, maxIterations int, opts RunOptions) error {
	if len(e.cfg.Handlers) == 0 {
		return nil
	}
	work := seed
	if opts.Resize {
		work = make([]byte, 0, 2*len(seed))
		work = append(work, seed...)
		work = append(work, seed...)
	}

	state := opts.State
	if opts.Splice {
		state = SpliceState
	}

	for range maxIterations {
		if err := ctx.Err(); err != nil {
			return err
		}

		var candidate []byte
		if opts.Splice {
			var ok bool
			if candidate, ok = e.spliceRound(work); !ok {
				continue
			}
		} else {
			candidate = e.stackRound(work)
		}
		candidate = e.truncate(candidate, e.cfg.MaxMutatedLen)

		if err := cb(ctx, candidate, state); err != nil {
			return err
		}
	}
	return nil
}

// stackRound stacks 2 to 2^StackPow2 random handlers on work. RunStacked
// hands it the unmodified seed every round, so rounds never build on each
// other's mutations.
func (e *Engine) stackRound(work []byte) []byte {
	data := work
	depth := e.rand.Intn(e.cfg.StackPow2)
	stack := 1 << (depth + 1)
	for range stack {
		data = e.truncate(e.pick()(e.rand, data), e.cfg.MaxFileSize)
	}
	return data
}

// spliceRound applies a random handler to the spliced seed, drawing again
// until the result keeps more than half of the seed.
func (e *Engine) spliceRound(work []byte) ([]byte, bool) {
	for range spliceDrawLimit {
		data := e.pick()(e.rand, work)
		if len(data) > len(work)/2 {
			return e.truncate(data, e.cfg.MaxFileSize), true
		}
	}
	return nil, false
}

// RunSplice splices seed with corpus entries and runs stacked havoc in splice
// mode on each result. Rounds without a suitable partner are skipped.
func (e *Engine) RunSplice(ctx context.Context, seed []byte, cb Callback, maxIterations int, resize bool) error {
	files, err := filepath.Glob(filepath.Join(e.cfg.CorpusDir, "*", "payload_*"))
	if err != nil {
		return err
	}
	budget := 2 * maxIterations / spliceRounds

	for range spliceRounds {
		spliced, ok := e.splice(seed, files)
		if !ok {
			e.logger.Debug("no splice partner found", zap.Int("candidates", len(files)))
			continue
		}
		if err := e.RunStacked(ctx, spliced, cb, budget, RunOptions{Resize: resize, Splice: true}); err != nil {
			return err
		}
	}
	return nil
}

// splice combines data with a random corpus file at a split point inside the
// range where the two differ.
func (e *Engine) splice(data []byte, files []string) ([]byte, bool) {
	if len(data) < 2 || len(files) == 0 {
		return nil, false
	}
	order := e.rand.Perm(len(files))
	for _, idx := range order[:min(len(order), spliceRetryLimit)] {
		other, err := e.readPartner(files[idx])
		if err != nil {
			e.logger.Debug("skipping unreadable splice partner", zap.String("file", files[idx]), zap.Error(err))
			continue
		}
		if len(other) < 2 {
			continue
		}
		first, last := findDiffs(data, other)
		if last < 2 || first == last {
			continue
		}
		split := first + e.rand.Intn(last-first)
		out := make([]byte, 0, len(other))
		out = append(out, data[:split]...)
		return append(out, other[split:]...), true
	}
	return nil, false
}

func (e *Engine) readPartner(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return e.truncate(data, e.cfg.MaxFileSize), nil
}

// findDiffs returns the first and last index at which a and b differ within
// their common length, or -1, -1 when they do not.
func findDiffs(a, b []byte) (int, int) {
	first, last := -1, -1
	for i := range min(len(a), len(b)) {
		if a[i] != b[i] {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	return first, last
}
