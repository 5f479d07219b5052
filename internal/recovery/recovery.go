// Package recovery finds scheduling states to restore when the state table
// has been lost.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/conorfennell/sprout/internal/fsrs"
)

// ErrRecoveryRejected marks a candidate that was not usable. It is logged at
// debug level and never returned by Locate.
var ErrRecoveryRejected = errors.New("recovery: candidate rejected")

// DefaultMinKeyRatio is the share of well-formed keys a candidate needs.
const DefaultMinKeyRatio = 0.7

var keyShape = regexp.MustCompile(`^\d{9}(::.+)?$`)

// statePaths select the state map inside a snapshot document, in order.
var statePaths = []jp.Expr{
	jp.MustParseString("$.states"),
	jp.MustParseString("$.store.states"),
	jp.MustParseString("$.data.states"),
}

// Options configures a Locator. Paths are relative to FS.
type Options struct {
	FS          billy.Filesystem
	Primary     string
	Variants    []string
	BackupDir   string
	MinKeyRatio float64
	Logger      *slog.Logger
}

// DefaultOptions returns the standard file layout for fs.
func DefaultOptions(fs billy.Filesystem) Options {
	return Options{
		FS:          fs,
		Primary:     "sprout.json",
		Variants:    []string{"sprout.json.bak", "sprout.backup.json", "sprout.json.tmp"},
		BackupDir:   "backups",
		MinKeyRatio: DefaultMinKeyRatio,
	}
}

// Result is a located state table.
type Result struct {
	Source string
	States map[string]fsrs.State
}

// Locator searches the known snapshot locations.
type Locator struct {
	opts   Options
	logger *slog.Logger
}

// New returns a Locator.
func New(opts Options) *Locator {
	if opts.MinKeyRatio <= 0 {
		opts.MinKeyRatio = DefaultMinKeyRatio
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{opts: opts, logger: logger.With("component", "recovery")}
}

// Locate returns the first usable state table from, in order: memory, the
// primary snapshot, its named variants, and the best-scoring file of the
// backups folder. It reports false when nothing usable exists.
func (l *Locator) Locate(ctx context.Context, memory map[string]fsrs.State) (Result, bool) {
	if len(memory) > 0 {
		return Result{Source: "memory", States: memory}, true
	}
	if l.opts.FS == nil {
		return Result{}, false
	}

	for _, name := range append([]string{l.opts.Primary}, l.opts.Variants...) {
		if name == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{}, false
		}
		c, err := l.load(name)
		if err != nil {
			l.logger.Debug("skipping snapshot", "path", name, "error", err)
			continue
		}
		l.logger.Info("recovered scheduling states", "path", name, "states", len(c.states))
		return Result{Source: name, States: c.states}, true
	}

	best, ok := l.scanBackups(ctx)
	if !ok {
		return Result{}, false
	}
	l.logger.Info("recovered scheduling states from backup",
		"path", best.path, "states", len(best.states), "score", best.score)
	return Result{Source: best.path, States: best.states}, true
}

type candidate struct {
	path    string
	states  map[string]fsrs.State
	score   float64
	modTime time.Time
}

func (l *Locator) scanBackups(ctx context.Context) (candidate, bool) {
	if l.opts.BackupDir == "" {
		return candidate{}, false
	}
	infos, err := l.opts.FS.ReadDir(l.opts.BackupDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Debug("cannot read backups", "dir", l.opts.BackupDir, "error", err)
		}
		return candidate{}, false
	}

	var found []candidate
	for _, info := range infos {
		if info.IsDir() || !strings.EqualFold(path.Ext(info.Name()), ".json") {
			continue
		}
		if ctx.Err() != nil {
			return candidate{}, false
		}
		name := path.Join(l.opts.BackupDir, info.Name())
		c, err := l.load(name)
		if err != nil {
			l.logger.Debug("skipping backup", "path", name, "error", err)
			continue
		}
		c.modTime = info.ModTime()
		found = append(found, c)
	}
	if len(found) == 0 {
		return candidate{}, false
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].score != found[j].score {
			return found[i].score > found[j].score
		}
		return found[i].modTime.After(found[j].modTime)
	})
	return found[0], true
}

func (l *Locator) load(name string) (candidate, error) {
	data, err := util.ReadFile(l.opts.FS, name)
	if err != nil {
		return candidate{}, err
	}
	states, score, err := Extract(data, l.opts.MinKeyRatio)
	if err != nil {
		return candidate{}, err
	}
	return candidate{path: name, states: states, score: score}, nil
}

// Extract selects the state map of a snapshot document and decodes it. The
// score grows with the number of well-formed keys and, more weakly, with the
// total number of keys. Documents whose share of well-formed keys is below
// minRatio are rejected.
func Extract(data []byte, minRatio float64) (map[string]fsrs.State, float64, error) {
	root, err := oj.Parse(data)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrRecoveryRejected, err)
	}

	var table map[string]any
	for _, x := range statePaths {
		for _, v := range x.Get(root) {
			if m, ok := v.(map[string]any); ok {
				table = m
				break
			}
		}
		if table != nil {
			break
		}
	}
	if table == nil {
		m, ok := root.(map[string]any)
		if !ok {
			return nil, 0, fmt.Errorf("%w: no state map", ErrRecoveryRejected)
		}
		table = m
	}
	if len(table) == 0 {
		return nil, 0, fmt.Errorf("%w: empty state map", ErrRecoveryRejected)
	}

	matched := 0
	for key := range table {
		if keyShape.MatchString(key) {
			matched++
		}
	}
	ratio := float64(matched) / float64(len(table))
	if ratio < minRatio {
		return nil, 0, fmt.Errorf("%w: key ratio %.2f below %.2f", ErrRecoveryRejected, ratio, minRatio)
	}

	states := make(map[string]fsrs.State, matched)
	for key, v := range table {
		if !keyShape.MatchString(key) {
			continue
		}
		var st fsrs.State
		if err := json.Unmarshal([]byte(oj.JSON(v)), &st); err != nil {
			continue
		}
		states[key] = st
	}
	if len(states) == 0 {
		return nil, 0, fmt.Errorf("%w: no decodable states", ErrRecoveryRejected)
	}
	score := float64(matched) + 0.25*float64(len(table))
	return states, score, nil
}
