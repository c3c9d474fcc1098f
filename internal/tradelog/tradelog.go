// Package tradelog is the append-only JSON-lines audit log of plan
// transitions. One file is written per UTC day.
package tradelog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"crossarb/internal/model"
)

const (
	filePrefix = "trades-"
	fileSuffix = ".jsonl"
)

// Recorder persists one audit entry.
type Recorder interface {
	Record(ctx context.Context, e model.TradeEntry) error
}

type multi []Recorder

// Multi records every entry to all recorders, continuing past failures.
func Multi(rs ...Recorder) Recorder {
	out := make(multi, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) Record(ctx context.Context, e model.TradeEntry) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log appends entries to <dir>/trades-YYYY-MM-DD.jsonl.
type Log struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	file     *os.File
	day      string
	onRotate func(path string)
	hooks    conc.WaitGroup
}

func Open(dir string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tradelog: create %s: %w", dir, err)
	}
	return &Log{
		dir:    dir,
		logger: logger.With(slog.String("component", "tradelog")),
		now:    time.Now,
	}, nil
}

// OnRotate registers fn to run, in the background, with the path of every
// day file that has been closed.
func (l *Log) OnRotate(fn func(path string)) {
	l.mu.Lock()
	l.onRotate = fn
	l.mu.Unlock()
}

func (l *Log) path(day string) string {
	return filepath.Join(l.dir, filePrefix+day+fileSuffix)
}

func (l *Log) Record(ctx context.Context, e model.TradeEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("tradelog: encode entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateLocked(l.now().UTC().Format(time.DateOnly)); err != nil {
		return err
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("tradelog: write: %w", err)
	}
	return l.file.Sync()
}

func (l *Log) rotateLocked(day string) error {
	if l.file != nil && day == l.day {
		return nil
	}
	if l.file != nil {
		closed := l.file.Name()
		if err := l.file.Close(); err != nil {
			l.logger.Warn("close day file", slog.String("path", closed), slog.String("error", err.Error()))
		}
		l.file = nil
		if fn := l.onRotate; fn != nil {
			l.hooks.Go(func() { fn(closed) })
		}
	}
	f, err := os.OpenFile(l.path(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("tradelog: open day file: %w", err)
	}
	l.file, l.day = f, day
	return nil
}

// Close flushes the current file and waits for rotation hooks.
func (l *Log) Close() error {
	l.mu.Lock()
	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	l.mu.Unlock()
	l.hooks.Wait()
	return err
}

// Files lists the day files oldest first.
func (l *Log) Files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadFile decodes one day file.
func ReadFile(path string) ([]model.TradeEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tradelog: open %s: %w", path, err)
	}
	defer f.Close()

	var out []model.TradeEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var e model.TradeEntry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("tradelog: %s line %d: %w", filepath.Base(path), n, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func (l *Log) scan(ctx context.Context, fn func(model.TradeEntry)) error {
	files, err := l.Files()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := ReadFile(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fn(e)
		}
	}
	return nil
}

// History returns every entry of planID in write order.
func (l *Log) History(ctx context.Context, planID string) ([]model.TradeEntry, error) {
	var out []model.TradeEntry
	err := l.scan(ctx, func(e model.TradeEntry) {
		if e.PlanID == planID {
			out = append(out, e)
		}
	})
	return out, err
}

// Stranded returns the last entry of every plan whose latest state is
// STRANDED.
func (l *Log) Stranded(ctx context.Context) ([]model.TradeEntry, error) {
	latest := make(map[string]model.TradeEntry)
	var order []string
	err := l.scan(ctx, func(e model.TradeEntry) {
		if _, seen := latest[e.PlanID]; !seen {
			order = append(order, e.PlanID)
		}
		latest[e.PlanID] = e
	})
	if err != nil {
		return nil, err
	}
	var out []model.TradeEntry
	for _, id := range order {
		if e := latest[id]; e.State == model.StateStranded {
			out = append(out, e)
		}
	}
	return out, nil
}
