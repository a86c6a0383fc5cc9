package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/loqalabs/loqa-render/internal/audio"
)

const lockRetry = 50 * time.Millisecond

// ReportPath is where the loudness report of a master at out is written.
func ReportPath(out string) string { return out + ".loudness.json" }

// lockOutput takes an exclusive lock next to out so that two renders never
// write the same file at once.
func lockOutput(ctx context.Context, out string, timeout time.Duration) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	fl := flock.New(out + ".lock")
	var (
		ok  bool
		err error
	)
	if timeout <= 0 {
		ok, err = fl.TryLock()
	} else {
		lctx, cancel := context.WithTimeout(ctx, timeout)
		ok, err = fl.TryLockContext(lctx, lockRetry)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", out, err)
	}
	if !ok {
		return nil, fmt.Errorf("output %s is locked by another render", out)
	}
	return func() { _ = fl.Unlock() }, nil
}

// writeMaster writes p beside path and renames it into place, so readers
// never see a partial file.
func writeMaster(path string, p *audio.PCM) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".loqa-render-*.wav")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	name := tmp.Name()
	if err := audio.EncodePCM(tmp, p); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}

func writeReport(path string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// writeDebugStems dumps each stem undithered at the delivery bit depth and
// fills in the matching StemInfo paths.
func writeDebugStems(dir string, stems map[string]*audio.Stem, format audio.SampleFormat, infos []StemInfo) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create debug stem dir: %w", err)
	}
	for i := range infos {
		st, ok := stems[infos[i].Name]
		if !ok {
			continue
		}
		path := filepath.Join(dir, infos[i].Name+".wav")
		if err := audio.WriteFile(path, audio.Quantize(st, format, nil)); err != nil {
			return fmt.Errorf("debug stem %q: %w", infos[i].Name, err)
		}
		infos[i].Path = path
	}
	return nil
}

// sortStems orders the voice first, then layers by name.
func sortStems(s []StemInfo) {
	sort.Slice(s, func(i, j int) bool {
		if (s[i].Kind == "voice") != (s[j].Kind == "voice") {
			return s[i].Kind == "voice"
		}
		return s[i].Name < s[j].Name
	})
}
