package scheduler

import (
	"io/fs"
	"log"
	"path/filepath"
	"strings"
)

// SourceFunc derives the source tag of a file found under root.
type SourceFunc func(root, path string) string

// SourceFromName tags a file with its name up to the first dot: 25000/xxx.ndjson.gz becomes xxx.
func SourceFromName(_, path string) string {
	name := filepath.Base(path)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// SourceFromRoot tags a file with the name of the source root it was found in.
func SourceFromRoot(root, _ string) string {
	return filepath.Base(filepath.Clean(root))
}

// Discover walks roots recursively and enqueues every file whose name ends with suffix.
// The walk counts as outstanding work, so finalization cannot start halfway through it.
// A walk error is fatal for the run.
func (s *Scheduler) Discover(roots []string, suffix string, sourceOf SourceFunc) error {
	if !s.acquire() {
		return ErrFinalized
	}
	defer s.release()
	if sourceOf == nil {
		sourceOf = SourceFromName
	}

	found := 0
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := s.ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
				return nil
			}
			found++
			return s.Enqueue(Task{Path: path, Source: sourceOf(root, path)})
		})
		if err != nil {
			if s.ctx.Err() == nil {
				s.Abort(err)
			}
			return err
		}
	}
	log.Printf("discovered %d files", found)
	return nil
}
