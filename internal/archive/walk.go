package archive

import (
	"errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Walk lazily yields every frame-named file (<digits>.<ext>) under root, at
// any depth, in lexical order. Files with other names are skipped.
// A missing root yields nothing. The first walk error is yielded once and
// ends the sequence.
//
// Symlinked directories, the root included, are followed; each resolved
// directory is visited once. Frame.Path is always spelled under root.
// Removing the yielded file while iterating is safe: each directory is read
// in full before its entries are visited.
func Walk(root, ext string) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		w := &walker{root: root, ext: ext, yield: yield, seen: map[string]bool{}}
		if err := w.dir(root); err != nil && err != errStopWalk {
			yield(Frame{}, err)
		}
	}
}

var errStopWalk = errors.New("stop walk")

type walker struct {
	root  string
	ext   string
	yield func(Frame, error) bool
	seen  map[string]bool
}

func (w *walker) dir(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if path == w.root && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if real, err := filepath.EvalSymlinks(path); err == nil {
		if w.seen[real] {
			return nil
		}
		w.seen[real] = true
	}

	for _, e := range entries {
		p := filepath.Join(path, e.Name())
		typ := e.Type()
		if typ&fs.ModeSymlink != 0 {
			info, err := os.Stat(p)
			if err != nil || !info.IsDir() {
				// dangling links and linked files are not frames
				continue
			}
			typ = fs.ModeDir
		}

		switch {
		case typ.IsDir():
			if err := w.dir(p); err != nil {
				return err
			}
		case typ.IsRegular():
			hour, ok := ParseFrameName(e.Name(), w.ext)
			if !ok {
				continue
			}
			f := Frame{Path: p, Hour: hour}
			f.Day, f.Dated = datedParent(w.root, p)
			if !w.yield(f, nil) {
				return errStopWalk
			}
		}
	}
	return nil
}

// datedParent reports the day encoded by path's parents when path is exactly
// root/YYYY/MM/DD/<file>.
func datedParent(root, path string) (Day, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Day{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return Day{}, false
	}
	if !IsYearName(parts[0]) || !IsPartName(parts[1]) || !IsPartName(parts[2]) {
		return Day{}, false
	}
	return dayFromParts(parts[0], parts[1], parts[2]), true
}

// DayFrames returns the frames stored for day, ordered by ascending hour and
// then by file name. A missing day directory returns no frames and no error.
func DayFrames(root string, day Day, ext string) ([]Frame, error) {
	dir := day.Dir(root)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	frames := make([]Frame, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		hour, ok := ParseFrameName(e.Name(), ext)
		if !ok {
			continue
		}
		frames = append(frames, Frame{
			Path:  filepath.Join(dir, e.Name()),
			Hour:  hour,
			Day:   day,
			Dated: true,
		})
	}

	sort.SliceStable(frames, func(i, j int) bool {
		if frames[i].Hour != frames[j].Hour {
			return frames[i].Hour < frames[j].Hour
		}
		return frames[i].Path < frames[j].Path
	})
	return frames, nil
}

// HasFrame reports whether dir directly contains at least one frame-named file.
func HasFrame(dir, ext string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if _, ok := ParseFrameName(e.Name(), ext); ok {
			return true, nil
		}
	}
	return false, nil
}
