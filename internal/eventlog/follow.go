package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow tails the log file, invoking fn for every entry appended after the
// call. It returns when ctx is cancelled. The file may not exist yet; it is
// picked up once the loop creates it.
func Follow(ctx context.Context, path string, fn func(Entry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: the atomic state writes next to
	// the log recreate files, and a missing log appears later.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			next, err := emitNewEntries(path, offset, fn)
			if err != nil {
				return err
			}
			offset = next
		}
	}
}

// emitNewEntries reads entries appended past offset and returns the new
// offset. Partial trailing lines are left for the next write event.
func emitNewEntries(path string, offset int64, fn func(Entry)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return offset, nil
		}
		return offset, err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < offset {
		// Truncated or rotated, start over.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Incomplete line, wait for the rest.
			return offset, nil
		}
		offset += int64(len(line))

		var entry Entry
		if json.Unmarshal(line, &entry) == nil {
			fn(entry)
		}
	}
}
