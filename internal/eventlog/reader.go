package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
)

// Path returns the event log location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, "log.jsonl")
}

// ReadTail returns the last n entries from the log file at path, oldest
// first. Malformed lines are skipped. A missing file yields no entries.
func ReadTail(path string, n int) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
