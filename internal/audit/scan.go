package audit

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// maxLine bounds a single event line.
const maxLine = 1 << 20

// errStop ends a scan early without error.
var errStop = errors.New("stop")

// scanLines calls fn with every line of the log at path, numbered from 1.
// The slice is only valid during the call. A missing log is reported as
// fs.ErrNotExist.
func scanLines(path string, fn func(n int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return fmt.Errorf("audit: open event log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		n++
		if err := fn(n, sc.Bytes()); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("audit: read event log: %w", err)
	}
	return nil
}

// tailHash returns the hash of the last line at path, or GenesisHash for a
// missing or empty log.
func tailHash(path string) (string, error) {
	hash := GenesisHash
	err := scanLines(path, func(_ int, line []byte) error {
		hash = HashLine(line)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	return hash, nil
}
