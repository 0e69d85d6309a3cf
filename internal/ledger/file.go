package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	successHeader = []string{"ID", "PanoID", "File", "Timestamp"}
	failureHeader = []string{"ID", "Reason", "Timestamp"}
)

// FileLedger stores outcomes in two append-only CSV streams, one for
// successes and one for failures. Appends are serialized by a mutex so
// concurrent pipeline workers never interleave partial records.
type FileLedger struct {
	mu          sync.Mutex
	successPath string
	failurePath string
	successFile *os.File
	failureFile *os.File
}

// OpenFileLedger opens (creating if needed) the two ledger streams.
func OpenFileLedger(successPath, failurePath string) (*FileLedger, error) {
	successFile, err := openAppend(successPath, successHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to open success ledger: %w", err)
	}
	failureFile, err := openAppend(failurePath, failureHeader)
	if err != nil {
		successFile.Close()
		return nil, fmt.Errorf("failed to open failure ledger: %w", err)
	}

	return &FileLedger{
		successPath: successPath,
		failurePath: failurePath,
		successFile: successFile,
		failureFile: failureFile,
	}, nil
}

// openAppend opens a CSV stream for appending, writing the header when the
// file is new or empty.
func openAppend(path string, header []string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return f, nil
}

// Load reads both streams and returns the terminal status per point ID.
// A success always wins over a failure for the same ID, regardless of order:
// a point that ever succeeded stays done.
func (l *FileLedger) Load() (map[string]Status, error) {
	statuses := make(map[string]Status)

	failureIDs, err := readIDColumn(l.failurePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read failure ledger: %w", err)
	}
	for _, id := range failureIDs {
		statuses[id] = StatusFailure
	}

	successIDs, err := readIDColumn(l.successPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read success ledger: %w", err)
	}
	for _, id := range successIDs {
		statuses[id] = StatusSuccess
	}

	return statuses, nil
}

// readIDColumn returns the first column of every data row in a ledger CSV.
// A missing file is an empty ledger, not an error.
func readIDColumn(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var ids []string
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if len(row) > 0 && row[0] == "ID" {
				continue
			}
		}
		if len(row) > 0 && row[0] != "" {
			ids = append(ids, row[0])
		}
	}

	return ids, nil
}

// Append writes one outcome record to the matching stream.
func (l *FileLedger) Append(rec OutcomeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var file *os.File
	var row []string
	switch rec.Status {
	case StatusSuccess:
		file = l.successFile
		row = []string{rec.PointID, rec.PanoID, rec.Path, ts.Format(time.RFC3339)}
	case StatusFailure:
		file = l.failureFile
		row = []string{rec.PointID, rec.Reason, ts.Format(time.RFC3339)}
	default:
		return fmt.Errorf("unknown outcome status %q", rec.Status)
	}

	w := csv.NewWriter(file)
	if err := w.Write(row); err != nil {
		return fmt.Errorf("failed to append ledger record: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush ledger record: %w", err)
	}

	return nil
}

// Close closes both streams.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if err := l.successFile.Close(); err != nil {
		firstErr = err
	}
	if err := l.failureFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
