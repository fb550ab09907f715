package csvfeed

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"

	"cryptoetl/internal/fetcher"
)

// SourceName is the tag CSV records are stored under.
const SourceName = "csv_local"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// FileSource reads a delimited file with a header row. Every data row
// becomes one raw item: a JSON object of header -> string value.
type FileSource struct {
	fs   afero.Fs
	path string
	now  func() time.Time
}

// NewFileSource creates a source reading path from fs.
func NewFileSource(fs afero.Fs, path string) *FileSource {
	return &FileSource{fs: fs, path: path, now: time.Now}
}

// NewOSFileSource reads path from the local disk.
func NewOSFileSource(path string) *FileSource {
	return NewFileSource(afero.NewOsFs(), path)
}

// Name returns the source tag
func (s *FileSource) Name() string {
	return SourceName
}

// Fetch reads and converts every row of the file.
func (s *FileSource) Fetch(ctx context.Context) ([]fetcher.RawItem, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, fetcher.WithSource(SourceName, &fetcher.FetchError{
			Type:    fetcher.ErrorTypeClient,
			Message: "read " + s.path,
			Cause:   err,
		})
	}

	payloads, err := parse(ctx, bytes.TrimPrefix(data, utf8BOM))
	if err != nil {
		return nil, fetcher.WithSource(SourceName, fetcher.NewValidationError("parse "+s.path, err))
	}

	return fetcher.NewItems(SourceName, payloads, s.now()), nil
}

func parse(ctx context.Context, data []byte) ([]json.RawMessage, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("missing header row")
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var payloads []json.RawMessage
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if isBlank(row) {
			continue
		}

		// Short rows leave trailing columns out, long rows drop the extras.
		fields := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(row) && name != "" {
				fields[name] = row[i]
			}
		}

		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}

	return payloads, nil
}

func isBlank(row []string) bool {
	for _, field := range row {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
