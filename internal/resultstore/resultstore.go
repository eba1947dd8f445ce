// Package resultstore persists materialized query results to the object
// store. Each result set is stored as a JSON manifest describing the columns
// plus a parquet payload holding the rows.
package resultstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/s3ni0r/caravel/internal/dataframe"
	"github.com/s3ni0r/caravel/internal/storage"
)

var ErrNotFound = errors.New("result set not found")

type Manifest struct {
	RowCount int64              `json:"row_count"`
	Columns  []dataframe.Column `json:"columns"`
}

type ResultSet struct {
	RowCount int64
	Columns  []dataframe.Column
	Records  []map[string]any
}

type resultRecord struct {
	Position    int64  `parquet:"position"`
	PayloadJSON string `parquet:"payload_json"`
}

type Store struct {
	objects storage.ObjectStore
}

func New(objects storage.ObjectStore) *Store {
	return &Store{objects: objects}
}

// Save writes the frame under resultsKey. The manifest and the row payload
// are written separately so readers can inspect column metadata without
// fetching the rows.
func (s *Store) Save(ctx context.Context, resultsKey string, frame *dataframe.DataFrame) error {
	manifestKey, err := storage.BuildResultManifestKey(resultsKey)
	if err != nil {
		return err
	}
	rowsKey, err := storage.BuildResultRowsKey(resultsKey)
	if err != nil {
		return err
	}

	records := frame.Records()
	manifest := Manifest{
		RowCount: int64(len(records)),
		Columns:  frame.Columns(),
	}

	payload, err := encodeRecords(records)
	if err != nil {
		return err
	}
	if _, err := s.objects.Put(ctx, rowsKey, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{ContentType: storage.ContentTypeRows}); err != nil {
		return fmt.Errorf("put result rows %q: %w", rowsKey, err)
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode result manifest: %w", err)
	}
	if _, err := s.objects.Put(ctx, manifestKey, bytes.NewReader(manifestJSON), int64(len(manifestJSON)), storage.PutOptions{ContentType: storage.ContentTypeManifest}); err != nil {
		return fmt.Errorf("put result manifest %q: %w", manifestKey, err)
	}
	return nil
}

// Fetch loads the result set stored under resultsKey.
func (s *Store) Fetch(ctx context.Context, resultsKey string) (ResultSet, error) {
	manifestKey, err := storage.BuildResultManifestKey(resultsKey)
	if err != nil {
		return ResultSet{}, err
	}
	rowsKey, err := storage.BuildResultRowsKey(resultsKey)
	if err != nil {
		return ResultSet{}, err
	}

	manifest, err := s.fetchManifest(ctx, manifestKey)
	if err != nil {
		return ResultSet{}, err
	}

	reader, err := s.objects.Get(ctx, rowsKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return ResultSet{}, ErrNotFound
		}
		return ResultSet{}, fmt.Errorf("get result rows %q: %w", rowsKey, err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return ResultSet{}, fmt.Errorf("read result rows %q: %w", rowsKey, err)
	}
	records, err := decodeRecords(payload)
	if err != nil {
		return ResultSet{}, err
	}

	return ResultSet{
		RowCount: manifest.RowCount,
		Columns:  manifest.Columns,
		Records:  records,
	}, nil
}

// Exists reports whether a result set is stored under resultsKey.
func (s *Store) Exists(ctx context.Context, resultsKey string) (bool, error) {
	manifestKey, err := storage.BuildResultManifestKey(resultsKey)
	if err != nil {
		return false, err
	}
	if _, err := s.objects.Stat(ctx, manifestKey); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stat result manifest %q: %w", manifestKey, err)
	}
	return true, nil
}

// Delete removes the stored rows and manifest for a results key. Objects
// already gone are treated as deleted.
func (s *Store) Delete(ctx context.Context, resultsKey string) error {
	rowsKey, err := storage.BuildResultRowsKey(resultsKey)
	if err != nil {
		return err
	}
	manifestKey, err := storage.BuildResultManifestKey(resultsKey)
	if err != nil {
		return err
	}
	for _, key := range []string{rowsKey, manifestKey} {
		if err := s.objects.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return fmt.Errorf("delete result object %q: %w", key, err)
		}
	}
	return nil
}

func (s *Store) fetchManifest(ctx context.Context, manifestKey string) (Manifest, error) {
	reader, err := s.objects.Get(ctx, manifestKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("get result manifest %q: %w", manifestKey, err)
	}
	defer reader.Close()

	var manifest Manifest
	if err := json.NewDecoder(reader).Decode(&manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode result manifest %q: %w", manifestKey, err)
	}
	return manifest, nil
}

func encodeRecords(records []map[string]any) ([]byte, error) {
	rows := make([]resultRecord, 0, len(records))
	for i, record := range records {
		recordJSON, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("encode result row %d: %w", i, err)
		}
		rows = append(rows, resultRecord{Position: int64(i), PayloadJSON: string(recordJSON)})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[resultRecord](buf)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecords(payload []byte) ([]map[string]any, error) {
	rows, err := parquet.Read[resultRecord](bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}

	records := make([]map[string]any, len(rows))
	for _, row := range rows {
		if row.Position < 0 || row.Position >= int64(len(rows)) {
			return nil, fmt.Errorf("result row position %d out of range", row.Position)
		}
		decoder := json.NewDecoder(strings.NewReader(row.PayloadJSON))
		decoder.UseNumber()
		var record map[string]any
		if err := decoder.Decode(&record); err != nil {
			return nil, fmt.Errorf("decode result row %d: %w", row.Position, err)
		}
		records[row.Position] = record
	}
	return records, nil
}
