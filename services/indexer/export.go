package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type exportRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Escrow     string `parquet:"name=escrow, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	IndexedAt  string `parquet:"name=indexed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet streams every event matching f to w as a snappy-compressed
// parquet file and returns the number of rows written. f.Limit caps the export
// when positive.
func (s *Store) ExportParquet(ctx context.Context, w io.Writer, f Filter) (int, error) {
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(w), new(exportRow), 1)
	if err != nil {
		return 0, fmt.Errorf("indexer: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	remaining := f.Limit
	page := f
	written := 0
	for {
		page.Limit = maxQueryLimit
		if remaining > 0 && remaining < page.Limit {
			page.Limit = remaining
		}
		events, err := s.Query(ctx, page)
		if err != nil {
			_ = pw.WriteStop()
			return written, err
		}
		for _, evt := range events {
			attrs, err := json.Marshal(evt.Attributes)
			if err != nil {
				_ = pw.WriteStop()
				return written, err
			}
			row := &exportRow{
				Sequence:   int64(evt.Sequence),
				Type:       evt.Type,
				Escrow:     evt.Escrow,
				Attributes: string(attrs),
				IndexedAt:  evt.IndexedAt.UTC().Format(time.RFC3339Nano),
			}
			if err := pw.Write(row); err != nil {
				_ = pw.WriteStop()
				return written, fmt.Errorf("indexer: parquet write: %w", err)
			}
			written++
			page.After = evt.Sequence
		}
		if remaining > 0 {
			remaining -= len(events)
			if remaining <= 0 {
				break
			}
		}
		if len(events) < page.Limit {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		return written, fmt.Errorf("indexer: parquet flush: %w", err)
	}
	return written, nil
}
