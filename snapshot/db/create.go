package db

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
	"github.com/peter-fm/snapbase-sub001/snapshot/hash"
	"github.com/peter-fm/snapbase-sub001/snapshot/source"
)

type rowChunk struct {
	ordinal int
	rows    [][]interface{}
}

type chunkDigests struct {
	ordinal int
	digests []hash.Digest
}

// hashRows streams the source once: every row is spooled to the stored
// rows artifact and batched into chunks which workers fingerprint in
// parallel. Results merge strictly by chunk ordinal, so the index and
// the aggregate come out in source order no matter which worker
// finishes first. Cancellation is honored between chunks.
func hashRows(ctx context.Context, cols []snapshot.ColumnSchema, rows engine.RowReader, spool io.Writer, workers, chunkRows int) (*snapshot.RowIndex, hash.Digest, error) {
	jobs := make(chan rowChunk, workers)
	results := make(chan chunkDigests, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for chunk := range jobs {
				results <- chunkDigests{ordinal: chunk.ordinal, digests: fingerprintChunk(cols, chunk.rows)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	readErr := make(chan error, 1)
	go func() {
		defer close(jobs)
		readErr <- spoolAndDispatch(ctx, cols, rows, spool, chunkRows, jobs)
	}()

	byOrdinal := make(map[int][]hash.Digest)
	for res := range results {
		byOrdinal[res.ordinal] = res.digests
	}
	if err := <-readErr; err != nil {
		return nil, hash.Digest{}, err
	}

	builder := snapshot.NewIndexBuilder()
	aggregate := hash.NewAggregate()
	for i := 0; i < len(byOrdinal); i++ {
		for _, rd := range byOrdinal[i] {
			builder.Add(rd)
			aggregate.Add(rd)
		}
	}
	return builder.Build(), aggregate.Sum(), nil
}

// spoolAndDispatch reads rows until EOF, writing each to the spool and
// sending full chunks to the workers. Rows coming out of a RowReader
// are not reused by the reader, so chunks can hold them directly.
func spoolAndDispatch(ctx context.Context, cols []snapshot.ColumnSchema, rows engine.RowReader, spool io.Writer, chunkRows int, jobs chan<- rowChunk) error {
	buf := bufio.NewWriter(spool)
	chunk := make([][]interface{}, 0, chunkRows)
	ordinal := 0
	var position uint64
	for {
		row, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(row) != len(cols) {
			return snapshot.NewSourceError(nil, "row %d has %d values, schema has %d columns", position, len(row), len(cols))
		}
		if err := source.EncodeRow(buf, row); err != nil {
			return snapshot.NewIoError(err, "spooling row %d", position)
		}
		chunk = append(chunk, row)
		position++
		if len(chunk) == chunkRows {
			if err := ctx.Err(); err != nil {
				return err
			}
			jobs <- rowChunk{ordinal: ordinal, rows: chunk}
			ordinal++
			chunk = make([][]interface{}, 0, chunkRows)
		}
	}
	if len(chunk) > 0 {
		jobs <- rowChunk{ordinal: ordinal, rows: chunk}
	}
	if err := buf.Flush(); err != nil {
		return snapshot.NewIoError(err, "flushing row spool")
	}
	return nil
}

func fingerprintChunk(cols []snapshot.ColumnSchema, rows [][]interface{}) []hash.Digest {
	digests := make([]hash.Digest, len(rows))
	cells := make([]hash.Digest, len(cols))
	for i, row := range rows {
		for c, v := range row {
			cells[c] = hash.Cell(v)
		}
		digests[i] = hash.Row(cells)
	}
	return digests
}
