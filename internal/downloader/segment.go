package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/ygncode/alldebrid-broker/internal/broker"
	"github.com/ygncode/alldebrid-broker/internal/ringbuffer"
)

// segment is one disjoint byte window of the file, fetched and written
// independently. For the hdd profile (max connections 1) there is always
// exactly one segment spanning [offset, sizeTotal).
type segment struct {
	url        string
	start, end int64 // end is exclusive
}

// planSegments partitions [offset, sizeTotal) into n equal (last one may be
// larger by the remainder) disjoint windows, per spec.md §4.5: "partition
// the remaining range into equal segments and stream each independently to
// its absolute offset."
func planSegments(url string, offset, sizeTotal int64, n int) []segment {
	remaining := sizeTotal - offset
	if n <= 1 || remaining <= 0 {
		return []segment{{url: url, start: offset, end: sizeTotal}}
	}

	chunk := remaining / int64(n)
	if chunk == 0 {
		return []segment{{url: url, start: offset, end: sizeTotal}}
	}

	segments := make([]segment, 0, n)
	start := offset
	for i := 0; i < n; i++ {
		end := start + chunk
		if i == n-1 {
			end = sizeTotal
		}
		segments = append(segments, segment{url: url, start: start, end: end})
		start = end
	}
	return segments
}

// runSegment fetches seg's byte range and writes it to file at seg's
// absolute offsets, funneling all bytes through one bounded ringbuffer.Buffer
// (spec.md §4.5 "Memory discipline"): the HTTP reader is the producer, a
// batched WriteAt loop is the consumer. doneBytes accumulates this and every
// other segment's progress so Run can publish an aggregate.
func (d *Downloader) runSegment(ctx context.Context, file *os.File, seg segment, bufBytes, batchBytes int64, flushInterval time.Duration, doneBytes *atomic.Int64) error {
	if seg.end <= seg.start {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.url, nil)
	if err != nil {
		return broker.New(broker.KindInternal, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.start, seg.end-1))
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return broker.New(broker.ClassifyNetworkError(err), err)
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return broker.New(broker.ClassifyHTTPStatus(resp.StatusCode), fmt.Errorf("segment fetch: status %d", resp.StatusCode))
	}
	body := &idleTimeoutReader{r: resp.Body, d: idleReadTimeout}
	defer body.Close()

	ring := ringbuffer.New(int(bufBytes))

	producerErr := make(chan error, 1)
	go func() {
		readBuf := make([]byte, httpReadBufferCap)
		for {
			if ctx.Err() != nil {
				producerErr <- ctx.Err()
				ring.Close()
				return
			}
			n, err := body.Read(readBuf)
			if n > 0 {
				if _, werr := ring.Write(ctx, readBuf[:n]); werr != nil {
					producerErr <- werr
					ring.Close()
					return
				}
			}
			if err != nil {
				ring.Close()
				if errors.Is(err, io.EOF) {
					producerErr <- nil
				} else {
					producerErr <- broker.New(broker.KindNetworkTransient, err)
				}
				return
			}
		}
	}()

	written, writeErr := drainToFile(ctx, ring, file, seg.start, batchBytes, flushInterval, doneBytes)
	pErr := <-producerErr

	if writeErr != nil {
		return writeErr
	}
	if pErr != nil {
		return pErr
	}
	if expected := seg.end - seg.start; written != expected {
		return broker.Newf(broker.KindSizeMismatch,
			"downloader: segment [%d,%d) wrote %d of %d bytes", seg.start, seg.end, written, expected)
	}
	return nil
}

// drainToFile is the consumer side: it reads batches from ring and issues
// sequential WriteAt calls at the segment's current offset, incrementing
// doneBytes under no lock (atomic) since size_done aggregation across
// segments only needs to be eventually consistent for progress metering --
// the authoritative completion check in runSegment compares written totals.
func drainToFile(ctx context.Context, ring *ringbuffer.Buffer, file *os.File, fileOffset, batchBytes int64, flushInterval time.Duration, doneBytes *atomic.Int64) (int64, error) {
	batch := make([]byte, batchBytes)
	var written int64
	lastFlush := time.Now()

	for {
		n, err := ring.Read(ctx, batch)
		if n > 0 {
			if _, werr := file.WriteAt(batch[:n], fileOffset+written); werr != nil {
				return written, broker.New(broker.ClassifyDiskError(werr), werr)
			}
			written += int64(n)
			doneBytes.Add(int64(n))
		}
		if time.Since(lastFlush) >= flushInterval {
			if ferr := file.Sync(); ferr != nil {
				return written, broker.New(broker.ClassifyDiskError(ferr), ferr)
			}
			lastFlush = time.Now()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, broker.New(broker.KindCancelled, err)
		}
	}
}
