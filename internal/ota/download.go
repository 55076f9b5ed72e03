package ota

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zlseong/vmg/internal/httpc"
	"github.com/zlseong/vmg/internal/vmgerr"
)

// Download tuning. The chunk size matches the backend's range-request
// granularity; retries are per chunk, never per file.
const (
	downloadChunkSize   = 64 * 1024
	downloadMaxAttempts = 3
	downloadRetryDelay  = 1 * time.Second

	// progressStep is the percentage granularity of byte progress events.
	progressStep = 5
)

// downloader fetches a package file in ranged chunks with bounded retries.
type downloader struct {
	client *httpc.Client

	// onChunk is called after every persisted chunk; returning an error
	// aborts the download (used for cooperative cancellation).
	onChunk func(downloaded, total uint64) error
}

// fetch downloads totalSize bytes from url into dest. The partial file is
// left in place on failure for post-mortem inspection.
func (d *downloader) fetch(ctx context.Context, url, dest string, totalSize uint64) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", vmgerr.ErrIO, dest, err)
	}
	defer out.Close()

	var downloaded uint64
	for downloaded < totalSize {
		end := downloaded + downloadChunkSize - 1
		if end >= totalSize {
			end = totalSize - 1
		}

		chunk, err := d.fetchChunk(ctx, url, int64(downloaded), int64(end))
		if err != nil {
			return err
		}

		// A server ignoring Range answers 200 with the whole file; take
		// our slice so every chunk still lands exactly once.
		if uint64(len(chunk)) > end-downloaded+1 {
			chunk = chunk[downloaded : end+1]
		}
		if len(chunk) == 0 {
			return fmt.Errorf("%w: empty chunk at offset %d", vmgerr.ErrProtocol, downloaded)
		}

		if _, err := out.Write(chunk); err != nil {
			return fmt.Errorf("%w: write chunk to %s: %v", vmgerr.ErrIO, dest, err)
		}
		downloaded += uint64(len(chunk))

		if d.onChunk != nil {
			if err := d.onChunk(downloaded, totalSize); err != nil {
				return err
			}
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", vmgerr.ErrIO, dest, err)
	}
	return nil
}

// fetchChunk retrieves one byte range, retrying transient failures with a
// constant backoff.
func (d *downloader) fetchChunk(ctx context.Context, url string, start, end int64) ([]byte, error) {
	var chunk []byte

	op := func() error {
		resp, err := d.client.GetRange(ctx, url, start, end)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return fmt.Errorf("%w: chunk %d-%d: HTTP %d", vmgerr.ErrIO, start, end, resp.StatusCode)
		}
		chunk = resp.Body
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(downloadRetryDelay), downloadMaxAttempts-1),
		ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("chunk %d-%d failed after %d attempts: %w", start, end, downloadMaxAttempts, err)
	}
	return chunk, nil
}
