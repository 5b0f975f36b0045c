package vkp

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openclass/nexusai-gateway/internal/domain"
)

// HTTPDownloader fetches the remote package index (a YAML document) and
// package archives over HTTP(S), grounded on the same tar+gzip shape the
// teacher's persistence layer uses for backup archives, repointed here at
// package downloads instead of chunk snapshots.
type HTTPDownloader struct {
	client   *http.Client
	indexURL string
}

func NewHTTPDownloader(indexURL string, timeout time.Duration) *HTTPDownloader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDownloader{
		client:   &http.Client{Timeout: timeout},
		indexURL: indexURL,
	}
}

func (d *HTTPDownloader) FetchIndex(ctx context.Context) (*RemoteIndex, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.indexURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("package index fetch: unexpected status %d", resp.StatusCode)
	}

	var idx RemoteIndex
	if err := yaml.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return nil, fmt.Errorf("decode package index: %w", err)
	}
	return &idx, nil
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("package download: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// TarChunkReader decodes a gzip+tar package archive of one JSON-encoded
// domain.Chunk per entry, the same archive layout
// internal/persistence.BackupManager writes for chunk snapshots (C10).
type TarChunkReader struct{}

func (TarChunkReader) ReadChunks(r io.Reader) ([]domain.Chunk, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var chunks []domain.Chunk
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		var c domain.Chunk
		if err := json.NewDecoder(tr).Decode(&c); err != nil {
			return nil, fmt.Errorf("decode chunk entry %s: %w", header.Name, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}
