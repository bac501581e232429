package importer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingColumn = errors.New("required column missing from feed header")
	ErrNoCSV         = errors.New("archive contains no csv file")
)

// openFeed opens src for streaming. http(s) URLs are downloaded, file:// URLs
// and plain paths are read from disk.
func openFeed(ctx context.Context, client *http.Client, src string, logger *logrus.Logger) (io.ReadCloser, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", "Homepedia Pipeline/1.0")

		logger.WithField("url", src).Info("Downloading feed")
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", src, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to download %s: status %d", src, resp.StatusCode)
		}
		return resp.Body, nil
	}

	f, err := os.Open(strings.TrimPrefix(src, "file://"))
	if err != nil {
		return nil, fmt.Errorf("failed to open feed: %w", err)
	}
	return f, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	g.Reader.Close()
	return g.body.Close()
}

// maybeGunzip returns a reader decompressing body when it starts with the gzip
// magic number and passing it through otherwise.
func maybeGunzip(body io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(body, 64*1024)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		body.Close()
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return &gzipReadCloser{Reader: gz, body: body}, nil
	}
	return struct {
		io.Reader
		io.Closer
	}{br, body}, nil
}
