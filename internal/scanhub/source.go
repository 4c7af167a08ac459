package scanhub

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/branchops/fleetd/pkg/models"
)

// Document is one scanned page or file pulled from a printer.
type Document struct {
	Name string
	Data []byte
}

// Source pulls finished documents from a printer. Fetch returns the documents
// ready since the last call, or an empty slice when nothing is ready.
type Source interface {
	Fetch(ctx context.Context, printer *models.Device) ([]Document, error)
}

// HTTPSource pulls documents from the scan agent endpoint printers expose.
// The agent returns 200 with the document body and a filename, or 204 when
// no document is ready.
type HTTPSource struct {
	client *http.Client
	port   int
}

// NewHTTPSource creates an HTTP document source.
func NewHTTPSource(timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		client: &http.Client{Timeout: timeout},
		port:   8631,
	}
}

// Fetch drains all ready documents from the printer, one request each.
func (s *HTTPSource) Fetch(ctx context.Context, printer *models.Device) ([]Document, error) {
	if printer.CurrentIP == "" {
		return nil, fmt.Errorf("printer %s has no IP address", printer.ID)
	}

	docs := []Document{}
	for {
		doc, err := s.fetchOne(ctx, printer.CurrentIP)
		if err != nil {
			return docs, err
		}
		if doc == nil {
			return docs, nil
		}
		docs = append(docs, *doc)
	}
}

func (s *HTTPSource) fetchOne(ctx context.Context, ip string) (*Document, error) {
	url := fmt.Sprintf("http://%s:%d/scan/next-document", ip, s.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("scan agent returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read document body: %w", err)
	}
	return &Document{Name: documentName(resp), Data: data}, nil
}

// documentName extracts the filename from the response, falling back to a
// timestamped name.
func documentName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	return fmt.Sprintf("scan-%d.pdf", time.Now().UnixNano())
}
