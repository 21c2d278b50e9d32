package storage

import (
	"context"
	"io"
	"net/url"
	"strings"

	"tarharvest/internal/transport"
)

// HTTPSource fetches {base_url}/{item_id}.tar over HTTP(S)
type HTTPSource struct {
	baseURL string
	client  *transport.Client
}

// NewHTTPSource creates a source rooted at baseURL
func NewHTTPSource(baseURL string, client *transport.Client) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Locate returns the archive URL for itemID
func (s *HTTPSource) Locate(itemID string) string {
	return s.baseURL + "/" + url.PathEscape(itemID) + ".tar"
}

// Open starts the download of the archive for itemID
func (s *HTTPSource) Open(ctx context.Context, itemID string) (Object, error) {
	location := s.Locate(itemID)
	resp, err := s.client.Get(ctx, location)
	if err != nil {
		return nil, err
	}
	return &httpObject{
		ReadCloser: resp.Body,
		info: ObjectInfo{
			Key:  location,
			Size: resp.ContentLength,
		},
	}, nil
}

type httpObject struct {
	io.ReadCloser
	info ObjectInfo
}

func (o *httpObject) Stat() (ObjectInfo, error) {
	return o.info, nil
}
