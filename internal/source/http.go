package source

import (
	"context"
	"net/http"
)

// HTTPClient is the transport adapters use. *httputil.Client satisfies it.
type HTTPClient interface {
	Get(ctx context.Context, url string, header http.Header) ([]byte, error)
	GetJSON(ctx context.Context, url string, header http.Header, out interface{}) error
	PostForm(ctx context.Context, url string, header http.Header, form string) ([]byte, error)
}
