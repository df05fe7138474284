package batch

import (
	"context"
	"io"
)

// Provider is an external batch API.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// SupportsFileSource reports whether jobs can be created from an
	// uploaded file. Providers without it always receive inline payloads.
	SupportsFileSource() bool

	// WireRequest returns the provider's JSON shape for req. The transport
	// sizes payloads and writes input files with it.
	WireRequest(req Request) any

	CreateInline(ctx context.Context, model, displayName string, reqs []Request, keys []string) (string, error)
	UploadFile(ctx context.Context, path, displayName string) (string, error)
	CreateFromFile(ctx context.Context, model, displayName, fileName string) (string, error)
	GetJob(ctx context.Context, name string) (*ProviderJob, error)
	DownloadFile(ctx context.Context, name string) (io.ReadCloser, error)
}
