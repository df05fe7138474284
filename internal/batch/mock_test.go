package batch

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/stretchr/testify/mock"
)

// mockProvider is a testify mock of Provider. Name, SupportsFileSource and
// WireRequest are plain so tests only script the API calls.
type mockProvider struct {
	mock.Mock
	fileSource bool
}

func (m *mockProvider) Name() string                { return "mock" }
func (m *mockProvider) SupportsFileSource() bool    { return m.fileSource }
func (m *mockProvider) WireRequest(req Request) any { return req }

func (m *mockProvider) CreateInline(ctx context.Context, model, displayName string, reqs []Request, keys []string) (string, error) {
	args := m.Called(ctx, model, displayName, reqs, keys)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) UploadFile(ctx context.Context, path, displayName string) (string, error) {
	args := m.Called(ctx, path, displayName)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreateFromFile(ctx context.Context, model, displayName, fileName string) (string, error) {
	args := m.Called(ctx, model, displayName, fileName)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) GetJob(ctx context.Context, name string) (*ProviderJob, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ProviderJob), args.Error(1)
}

func (m *mockProvider) DownloadFile(ctx context.Context, name string) (io.ReadCloser, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

// readUploaded returns a Run hook that captures the uploaded file body
// before the transport removes it.
func readUploaded(dst *string) func(mock.Arguments) {
	return func(args mock.Arguments) {
		b, err := os.ReadFile(args.String(1))
		if err == nil {
			*dst = string(b)
		}
	}
}

func readCloser(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}
