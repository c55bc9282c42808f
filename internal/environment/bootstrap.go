package environment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// maxBootstrapBytes caps the downloaded installer script.
const maxBootstrapBytes = 16 << 20

// downloadBootstrap fetches the pip bootstrap script into dir and returns
// its path. The caller removes the file.
func downloadBootstrap(ctx context.Context, client *http.Client, url, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building bootstrap request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status)
	}

	f, err := os.CreateTemp(dir, "get-pip-*.py")
	if err != nil {
		return "", fmt.Errorf("creating bootstrap script: %w", err)
	}
	n, copyErr := io.Copy(f, io.LimitReader(resp.Body, maxBootstrapBytes+1))
	closeErr := f.Close()
	if copyErr == nil && n > maxBootstrapBytes {
		copyErr = fmt.Errorf("bootstrap script larger than %d bytes", maxBootstrapBytes)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("writing bootstrap script: %w", copyErr)
	}
	return f.Name(), nil
}
