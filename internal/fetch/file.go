package fetch

import (
	"fmt"
	"io"
	"net/url"
	"os"
)

// openFile serves file:// URLs, used by local repositories and tests.
func openFile(u *url.URL) (io.ReadCloser, int64, error) {
	path := u.Path
	if u.Host != "" && u.Host != "localhost" {
		return nil, 0, fmt.Errorf("file URL with remote host %q not supported", u.Host)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return f, info.Size(), nil
}
