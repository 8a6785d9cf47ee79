package netutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/cryptoutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
)

// DefaultTimeout bounds a single download
const DefaultTimeout = 5 * time.Minute

var httpClient = &http.Client{Timeout: DefaultTimeout}

// DownloadFile downloads url to dest. When expectedChecksum is set
// ("sha256:<hex>", "md5:<hex>" or bare sha256 hex) the body must match it and
// nothing is written otherwise.
func DownloadFile(ctx context.Context, url, dest string, expectedChecksum string) error {
	want, err := cryptoutil.ParseChecksum(expectedChecksum)
	if err != nil {
		return err
	}
	if want.IsZero() {
		want.Algorithm = cryptoutil.SHA256
	}

	logger.LogInfo(fmt.Sprintf("Downloading file: %s", url), nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrDownloadFailed, err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		logger.LogError("Failed to initiate download", err, nil)
		return fmt.Errorf("%w: failed to start download: %v", errors.ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.LogError(fmt.Sprintf("Download failed with HTTP status: %d", resp.StatusCode), nil, nil)
		return fmt.Errorf("%w: HTTP status %d", errors.ErrDownloadFailed, resp.StatusCode)
	}

	if err := fsutil.CreateDirIfNotExists(filepath.Dir(dest)); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrFileWriteError, err)
	}

	// Write to a temporary file so a partial download never looks cached
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		logger.LogError("Failed to create destination file", err, nil)
		return fmt.Errorf("%w: failed to create file", errors.ErrFileWriteError)
	}

	hasher, err := cryptoutil.NewHash(want.Algorithm)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	_, err = io.Copy(io.MultiWriter(out, hasher), resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		logger.LogError("Failed to write downloaded file", err, nil)
		return fmt.Errorf("%w: failed to write file", errors.ErrFileWriteError)
	}

	if !want.IsZero() {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !want.Matches(actual) {
			os.Remove(tmp)
			logger.LogError(fmt.Sprintf("Checksum mismatch: expected %s, got %s", want, actual), nil, nil)
			return fmt.Errorf("%w: checksum mismatch for %s", errors.ErrChecksumFailed, url)
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", errors.ErrFileWriteError, err)
	}

	logger.LogInfo("Download completed successfully", map[string]interface{}{"dest": dest})
	return nil
}

// CachedDownload returns a local copy of url stored under cacheDir, only
// downloading when no verified copy is cached.
func CachedDownload(ctx context.Context, url, cacheDir, expectedChecksum string) (string, error) {
	want, err := cryptoutil.ParseChecksum(expectedChecksum)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(cacheDir, cacheKey(url))

	if fsutil.FileExists(dest) {
		if ok, err := cryptoutil.VerifyFile(dest, want); err == nil && ok {
			logger.LogDebug("Using cached download", map[string]interface{}{"url": url, "path": dest})
			return dest, nil
		}
	}

	if err := DownloadFile(ctx, url, dest, expectedChecksum); err != nil {
		return "", err
	}
	return dest, nil
}

// cacheKey keeps the URL's file name readable while staying unique per URL
func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	name := path.Base(strings.SplitN(url, "?", 2)[0])
	if name == "." || name == "/" || name == "" {
		name = "download"
	}
	return hex.EncodeToString(sum[:])[:12] + "-" + name
}
