package artifact

import (
	"compress/gzip"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/flynnutils/host-installer/internal/config"
	"github.com/flynnutils/host-installer/internal/logger"
)

var (
	// ErrDownloadFailed indicates the artifact could not be fetched from the repository.
	ErrDownloadFailed = errors.New("artifact download failed")
	// ErrChecksumFailed indicates the digest check did not pass. Verification
	// fails closed: a malformed digest is treated the same as a mismatch.
	ErrChecksumFailed = errors.New("artifact checksum verification failed")
	// ErrDecodeFailed indicates the downloaded artifact could not be decompressed.
	ErrDecodeFailed = errors.New("artifact decompression failed")

	errNotVerified = errors.New("artifact has not been verified")
)

// executableMode is applied to the decompressed agent binary.
const executableMode os.FileMode = 0o755

// Artifact is a content-addressed agent binary. Verified transitions
// false to true only after the digest check passes; the binary is never
// installed or executed while Verified is false.
type Artifact struct {
	// ContentDigest is the hex SHA-512 digest addressing the artifact.
	ContentDigest string
	// SourceURL is where the artifact was fetched from.
	SourceURL string
	// LocalPath is the decompressed binary inside the working directory.
	LocalPath string
	// Verified is true once the digest check has passed.
	Verified bool
}

// Fetcher downloads and verifies content-addressed artifacts.
type Fetcher struct {
	client *http.Client
	// tmpParent is the parent for ephemeral working directories.
	tmpParent string
}

// NewFetcher returns a Fetcher using the given HTTP client. A nil client
// falls back to http.DefaultClient.
func NewFetcher(client *http.Client, tmpParent string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}

	return &Fetcher{
		client:    client,
		tmpParent: tmpParent,
	}
}

// Fetch downloads the artifact addressed by digest from
// {repoURL}/tuf/targets/{digest}.flynn-host.gz, verifies the digest over the
// compressed bytes, decompresses, and marks the result executable.
//
// The returned cleanup removes the ephemeral working directory and must be
// deferred by the caller; on error the directory is already gone.
func (f *Fetcher) Fetch(ctx context.Context, repoURL, digest string) (a *Artifact, cleanup func(), err error) {
	expected, err := hex.DecodeString(digest)
	if err != nil || len(expected) != sha512.Size {
		return nil, nil, fmt.Errorf("%w: malformed expected digest", ErrChecksumFailed)
	}

	dir, err := os.MkdirTemp(f.tmpParent, "flynn-host-install-")
	if err != nil {
		return nil, nil, fmt.Errorf("create working directory: %w", err)
	}

	cleanup = func() {
		_ = os.RemoveAll(dir)
	}

	// The error returns below clear the named cleanup, so the failure path
	// removes the directory directly.
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	sourceURL := fmt.Sprintf("%s/tuf/targets/%s.%s.gz", repoURL, digest, config.AgentName)

	logger.InfoKV(ctx, "Downloading agent binary", "url", sourceURL)

	compressedPath := filepath.Join(dir, config.AgentName+".gz")
	if err = f.download(ctx, sourceURL, compressedPath, expected); err != nil {
		return nil, nil, err
	}

	logger.Info(ctx, "Checksum verified, decompressing")

	localPath := filepath.Join(dir, config.AgentName)
	if err = decompress(compressedPath, localPath); err != nil {
		return nil, nil, err
	}

	if err = os.Chmod(localPath, executableMode); err != nil {
		return nil, nil, fmt.Errorf("mark binary executable: %w", err)
	}

	return &Artifact{
		ContentDigest: digest,
		SourceURL:     sourceURL,
		LocalPath:     localPath,
		Verified:      true,
	}, cleanup, nil
}

// download streams the response to disk while hashing, then compares digests.
// Any mismatch aborts before the artifact can be used.
func (f *Fetcher) download(ctx context.Context, sourceURL, destPath string, expected []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrDownloadFailed, sourceURL, resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	hasher := sha512.New()

	_, err = io.Copy(out, io.TeeReader(resp.Body, hasher))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	actual := hasher.Sum(nil)
	if subtle.ConstantTimeCompare(actual, expected) != 1 {
		return fmt.Errorf("%w: digest mismatch for %s", ErrChecksumFailed, sourceURL)
	}

	return nil
}

// decompress gunzips src into dst.
func decompress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	defer func() {
		_ = in.Close()
	}()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	_, err = io.Copy(out, gz) //nolint:gosec // The artifact is digest-verified before decompression.
	if closeErr := gz.Close(); err == nil {
		err = closeErr
	}

	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	return nil
}

// Install places a verified artifact at its final path atomically, with the
// executable mode set and any stale backup removed. Unverified artifacts are
// refused outright.
func Install(a *Artifact, destPath string) error {
	if a == nil || !a.Verified {
		return errNotVerified
	}

	binary, err := os.Open(a.LocalPath)
	if err != nil {
		return fmt.Errorf("open verified binary: %w", err)
	}

	defer func() {
		_ = binary.Close()
	}()

	// go-update backs up the current binary before swapping it, which
	// assumes one exists. A fresh host gets a direct write instead.
	if _, statErr := os.Stat(destPath); errors.Is(statErr, os.ErrNotExist) {
		contents, readErr := io.ReadAll(binary)
		if readErr != nil {
			return fmt.Errorf("read verified binary: %w", readErr)
		}

		if writeErr := os.WriteFile(destPath, contents, executableMode); writeErr != nil {
			return fmt.Errorf("install agent binary: %w", writeErr)
		}

		return nil
	}

	options := goupdate.Options{
		TargetPath: destPath,
		TargetMode: executableMode,
	}

	if err = goupdate.Apply(binary, options); err != nil {
		return fmt.Errorf("install agent binary: %w", err)
	}

	oldPath := destPath + ".old"
	if _, err = os.Stat(oldPath); err == nil {
		_ = os.Remove(oldPath)
	}

	return nil
}
