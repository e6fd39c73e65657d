//go:build cgo

package embeddings

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// onnxRuntimeVersion tracks the onnxruntime_go dependency in go.mod.
const onnxRuntimeVersion = "1.23.0"

// ErrUnsupportedPlatform indicates the current OS/arch has no ONNX
// runtime release.
var ErrUnsupportedPlatform = fmt.Errorf("unsupported platform")

// onnxPlatforms maps GOOS/GOARCH to ONNX release archive names.
var onnxPlatforms = map[string]map[string]string{
	"linux": {
		"amd64": "linux-x64",
		"arm64": "linux-aarch64",
	},
	"darwin": {
		"amd64": "osx-x86_64",
		"arm64": "osx-arm64",
	},
}

func onnxPlatform(goos, goarch string) (string, error) {
	if p, ok := onnxPlatforms[goos][goarch]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
}

func onnxLibraryName(goos string) string {
	if goos == "darwin" {
		return "libonnxruntime.dylib"
	}
	return "libonnxruntime.so"
}

func onnxInstallDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "playbookd", "lib")
}

// onnxLibraryPath locates the ONNX runtime library: the ONNX_PATH
// environment variable wins, then the managed install under
// ~/.config/playbookd/lib. Empty string means not found.
func onnxLibraryPath() string {
	if p := os.Getenv("ONNX_PATH"); p != "" {
		return p
	}
	managed := filepath.Join(onnxInstallDir(), onnxLibraryName(runtime.GOOS))
	if _, err := os.Stat(managed); err == nil {
		return managed
	}
	return ""
}

func onnxDownloadURL(version, platform string) string {
	return fmt.Sprintf(
		"https://github.com/microsoft/onnxruntime/releases/download/v%s/onnxruntime-%s-%s.tgz",
		version, platform, version)
}

// ensureONNXRuntime returns the path to the ONNX runtime library,
// downloading the release for the current platform into the managed
// install dir when none is present.
func ensureONNXRuntime(ctx context.Context) (string, error) {
	if p := onnxLibraryPath(); p != "" {
		return p, nil
	}

	platform, err := onnxPlatform(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}
	destDir := onnxInstallDir()
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", fmt.Errorf("creating %s: %w", destDir, err)
	}

	url := onnxDownloadURL(onnxRuntimeVersion, platform)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading ONNX runtime: %w (set ONNX_PATH to use an existing install)", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading ONNX runtime: status %d", resp.StatusCode)
	}

	if err := extractONNXLibs(resp.Body, destDir, onnxRuntimeVersion, platform); err != nil {
		return "", fmt.Errorf("extracting ONNX runtime: %w", err)
	}

	p := onnxLibraryPath()
	if p == "" {
		return "", fmt.Errorf("ONNX runtime downloaded but %s not found in %s",
			onnxLibraryName(runtime.GOOS), destDir)
	}
	return p, nil
}

// extractONNXLibs copies everything under the archive's lib/ directory
// into destDir, preserving the versioned symlink chain the loader
// expects.
func extractONNXLibs(r io.Reader, destDir, version, platform string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gzr.Close()

	libPrefix := fmt.Sprintf("onnxruntime-%s-%s/lib/", platform, version)
	libName := onnxLibraryName(runtime.GOOS)
	found := false

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if !strings.HasPrefix(name, libPrefix) || hdr.Typeflag == tar.TypeDir {
			continue
		}

		base := filepath.Base(name)
		dest := filepath.Join(destDir, base)

		if hdr.Typeflag == tar.TypeSymlink {
			os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				continue
			}
			found = found || base == libName
			continue
		}

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("creating %s: %w", base, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("writing %s: %w", base, err)
		}
		out.Close()
		found = found || base == libName || strings.HasPrefix(base, libName+".")
	}

	if !found {
		return fmt.Errorf("%s not found in archive", libName)
	}
	return nil
}
