package image

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	compression "github.com/deploymenttheory/go-scenario-composer/internal/common/compressionutil"
)

// DockerfileName is the name the rendered recipe gets inside a build context
const DockerfileName = "Dockerfile"

// WriteContext writes a docker build context to w: the rendered recipe as
// Dockerfile plus every local path in files (local path -> context path),
// compressed with the given format (none, gzip, bzip2, xz).
func WriteContext(w io.Writer, r *Recipe, files map[string]string, format string) error {
	if err := r.Validate(); err != nil {
		return err
	}

	cw, err := compression.NewWriter(format, w)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(cw)
	if err := compression.WriteTarEntry(tw, DockerfileName, 0o644, []byte(r.Render())); err != nil {
		return fmt.Errorf("writing Dockerfile: %w", err)
	}

	for _, local := range sortedKeys(files) {
		if err := addContextPath(tw, local, files[local]); err != nil {
			return fmt.Errorf("adding %s to build context: %w", local, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return cw.Close()
}

// WriteDirContext writes dir as a build context, used for platforms that
// bring their own Dockerfile
func WriteDirContext(w io.Writer, dir string, format string) error {
	cw, err := compression.NewWriter(format, w)
	if err != nil {
		return err
	}
	if err := compression.WriteTar(cw, dir, ""); err != nil {
		return err
	}
	return cw.Close()
}

func addContextPath(tw *tar.Writer, local, name string) error {
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(local)
		if err != nil {
			return err
		}
		return compression.WriteTarEntry(tw, path.Clean(name), int64(info.Mode().Perm()), data)
	}

	return filepath.Walk(local, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() || !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return compression.WriteTarEntry(tw, path.Join(name, filepath.ToSlash(rel)), int64(fi.Mode().Perm()), data)
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
