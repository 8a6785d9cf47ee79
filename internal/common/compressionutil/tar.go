package compression

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// WriteTar streams src (a file or a directory tree) into w as a TAR archive.
// Entry names are relative to src and placed under prefix when it is set.
func WriteTar(w io.Writer, src, prefix string) error {
	tw := tar.NewWriter(w)

	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		name := filepath.Base(src)
		if prefix != "" {
			name = path.Join(prefix, name)
		}
		if err := addFile(tw, src, name, info); err != nil {
			return err
		}
		return tw.Close()
	}

	err = filepath.Walk(src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		name := filepath.ToSlash(relPath)
		if prefix != "" {
			name = path.Join(prefix, name)
		}

		if fi.IsDir() {
			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}
		if !fi.Mode().IsRegular() {
			// Sockets, devices and symlinks are not shipped to targets
			return nil
		}
		return addFile(tw, p, name, fi)
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// WriteTarFile streams the single file src into w as a TAR archive holding
// one entry called name
func WriteTarFile(w io.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	tw := tar.NewWriter(w)
	if err := addFile(tw, src, name, info); err != nil {
		return err
	}
	return tw.Close()
}

// WriteTarEntry writes a single in-memory file into tw
func WriteTarEntry(tw *tar.Writer, name string, mode int64, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: mode,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func addFile(tw *tar.Writer, p, name string, info os.FileInfo) error {
	file, err := os.Open(p)
	if err != nil {
		return err
	}
	defer file.Close()

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// ExtractTar extracts a TAR stream into dst. Entries escaping dst are rejected.
func ExtractTar(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	root := filepath.Clean(dst)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		fpath := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if fpath != root && !strings.HasPrefix(fpath, root+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(fpath, os.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := extractFile(tr, fpath, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		}
	}
}

func extractFile(r io.Reader, fpath string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
		return err
	}
	outFile, err := os.OpenFile(fpath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer outFile.Close()

	_, err = io.Copy(outFile, r)
	return err
}
