// Package patharchive compresses a finished backup target into a single
// tar.gz or tar.zst file. Gzip goes through pgzip for parallel compression;
// zstd uses its own internal concurrency.
package patharchive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/hinterlandlabs/backhaul/pkg/util"
)

// Format selects the compression wrapped around the tar stream.
type Format string

const (
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
)

// ParseFormat maps a configured string to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatTarGz, FormatTarZst:
		return Format(s), nil
	case "":
		return FormatTarGz, nil
	default:
		return "", fmt.Errorf("unknown archive format %q", s)
	}
}

// Ext returns the file extension for the format, including the leading dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// Archive writes the contents of srcDir into outFile. The archive is built
// in a temp file next to outFile and renamed on success, so readers never
// see a half-written archive. Entry paths are relative to srcDir with
// forward slashes. Cancellation is honored between entries.
func Archive(ctx context.Context, srcDir, outFile string, format Format) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(outFile), filepath.Base(outFile)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create archive temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	compressor, err := newCompressor(tmp, format)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(compressor)
	if err = addTree(ctx, tw, srcDir); err != nil {
		return err
	}
	if err = tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err = compressor.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to set archive permissions: %w", err)
	}
	if err = os.Rename(tmp.Name(), outFile); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

func newCompressor(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case FormatTarGz:
		return pgzip.NewWriter(w), nil
	case FormatTarZst:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("unknown archive format %q", format)
	}
}

func addTree(ctx context.Context, tw *tar.Writer, srcDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		// Regular files and directories only; sockets, devices and
		// symlinks have no place in a backup archive.
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = util.NormalizePath(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s for archiving: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}
		return nil
	})
}
