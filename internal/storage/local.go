package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalAdapter copies snapshots into a store root laid out as
// <root>/<deviceID>/<day>/<basename>. It keeps ownership of the resulting
// file, so the worker's delete-local step applies to the capture scratch
// file only.
type LocalAdapter struct {
	Root string
}

func NewLocalAdapter(root string) *LocalAdapter {
	return &LocalAdapter{Root: root}
}

func (a *LocalAdapter) Store(ctx context.Context, req Request) (Result, error) {
	dst := filepath.Join(a.Root, req.DeviceID, req.Day, filepath.Base(req.LocalPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Result{}, fmt.Errorf("local store mkdir: %w", err)
	}

	// Copy rather than rename: OUT_DIR and the store root may sit on
	// different filesystems.
	if err := copyFile(req.LocalPath, dst); err != nil {
		return Result{}, fmt.Errorf("local store copy: %w", err)
	}

	return Result{
		Storage:     "local",
		StoredURI:   "file://" + dst,
		DeleteLocal: true,
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
