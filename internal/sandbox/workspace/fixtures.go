package workspace

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	appErr "runbox/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

// ExtractFixtures unpacks a zstd-compressed tar bundle into the workspace.
// Only regular files and directories are extracted; other entry types are skipped.
func (m *Manager) ExtractFixtures(ws *Workspace, bundle []byte) error {
	if len(bundle) == 0 {
		return nil
	}
	if ws == nil || ws.Released() {
		return appErr.New(appErr.WorkspaceError).WithMessage("workspace is not active")
	}

	zstdReader, err := zstd.NewReader(bytes.NewReader(bundle))
	if err != nil {
		return appErr.Wrapf(err, appErr.FixtureBundleInvalid, "create zstd reader failed")
	}
	defer zstdReader.Close()

	remaining := m.cfg.MaxFixtureBytes
	tr := tar.NewReader(zstdReader)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.FixtureBundleInvalid, "read tar entry failed")
		}
		if hdr.Name == "" || filepath.Clean(hdr.Name) == "." {
			continue
		}
		if err := ValidateName(hdr.Name); err != nil {
			return appErr.Wrap(err, appErr.FixtureBundleInvalid)
		}
		target, _ := ws.Path(hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(ws.dir)+string(filepath.Separator)) {
			return appErr.New(appErr.FixtureBundleInvalid).WithMessage("tar entry escape detected")
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := m.mkdirAll(ws.dir, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if hdr.Size > remaining {
				return appErr.Newf(appErr.FixtureBundleInvalid, "fixture bundle exceeds %d bytes", m.cfg.MaxFixtureBytes)
			}
			remaining -= hdr.Size
			if err := m.mkdirAll(ws.dir, filepath.Dir(target)); err != nil {
				return err
			}
			if err := m.extractFile(target, tr, fs.FileMode(hdr.Mode)&0755); err != nil {
				return err
			}
		default:
			// skip links, devices and fifos
		}
	}
	return nil
}

func (m *Manager) extractFile(target string, r io.Reader, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "create file failed")
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		return appErr.Wrapf(err, appErr.FixtureBundleInvalid, "write file failed")
	}
	if err := file.Close(); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "close file failed")
	}
	if err := m.chown(target); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "chown file failed")
	}
	return nil
}
