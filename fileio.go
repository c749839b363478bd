package elfspirit

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Load reads and parses the ELF file at path.
func Load(fs afero.Fs, path string) (*Image, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	img, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return img, nil
}

// Save serializes img to path. The bytes go to a temporary file in the same
// directory which then replaces path, so a failed save leaves path as it was.
// The mode of an existing file is kept; new files get 0755.
func Save(fs afero.Fs, path string, img *Image) error {
	data, err := img.Bytes()
	if err != nil {
		return err
	}
	mode := os.FileMode(0o755)
	if fi, err := fs.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}

	tmp, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Wrapf(err, "create temporary file for %s", path)
	}
	name := tmp.Name()
	if err := writeAndClose(tmp, data); err != nil {
		_ = fs.Remove(name)
		return errors.Wrapf(err, "write %s", name)
	}
	if err := fs.Chmod(name, mode); err != nil {
		_ = fs.Remove(name)
		return errors.Wrapf(err, "chmod %s", name)
	}
	if err := fs.Rename(name, path); err != nil {
		_ = fs.Remove(name)
		return errors.Wrapf(err, "rename %s to %s", name, path)
	}
	return nil
}

func writeAndClose(f afero.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
