package cfg

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

// LoadDotenv loads path into the process environment without overwriting
// variables that are already set. A missing file is not an error.
func LoadDotenv(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, xerrors.Wrapf(err, "load env file %s", path)
	}
	return true, nil
}
