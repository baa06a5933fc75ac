package health

import (
	"context"
	"os"

	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

// WritableDir fails unless dir is a directory a temp file can be created in.
// The probe file is removed before returning.
func WritableDir(dir string) CheckFunc {
	return func(context.Context) error {
		fi, err := os.Stat(dir)
		if err != nil {
			return xerrors.Wrapf(err, "stat %s", dir)
		}
		if !fi.IsDir() {
			return xerrors.Newf("%s is not a directory", dir)
		}
		f, err := os.CreateTemp(dir, ".ready-*")
		if err != nil {
			return xerrors.Wrapf(err, "%s not writable", dir)
		}
		name := f.Name()
		_ = f.Close()
		if err := os.Remove(name); err != nil {
			return xerrors.Wrapf(err, "remove readiness probe in %s", dir)
		}
		return nil
	}
}
