package bundle

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

// CurrentlyUsed reports whether this bundle is the one the firmware boots:
// the fixed-name active bundle at the root exists and its bytes match this
// bundle's file. An absent active bundle means nothing is current. Two
// bit-identical bundles are indistinguishable by this check.
func (b *Bundle) CurrentlyUsed() (bool, error) {
	if b.preset == nil {
		return false, errors.Newf("cannot determine current usage of %s without owning preset", b.Name)
	}

	active := filepath.Join(b.preset.RootPath, b.preset.paths.ActiveBundleName)
	if _, err := os.Stat(active); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat active bundle %s", active)
	}

	path, err := b.Path()
	if err != nil {
		return false, err
	}
	return filesEqual(active, path)
}

// CurrentlyUsed reports whether any of the preset's bundles is the one
// currently selected for boot.
func (p *Preset) CurrentlyUsed() (bool, error) {
	for _, b := range p.Bundles {
		used, err := b.CurrentlyUsed()
		if err != nil {
			return false, err
		}
		if used {
			return true, nil
		}
	}
	return false, nil
}

// MakeCurrent copies the preset's newest bundle over the fixed-name active
// bundle at the root, making it the boot selection. A preset without
// bundles is skipped.
func (p *Preset) MakeCurrent() error {
	if len(p.Bundles) == 0 {
		log.WithField("preset", p.Name).Info("preset has no kernel bundles, skipping")
		return nil
	}

	latest := p.Bundles[len(p.Bundles)-1]
	path, err := latest.Path()
	if err != nil {
		return err
	}
	active := filepath.Join(p.RootPath, p.paths.ActiveBundleName)
	if err := copyFile(path, active); err != nil {
		return err
	}

	log.WithFields(log.Fields{"preset": p.Name, "bundle": latest.Name}).
		Info("made currently used kernel bundle")
	return nil
}

// filesEqual compares two files byte for byte, short-circuiting on size.
func filesEqual(a, b string) (bool, error) {
	infoA, err := os.Stat(a)
	if err != nil {
		return false, errors.Wrapf(err, "stat %s", a)
	}
	infoB, err := os.Stat(b)
	if err != nil {
		return false, errors.Wrapf(err, "stat %s", b)
	}
	if infoA.Size() != infoB.Size() {
		return false, nil
	}

	fileA, err := os.Open(a)
	if err != nil {
		return false, errors.Wrapf(err, "open %s", a)
	}
	defer fileA.Close()
	fileB, err := os.Open(b)
	if err != nil {
		return false, errors.Wrapf(err, "open %s", b)
	}
	defer fileB.Close()

	bufA := make([]byte, 64<<10)
	bufB := make([]byte, 64<<10)
	for {
		n, errA := io.ReadFull(fileA, bufA)
		m, errB := io.ReadFull(fileB, bufB)
		if !bytes.Equal(bufA[:n], bufB[:m]) {
			return false, nil
		}
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			return errB == io.EOF || errB == io.ErrUnexpectedEOF, nil
		}
		if errA != nil {
			return false, errors.Wrapf(errA, "read %s", a)
		}
		if errB != nil {
			return false, errors.Wrapf(errB, "read %s", b)
		}
	}
}
