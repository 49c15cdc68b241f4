package bundle

import (
	"os"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

// Prune enforces the retention policy: only the keep most recent bundles
// survive, the rest are deleted from disk (bundle file first, then its
// fallback directory) oldest-first. Deletion stops at the first failure
// and the in-memory bundle list is trimmed to match exactly what is left
// on disk, so the error names the bundles that were not removed.
func (p *Preset) Prune(keep int) error {
	if keep < 0 {
		keep = 0
	}
	if len(p.Bundles) <= keep {
		return nil
	}

	doomed := len(p.Bundles) - keep
	for i := 0; i < doomed; i++ {
		b := p.Bundles[i]
		path, err := b.Path()
		if err != nil {
			p.Bundles = p.Bundles[i:]
			return err
		}
		fallback := b.FallbackPath()

		if err := os.Remove(path); err != nil {
			p.Bundles = p.Bundles[i:]
			return errors.Wrapf(err, "remove outdated bundle %s (%d more not removed)", path, doomed-i-1)
		}
		if fallback != "" {
			if err := os.RemoveAll(fallback); err != nil {
				// The bundle file itself is gone, so it leaves the list.
				p.Bundles = p.Bundles[i+1:]
				return errors.Wrapf(err, "remove fallback directory %s (%d more bundles not removed)", fallback, doomed-i-1)
			}
		}
	}

	p.Bundles = p.Bundles[doomed:]
	log.WithFields(log.Fields{"preset": p.Name, "removed": doomed}).
		Info("removed outdated bundles")
	return nil
}
