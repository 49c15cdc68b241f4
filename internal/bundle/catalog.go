// Package bundle implements the kernel bundle lifecycle: cataloguing
// presets and their existing bundles, deciding staleness from source
// modification times, assembling and signing new bundle images, keeping
// debug fallback copies, and rotating old bundles out.
package bundle

import (
	"cmp"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/D1SoveR/manjaro-kernel-bundler/internal/envfile"
	"github.com/D1SoveR/manjaro-kernel-bundler/internal/runner"
)

// Bundle is a single generated kernel bundle, either read back from disk
// or freshly built by Generate.
type Bundle struct {
	// Name of the bundle file, kernel-<build id>.efi.
	Name string

	// BuildID is the latest modification timestamp (floored) among the
	// bundle's source files at the time it was built. Changing any source
	// advances it, which is what triggers regeneration.
	BuildID int64

	// preset is the non-owning back-reference to the preset this bundle
	// belongs to, needed to resolve paths and the currently-used check.
	// Set once via Preset.Adopt (or at discovery) and never reassigned.
	preset *Preset
}

// Path returns the full file path of the bundle. It errors if the bundle
// has not been attached to a preset yet.
func (b *Bundle) Path() (string, error) {
	if b.preset == nil {
		return "", errors.Newf("cannot determine path of %s without owning preset", b.Name)
	}
	return filepath.Join(b.preset.RootPath, b.preset.Name, b.Name), nil
}

// FallbackPath returns the bundle's debug fallback directory (the bundle
// path minus its extension), or "" when no such directory exists.
func (b *Bundle) FallbackPath() string {
	path, err := b.Path()
	if err != nil {
		return ""
	}
	dir := strings.TrimSuffix(path, filepath.Ext(path))
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ""
}

// Preset is one named kernel flavor (e.g. "linux515") together with its
// resolved source paths and the ordered history of its bundles.
type Preset struct {
	Name string

	// RootPath is the bundle root shared by all presets; this preset's
	// bundles live in RootPath/Name.
	RootPath string

	KernelPath    string
	InitramfsPath string

	// Bundles is sorted ascending by build ID; the last entry, if any, is
	// the most recent.
	Bundles []*Bundle

	paths Paths
}

// Adopt attaches a freshly generated bundle to the preset and appends it
// to the bundle list. Generation only proceeds when the new build ID is
// strictly greater than the previous maximum, so appending preserves the
// ascending order.
func (p *Preset) Adopt(b *Bundle) {
	b.preset = p
	p.Bundles = append(p.Bundles, b)
}

// LastBuildID returns the build ID of the most recent bundle, or false
// when the preset has never been bundled.
func (p *Preset) LastBuildID() (int64, bool) {
	if len(p.Bundles) == 0 {
		return 0, false
	}
	return p.Bundles[len(p.Bundles)-1].BuildID, true
}

// Discover catalogues every kernel preset found in paths.PresetDir along
// with its existing bundles under paths.BundleRoot. Presets whose
// descriptors cannot be read are skipped; their errors are joined into
// the returned error while the remaining presets stay usable.
func Discover(r runner.Runner, paths Paths) (map[string]*Preset, error) {
	entries, err := os.ReadDir(paths.PresetDir)
	if err != nil {
		return nil, errors.Wrapf(err, "read preset directory %s", paths.PresetDir)
	}

	presets := make(map[string]*Preset)
	var presetErrs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".preset") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".preset")
		preset, err := loadPreset(r, paths, name)
		if err != nil {
			presetErrs = append(presetErrs, err)
			continue
		}
		presets[name] = preset
	}

	return presets, errors.Join(presetErrs...)
}

// loadPreset reads one preset descriptor and enumerates its existing
// bundles. A bundle whose metadata cannot be read is logged and skipped
// without aborting its siblings.
func loadPreset(r runner.Runner, paths Paths, name string) (*Preset, error) {
	descriptor := filepath.Join(paths.PresetDir, name+".preset")
	data, err := os.ReadFile(descriptor)
	if err != nil {
		return nil, errors.Wrapf(err, "read preset descriptor %s", descriptor)
	}

	params := envfile.Parse(string(data))
	for _, key := range []string{"ALL_kver", "default_image"} {
		if _, ok := params[key]; !ok {
			return nil, &InvalidPresetError{File: descriptor, Key: key}
		}
	}

	preset := &Preset{
		Name:          name,
		RootPath:      paths.BundleRoot,
		KernelPath:    params["ALL_kver"],
		InitramfsPath: params["default_image"],
		paths:         paths,
	}

	bundleDir := filepath.Join(paths.BundleRoot, name)
	entries, err := os.ReadDir(bundleDir)
	if err != nil {
		if os.IsNotExist(err) {
			// Never bundled yet, the common initial state.
			return preset, nil
		}
		return nil, errors.Wrapf(err, "scan bundle directory %s", bundleDir)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), BundleExt) {
			continue
		}
		bundlePath := filepath.Join(bundleDir, entry.Name())
		buildID, err := readBuildID(r, bundlePath)
		if err != nil {
			log.WithField("bundle", bundlePath).WithError(err).
				Warn("skipping bundle with unreadable metadata")
			continue
		}
		preset.Bundles = append(preset.Bundles, &Bundle{
			Name:    entry.Name(),
			BuildID: buildID,
			preset:  preset,
		})
	}

	slices.SortFunc(preset.Bundles, func(a, b *Bundle) int {
		return cmp.Compare(a.BuildID, b.BuildID)
	})

	return preset, nil
}

// readBuildID extracts the embedded build identifier from a bundle file
// by dumping its .osrel section to a scratch file and parsing the result.
func readBuildID(r runner.Runner, bundlePath string) (int64, error) {
	osrel, err := os.CreateTemp("", "kernel-bundler-osrel-*")
	if err != nil {
		return 0, errors.Wrap(err, "create scratch file for .osrel dump")
	}
	osrel.Close()
	defer os.Remove(osrel.Name())

	if _, err := r.Output("objcopy", "--dump-section", ".osrel="+osrel.Name(), bundlePath); err != nil {
		return 0, err
	}

	data, err := os.ReadFile(osrel.Name())
	if err != nil {
		return 0, errors.Wrap(err, "read dumped .osrel section")
	}

	params := envfile.Parse(string(data))
	raw, ok := params["BUILD_ID"]
	if !ok {
		return 0, &CorruptBundleError{Path: bundlePath, Err: errors.New("no BUILD_ID in .osrel section")}
	}
	buildID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &CorruptBundleError{Path: bundlePath, Err: errors.Wrapf(err, "BUILD_ID %q is not numeric", raw)}
	}

	return buildID, nil
}
