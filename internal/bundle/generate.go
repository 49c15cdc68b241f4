package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/D1SoveR/manjaro-kernel-bundler/internal/runner"
)

// Fixed virtual addresses for the bundle sections, matching the layout
// systemd-boot expects. Each section must fit before the next one starts;
// sizes are checked against these windows before objcopy runs.
const (
	osrelVMA   = 0x20000
	cmdlineVMA = 0x30000
	linuxVMA   = 0x2000000
	initrdVMA  = 0x3000000
)

// ComputeBuildID derives the preset's current build identifier: the
// floored maximum modification time among the kernel, initramfs,
// microcode and command-line files. Unchanged inputs always yield the
// same ID; touching any one of them advances it.
func (p *Preset) ComputeBuildID() (int64, error) {
	var latest int64
	for _, path := range []string{p.KernelPath, p.InitramfsPath, p.paths.MicrocodeFile, p.paths.CmdlineFile} {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, &MissingInputError{Path: path}
			}
			return 0, errors.Wrapf(err, "stat %s", path)
		}
		latest = max(latest, info.ModTime().Unix())
	}
	return latest, nil
}

// Generate builds a new bundle for the preset unless its newest existing
// bundle is already up to date, in which case it returns (nil, nil). The
// returned bundle has no owner attached; the caller adopts it into the
// preset. All staging happens in a scratch directory that is removed on
// every path, so a failed generation never leaves partial output at the
// preset's output directory.
func Generate(r runner.Runner, preset *Preset, signingDir string, withFallback bool) (*Bundle, error) {
	buildID, err := preset.ComputeBuildID()
	if err != nil {
		return nil, err
	}

	if last, ok := preset.LastBuildID(); ok && last >= buildID {
		log.WithField("preset", preset.Name).
			Info("no changes since the most recent bundle, skipping")
		return nil, nil
	}

	bundleName := fmt.Sprintf("kernel-%d%s", buildID, BundleExt)
	log.WithFields(log.Fields{"preset": preset.Name, "build_id": buildID}).
		Info("generating bundle")

	scratch, err := os.MkdirTemp("", "kernel-bundler-*")
	if err != nil {
		return nil, errors.Wrap(err, "create scratch directory")
	}
	defer os.RemoveAll(scratch)

	cmdlinePath, err := writeCmdline(preset, filepath.Join(scratch, "cmdline"))
	if err != nil {
		return nil, err
	}
	osrelPath, err := writeOSRelease(preset, buildID, filepath.Join(scratch, "osrel"))
	if err != nil {
		return nil, err
	}
	initrdPath, err := writeInitrd(r, preset, filepath.Join(scratch, "initrd.img"))
	if err != nil {
		return nil, err
	}

	if err := checkSectionWindows(preset.KernelPath, osrelPath, cmdlinePath); err != nil {
		return nil, err
	}

	unsigned := filepath.Join(scratch, bundleName)
	_, err = r.Output("objcopy",
		"--add-section", ".osrel="+osrelPath, "--change-section-vma", fmt.Sprintf(".osrel=%#x", osrelVMA),
		"--add-section", ".cmdline="+cmdlinePath, "--change-section-vma", fmt.Sprintf(".cmdline=%#x", cmdlineVMA),
		"--add-section", ".linux="+preset.KernelPath, "--change-section-vma", fmt.Sprintf(".linux=%#x", linuxVMA),
		"--add-section", ".initrd="+initrdPath, "--change-section-vma", fmt.Sprintf(".initrd=%#x", initrdVMA),
		preset.paths.StubFile, unsigned)
	if err != nil {
		return nil, err
	}
	log.WithField("preset", preset.Name).Info("kernel bundle assembled")

	outputDir := filepath.Join(preset.RootPath, preset.Name)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create output directory %s", outputDir)
	}
	outputFile := filepath.Join(outputDir, bundleName)

	if err := signOrCopy(r, signingDir, unsigned, outputFile); err != nil {
		return nil, err
	}

	if withFallback {
		if err := GenerateFallback(preset, buildID); err != nil {
			return nil, err
		}
	}

	return &Bundle{Name: bundleName, BuildID: buildID}, nil
}

// writeCmdline assembles the .cmdline section: the kernel's firmware-shell
// path form (backslashes, leading slash doubled) followed by the verbatim
// command-line file contents.
func writeCmdline(preset *Preset, dst string) (string, error) {
	commands, err := os.ReadFile(preset.paths.CmdlineFile)
	if err != nil {
		return "", errors.Wrapf(err, "read command line file %s", preset.paths.CmdlineFile)
	}
	kernelBit := `\\` + strings.ReplaceAll(preset.KernelPath, "/", `\`)[1:]
	if err := os.WriteFile(dst, []byte(kernelBit+" "+string(commands)), 0o644); err != nil {
		return "", errors.Wrap(err, "write .cmdline section")
	}
	return dst, nil
}

// writeOSRelease copies the host os-release verbatim and appends the
// BUILD_ID line that identifies the bundle.
func writeOSRelease(preset *Preset, buildID int64, dst string) (string, error) {
	osrel, err := os.ReadFile(preset.paths.OSReleaseFile)
	if err != nil {
		return "", errors.Wrapf(err, "read os-release file %s", preset.paths.OSReleaseFile)
	}
	content := fmt.Sprintf("%sBUILD_ID=\"%d\"\n", osrel, buildID)
	if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
		return "", errors.Wrap(err, "write .osrel section")
	}
	log.WithField("build_id", buildID).Info("os-release section written")
	return dst, nil
}

// writeInitrd concatenates the microcode blob and the preset's initramfs,
// in that fixed order, decompressing each as its detected content type
// dictates.
func writeInitrd(r runner.Runner, preset *Preset, dst string) (string, error) {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "create .initrd section")
	}
	defer out.Close()

	for _, img := range []string{preset.paths.MicrocodeFile, preset.InitramfsPath} {
		if err := appendImage(r, out, img); err != nil {
			return "", err
		}
	}
	log.WithField("preset", preset.Name).Info("initramfs section written")
	return dst, nil
}

// appendImage detects the image's content type and appends it to the
// initrd being assembled, raw for plain images and decompressed for
// gzip/zstd/xz ones. Anything else aborts the generation.
func appendImage(r runner.Runner, out io.Writer, img string) error {
	mimeType, err := r.Output("file", "--brief", "--mime-type", img)
	if err != nil {
		return err
	}

	file, err := os.Open(img)
	if err != nil {
		return errors.Wrapf(err, "open image %s", img)
	}
	defer file.Close()

	var src io.Reader
	switch mimeType {
	case "application/octet-stream":
		log.WithField("image", img).Info("plain image, adding it as is")
		src = file
	case "application/gzip":
		log.WithField("image", img).Info("gzipped image, decompressing")
		gz, err := gzip.NewReader(file)
		if err != nil {
			return errors.Wrapf(err, "gzip reader for %s", img)
		}
		defer gz.Close()
		src = gz
	case "application/zstd":
		log.WithField("image", img).Info("zstd image, decompressing")
		zs, err := zstd.NewReader(file)
		if err != nil {
			return errors.Wrapf(err, "zstd reader for %s", img)
		}
		defer zs.Close()
		src = zs.IOReadCloser()
	case "application/x-xz":
		log.WithField("image", img).Info("xz image, decompressing")
		xr, err := xz.NewReader(file)
		if err != nil {
			return errors.Wrapf(err, "xz reader for %s", img)
		}
		src = xr
	default:
		return &UnsupportedImageError{Path: img, MIME: mimeType}
	}

	if _, err := io.Copy(out, src); err != nil {
		return errors.Wrapf(err, "append image %s", img)
	}
	return nil
}

// checkSectionWindows verifies that each section with a successor fits
// before the successor's fixed virtual address. The original layout was
// never validated; the check is cheap and a section overrun would produce
// a bundle that fails in the firmware, far from the cause.
func checkSectionWindows(kernelPath, osrelPath, cmdlinePath string) error {
	windows := []struct {
		section string
		path    string
		limit   int64
	}{
		{".osrel", osrelPath, cmdlineVMA - osrelVMA},
		{".cmdline", cmdlinePath, linuxVMA - cmdlineVMA},
		{".linux", kernelPath, initrdVMA - linuxVMA},
	}
	for _, w := range windows {
		info, err := os.Stat(w.path)
		if err != nil {
			return errors.Wrapf(err, "stat %s section source", w.section)
		}
		if info.Size() > w.limit {
			return errors.Newf("%s section is %d bytes, exceeding its %#x-byte window", w.section, info.Size(), w.limit)
		}
	}
	return nil
}

// signOrCopy produces the final bundle at outputFile: signed with sbsign
// when both Secure Boot materials exist in signingDir, otherwise a plain
// copy with a warning. The signature is written into scratch first so a
// failed sbsign never leaves a partial file at the destination.
func signOrCopy(r runner.Runner, signingDir, unsigned, outputFile string) error {
	key := filepath.Join(signingDir, "db.key")
	cert := filepath.Join(signingDir, "db.crt")

	if isFile(key) && isFile(cert) {
		signed := unsigned + ".signed"
		_, err := r.Output("sbsign", "--key", key, "--cert", cert, "--output", signed, unsigned)
		if err != nil {
			return err
		}
		if err := copyFile(signed, outputFile); err != nil {
			return err
		}
		log.WithField("bundle", outputFile).Info("kernel bundle signed and saved")
		return nil
	}

	log.WithField("signing_dir", signingDir).
		Warn("Secure Boot key and certificate not found, skipping signing")
	if err := copyFile(unsigned, outputFile); err != nil {
		return err
	}
	log.WithField("bundle", outputFile).Info("kernel bundle saved unsigned")
	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "copy %s to %s", src, dst)
}
