package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// mountpointFor is stubbed out in tests, where the scratch directories do
// not sit on their own filesystem.
var mountpointFor = findMountpoint

// GenerateFallback writes the debug fallback directory for the given
// build: plain copies of the kernel (with an added .efi extension so the
// EFI shell recognises it), initramfs and microcode, plus a launch.nsh
// script that boots them without the bundle mechanism. There is no
// cleanup on failure; a partially written fallback is acceptable for a
// debug aid and the error propagates.
func GenerateFallback(preset *Preset, buildID int64) error {
	outputDir := filepath.Join(preset.RootPath, preset.Name, fmt.Sprintf("kernel-%d", buildID))
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrapf(err, "create fallback directory %s", outputDir)
	}

	destKernel := filepath.Join(outputDir, filepath.Base(preset.KernelPath)+BundleExt)
	destInitramfs := filepath.Join(outputDir, filepath.Base(preset.InitramfsPath))
	destUcode := filepath.Join(outputDir, filepath.Base(preset.paths.MicrocodeFile))

	for src, dst := range map[string]string{
		preset.KernelPath:          destKernel,
		preset.InitramfsPath:       destInitramfs,
		preset.paths.MicrocodeFile: destUcode,
	} {
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}

	// Paths inside the script must be relative to the mount point of the
	// EFI system partition and use backslashes, or the firmware shell
	// cannot resolve them.
	mountpoint, err := mountpointFor(preset.RootPath)
	if err != nil {
		return err
	}
	convert := func(path string) (string, error) {
		rel, err := filepath.Rel(mountpoint, path)
		if err != nil {
			return "", errors.Wrapf(err, "make %s relative to mount point %s", path, mountpoint)
		}
		return `\` + strings.ReplaceAll(rel, "/", `\`), nil
	}

	shellKernel, err := convert(destKernel)
	if err != nil {
		return err
	}
	shellUcode, err := convert(destUcode)
	if err != nil {
		return err
	}
	shellInitramfs, err := convert(destInitramfs)
	if err != nil {
		return err
	}

	commands, err := os.ReadFile(preset.paths.CmdlineFile)
	if err != nil {
		return errors.Wrapf(err, "read command line file %s", preset.paths.CmdlineFile)
	}

	script := fmt.Sprintf("%s initrd=%s initrd=%s %s\n",
		shellKernel, shellUcode, shellInitramfs, strings.TrimSpace(string(commands)))
	scriptPath := filepath.Join(outputDir, "launch.nsh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", scriptPath)
	}

	log.WithFields(log.Fields{"preset": preset.Name, "build_id": buildID}).
		Info("fallback directory generated")
	return nil
}

// findMountpoint walks up from path until the parent directory sits on a
// different device, which marks the mount point of the filesystem holding
// path.
func findMountpoint(path string) (string, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", path)
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", errors.Wrapf(err, "stat %s", path)
	}

	for {
		parent := filepath.Dir(path)
		if parent == path {
			return path, nil
		}
		var pst unix.Stat_t
		if err := unix.Stat(parent, &pst); err != nil {
			return "", errors.Wrapf(err, "stat %s", parent)
		}
		if pst.Dev != st.Dev {
			return path, nil
		}
		path, st = parent, pst
	}
}
