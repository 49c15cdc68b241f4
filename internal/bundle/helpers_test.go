package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/D1SoveR/manjaro-kernel-bundler/internal/testutil"
)

// baseTime is the modification time all fixture inputs start with, so the
// first computed build ID is its Unix value.
var baseTime = time.Unix(1700000000, 0)

const presetName = "linux515"

type fixture struct {
	dir   string
	paths Paths
	run   *testutil.Runner
}

// newFixture lays out a miniature system: preset descriptors, bundle root,
// the four bundle inputs, an os-release and a stub, all with a known
// modification time. The mount point lookup is pinned to the fixture root
// since test directories do not sit on their own filesystem.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	f := &fixture{
		dir: dir,
		paths: Paths{
			PresetDir:        filepath.Join(dir, "mkinitcpio.d"),
			BundleRoot:       filepath.Join(dir, "esp", "EFI", "Manjaro"),
			MicrocodeFile:    filepath.Join(dir, "boot", "amd-ucode.img"),
			CmdlineFile:      filepath.Join(dir, "boot", "cmdline.txt"),
			OSReleaseFile:    filepath.Join(dir, "os-release"),
			StubFile:         filepath.Join(dir, "linuxx64.efi.stub"),
			SigningDir:       filepath.Join(dir, "efikeys"),
			ActiveBundleName: "kernel.efi",
		},
		run: &testutil.Runner{MIMETypes: map[string]string{}},
	}

	for _, sub := range []string{"mkinitcpio.d", "boot", "efikeys"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}

	f.write(t, f.kernelPath(), "KERNELDATA")
	f.write(t, f.initramfsPath(), "INITRDDATA")
	f.write(t, f.paths.MicrocodeFile, "UCODEDATA")
	f.write(t, f.paths.CmdlineFile, "root=/dev/sda2 quiet\n")
	f.write(t, f.paths.OSReleaseFile, "NAME=\"Manjaro Linux\"\nID=manjaro\n")
	f.write(t, f.paths.StubFile, "EFISTUB")

	descriptor := fmt.Sprintf("# mkinitcpio preset\nALL_kver=\"%s\"\ndefault_image=\"%s\"\n",
		f.kernelPath(), f.initramfsPath())
	f.write(t, filepath.Join(f.paths.PresetDir, presetName+".preset"), descriptor)

	f.touchInputs(t, baseTime)

	previous := mountpointFor
	mountpointFor = func(string) (string, error) { return dir, nil }
	t.Cleanup(func() { mountpointFor = previous })

	return f
}

func (f *fixture) kernelPath() string {
	return filepath.Join(f.dir, "boot", "vmlinuz-5.15-x86_64")
}

func (f *fixture) initramfsPath() string {
	return filepath.Join(f.dir, "boot", "initramfs-5.15-x86_64.img")
}

func (f *fixture) write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// touchInputs sets the same modification time on all four bundle inputs.
func (f *fixture) touchInputs(t *testing.T, when time.Time) {
	t.Helper()
	for _, path := range []string{f.kernelPath(), f.initramfsPath(), f.paths.MicrocodeFile, f.paths.CmdlineFile} {
		if err := os.Chtimes(path, when, when); err != nil {
			t.Fatalf("chtimes %s: %v", path, err)
		}
	}
}

// touch advances one file's modification time.
func (f *fixture) touch(t *testing.T, path string, when time.Time) {
	t.Helper()
	if err := os.Chtimes(path, when, when); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

// preset loads the fixture's single preset through the registry.
func (f *fixture) preset(t *testing.T) *Preset {
	t.Helper()
	presets, err := Discover(f.run, f.paths)
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	preset, ok := presets[presetName]
	if !ok {
		t.Fatalf("Discover did not find preset %s", presetName)
	}
	return preset
}

// writeFakeBundle places a pre-existing bundle file on disk in the fake
// container format the test runner understands.
func (f *fixture) writeFakeBundle(t *testing.T, name, buildID string) string {
	t.Helper()
	osrel := fmt.Sprintf("NAME=\"Manjaro Linux\"\nBUILD_ID=\"%s\"\n", buildID)
	content := fmt.Sprintf("-- SECTION .osrel %d\n%s", len(osrel), osrel)
	path := filepath.Join(f.paths.BundleRoot, presetName, name)
	f.write(t, path, content)
	return path
}

func (f *fixture) bundlePath(name string) string {
	return filepath.Join(f.paths.BundleRoot, presetName, name)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
