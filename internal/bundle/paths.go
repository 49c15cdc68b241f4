package bundle

// BundleExt is the file extension shared by kernel bundles and the EFI
// shell executables in fallback directories.
const BundleExt = ".efi"

// Paths carries every well-known location the bundler touches. Production
// runs use DefaultPaths (adjusted by CLI flags); tests point the fields at
// scratch directories.
type Paths struct {
	// PresetDir holds the mkinitcpio preset descriptors, one per kernel
	// flavor.
	PresetDir string

	// BundleRoot is the directory on the EFI system partition under which
	// all bundles for all presets live.
	BundleRoot string

	// MicrocodeFile, CmdlineFile and OSReleaseFile are fixed inputs shared
	// by every preset.
	MicrocodeFile string
	CmdlineFile   string
	OSReleaseFile string

	// StubFile is the systemd EFI stub the sections are layered onto.
	StubFile string

	// SigningDir is expected to hold db.key and db.crt when Secure Boot
	// signing is wanted.
	SigningDir string

	// ActiveBundleName is the fixed-name copy at BundleRoot consulted by
	// the firmware; FAT32 has no links, so "currently used" is a content
	// comparison against this file.
	ActiveBundleName string
}

// DefaultPaths returns the production locations on a Manjaro install.
func DefaultPaths() Paths {
	return Paths{
		PresetDir:        "/etc/mkinitcpio.d",
		BundleRoot:       "/boot/efi/EFI/Manjaro",
		MicrocodeFile:    "/boot/amd-ucode.img",
		CmdlineFile:      "/boot/cmdline.txt",
		OSReleaseFile:    "/etc/os-release",
		StubFile:         "/usr/lib/systemd/boot/efi/linuxx64.efi.stub",
		SigningDir:       "/etc/efikeys",
		ActiveBundleName: "kernel" + BundleExt,
	}
}
