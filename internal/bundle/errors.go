package bundle

import "fmt"

// InvalidPresetError reports a preset descriptor missing a required key.
type InvalidPresetError struct {
	File string
	Key  string
}

func (e *InvalidPresetError) Error() string {
	return fmt.Sprintf("preset descriptor %s is missing required key %s", e.File, e.Key)
}

// MissingInputError reports an absent bundle source file.
type MissingInputError struct {
	Path string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("required input file %s does not exist", e.Path)
}

// UnsupportedImageError reports a microcode or initramfs blob whose
// content type the generator cannot embed.
type UnsupportedImageError struct {
	Path string
	MIME string
}

func (e *UnsupportedImageError) Error() string {
	return fmt.Sprintf("unsupported image format %s for %s", e.MIME, e.Path)
}

// CorruptBundleError reports an on-disk bundle without a readable build
// identifier.
type CorruptBundleError struct {
	Path string
	Err  error
}

func (e *CorruptBundleError) Error() string {
	return fmt.Sprintf("bundle %s has no readable build ID: %v", e.Path, e.Err)
}

func (e *CorruptBundleError) Unwrap() error { return e.Err }
