package bundle

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCurrentlyUsedNoActiveBundle(t *testing.T) {
	f := newFixture(t)
	preset := setupBundles(t, f, []string{"100"}, false)

	used, err := preset.Bundles[0].CurrentlyUsed()
	if err != nil {
		t.Fatalf("CurrentlyUsed error: %v", err)
	}
	if used {
		t.Error("no bundle can be current without an active bundle file")
	}

	used, err = preset.CurrentlyUsed()
	if err != nil {
		t.Fatalf("preset CurrentlyUsed error: %v", err)
	}
	if used {
		t.Error("preset cannot be current without an active bundle file")
	}
}

func TestCurrentlyUsedMatchesByContent(t *testing.T) {
	f := newFixture(t)
	preset := setupBundles(t, f, []string{"100", "200"}, false)

	// The active bundle is a byte-for-byte copy of bundle 100.
	data, err := os.ReadFile(f.bundlePath(formatBundleName(100)))
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	active := filepath.Join(f.paths.BundleRoot, f.paths.ActiveBundleName)
	if err := os.WriteFile(active, data, 0o644); err != nil {
		t.Fatalf("write active bundle: %v", err)
	}

	used, err := preset.Bundles[0].CurrentlyUsed()
	if err != nil {
		t.Fatalf("CurrentlyUsed error: %v", err)
	}
	if !used {
		t.Error("bundle 100 should be detected as currently used")
	}

	used, err = preset.Bundles[1].CurrentlyUsed()
	if err != nil {
		t.Fatalf("CurrentlyUsed error: %v", err)
	}
	if used {
		t.Error("bundle 200 should not be detected as currently used")
	}

	used, err = preset.CurrentlyUsed()
	if err != nil {
		t.Fatalf("preset CurrentlyUsed error: %v", err)
	}
	if !used {
		t.Error("preset owning the current bundle should report currently used")
	}
}

func TestCurrentlyUsedSameSizeDifferentContent(t *testing.T) {
	f := newFixture(t)
	preset := setupBundles(t, f, []string{"100"}, false)

	data, err := os.ReadFile(f.bundlePath(formatBundleName(100)))
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	// Same length, one byte flipped.
	data[len(data)-1] ^= 0xff
	active := filepath.Join(f.paths.BundleRoot, f.paths.ActiveBundleName)
	if err := os.WriteFile(active, data, 0o644); err != nil {
		t.Fatalf("write active bundle: %v", err)
	}

	used, err := preset.Bundles[0].CurrentlyUsed()
	if err != nil {
		t.Fatalf("CurrentlyUsed error: %v", err)
	}
	if used {
		t.Error("size-equal but byte-different files must not compare as current")
	}
}

func TestMakeCurrent(t *testing.T) {
	f := newFixture(t)
	preset := setupBundles(t, f, []string{"100", "200"}, false)

	if err := preset.MakeCurrent(); err != nil {
		t.Fatalf("MakeCurrent error: %v", err)
	}

	used, err := preset.Bundles[1].CurrentlyUsed()
	if err != nil {
		t.Fatalf("CurrentlyUsed error: %v", err)
	}
	if !used {
		t.Error("newest bundle should be current after MakeCurrent")
	}

	used, err = preset.Bundles[0].CurrentlyUsed()
	if err != nil {
		t.Fatalf("CurrentlyUsed error: %v", err)
	}
	if used {
		t.Error("older bundle must not be current after MakeCurrent")
	}
}

func TestMakeCurrentEmptyPreset(t *testing.T) {
	f := newFixture(t)
	preset := f.preset(t)

	if err := preset.MakeCurrent(); err != nil {
		t.Fatalf("MakeCurrent on empty preset should be a no-op, got %v", err)
	}
	if exists(filepath.Join(f.paths.BundleRoot, f.paths.ActiveBundleName)) {
		t.Error("no active bundle should appear for an empty preset")
	}
}
