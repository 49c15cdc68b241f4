// kernel-bundler manages bootable kernel bundles on the EFI system
// partition: it lists the bundles that exist per kernel preset, and
// regenerates stale ones from the kernel, initramfs, microcode and
// command line, keeping a bounded history with debug fallbacks.
package main

import (
	"fmt"
	"os"
	"slices"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/D1SoveR/manjaro-kernel-bundler/internal/bundle"
	"github.com/D1SoveR/manjaro-kernel-bundler/internal/runner"
)

var (
	rootDir      string
	signingDir   string
	keep         int
	skipFallback bool
)

var rootCmd = &cobra.Command{
	Use:           "kernel-bundler",
	Short:         "Manage kernel bundles on the EFI system partition",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List existing kernel bundles for every preset",
	RunE: func(cmd *cobra.Command, args []string) error {
		presets, err := discover()

		if len(presets) == 0 {
			if err != nil {
				return err
			}
			fmt.Println("No kernel bundles available at a time")
			return nil
		}

		fmt.Println("Following kernels are available:")
		for _, name := range sortedNames(presets) {
			preset := presets[name]
			if len(preset.Bundles) == 0 {
				fmt.Printf(" * %s: No kernel bundles at a time\n", name)
				continue
			}
			fmt.Printf(" * Following bundles exist for %s:\n", name)
			for _, b := range preset.Bundles {
				marker := ""
				used, err := b.CurrentlyUsed()
				if err != nil {
					log.WithField("bundle", b.Name).WithError(err).
						Warn("could not determine whether bundle is currently used")
				}
				if used {
					marker = " (currently used)"
				}
				fmt.Printf("   - %s%s\n", b.Name, marker)
			}
		}
		return err
	},
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Generate bundles for presets whose sources changed",
	RunE: func(cmd *cobra.Command, args []string) error {
		presets, err := discover()
		failed := err != nil

		for _, name := range sortedNames(presets) {
			if err := processPreset(presets[name]); err != nil {
				log.WithField("preset", name).WithError(err).
					Error("bundling failed, continuing with remaining presets")
				failed = true
			}
		}

		if failed {
			return fmt.Errorf("one or more presets could not be bundled")
		}
		return nil
	},
}

// processPreset runs the full pipeline for one preset: regenerate if
// stale, refresh the active bundle if this preset is the boot source,
// then rotate old bundles out.
func processPreset(preset *bundle.Preset) error {
	newBundle, err := bundle.Generate(runner.Exec{}, preset, signingDir, !skipFallback)
	if err != nil {
		return err
	}
	if newBundle == nil {
		return nil
	}

	preset.Adopt(newBundle)

	used, err := preset.CurrentlyUsed()
	if err != nil {
		return err
	}
	if used {
		if err := preset.MakeCurrent(); err != nil {
			return err
		}
	}

	return preset.Prune(keep)
}

// discover catalogues the presets, reporting per-preset failures without
// discarding the presets that loaded cleanly.
func discover() (map[string]*bundle.Preset, error) {
	paths := bundle.DefaultPaths()
	paths.BundleRoot = rootDir

	presets, err := bundle.Discover(runner.Exec{}, paths)
	if err != nil {
		log.WithError(err).Error("some presets could not be catalogued")
	}
	if presets == nil {
		return nil, err
	}
	return presets, err
}

func sortedNames(presets map[string]*bundle.Preset) []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func init() {
	defaults := bundle.DefaultPaths()

	rootCmd.PersistentFlags().StringVar(&rootDir, "root", defaults.BundleRoot,
		"directory used as base for all the kernel bundles")
	bundleCmd.Flags().StringVar(&signingDir, "signing-dir", defaults.SigningDir,
		"directory holding the Secure Boot db.key and db.crt")
	bundleCmd.Flags().IntVar(&keep, "keep", 3,
		"number of most recent bundles to keep per preset")
	bundleCmd.Flags().BoolVar(&skipFallback, "skip-fallback", false,
		"do not generate debug fallback directories")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(bundleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
