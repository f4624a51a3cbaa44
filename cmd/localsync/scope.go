package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heardly/localsync/internal/config"
)

var scopeCmd = &cobra.Command{
	Use:   "scope",
	Short: "Manage the sync scopes manifest",
	Long: `List, add, or remove the scopes the daemon keeps reconciled. The
manifest is a YAML file; a running daemon picks up edits without a
restart.`,
}

var scopeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List manifest scopes",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		manifest, err := loadOrEmptyManifest(cfg.ScopesFile)
		if err != nil {
			fatalf("%v", err)
		}
		if len(manifest.Scopes) == 0 {
			fmt.Println(dimStyle.Render("No scopes configured."))
			return
		}
		for _, s := range manifest.Scopes {
			if s.Key == "" {
				fmt.Printf("%s %s\n", okStyle.Render("•"), s.Entity)
				continue
			}
			fmt.Printf("%s %s/%s\n", okStyle.Render("•"), s.Entity, s.Key)
		}
	},
}

var scopeAddCmd = &cobra.Command{
	Use:   "add <entity> [key]",
	Short: "Add a scope to the manifest",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		manifest, err := loadOrEmptyManifest(cfg.ScopesFile)
		if err != nil {
			fatalf("%v", err)
		}

		scope := config.Scope{Entity: args[0]}
		if len(args) == 2 {
			scope.Key = args[1]
		}
		for _, s := range manifest.Scopes {
			if s == scope {
				fmt.Println(dimStyle.Render("Scope already present."))
				return
			}
		}
		manifest.Scopes = append(manifest.Scopes, scope)

		if err := config.WriteManifest(cfg.ScopesFile, manifest); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Added %s/%s (%d scopes total)\n",
			okStyle.Render("✓"), scope.Entity, scope.Key, len(manifest.Scopes))
	},
}

var scopeRemoveCmd = &cobra.Command{
	Use:   "remove <entity> [key]",
	Short: "Remove a scope from the manifest",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		manifest, err := config.LoadManifest(cfg.ScopesFile)
		if err != nil {
			fatalf("%v", err)
		}

		target := config.Scope{Entity: args[0]}
		if len(args) == 2 {
			target.Key = args[1]
		}
		kept := manifest.Scopes[:0]
		removed := 0
		for _, s := range manifest.Scopes {
			if s == target {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if removed == 0 {
			fatalf("scope %s/%s not in manifest", target.Entity, target.Key)
		}
		manifest.Scopes = kept

		if err := config.WriteManifest(cfg.ScopesFile, manifest); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Removed %s/%s (%d scopes remain)\n",
			okStyle.Render("✓"), target.Entity, target.Key, len(manifest.Scopes))
	},
}

// loadOrEmptyManifest treats a missing manifest file as empty, so add and
// list work before the first write.
func loadOrEmptyManifest(path string) (*config.Manifest, error) {
	m, err := config.LoadManifest(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &config.Manifest{}, nil
		}
		return nil, err
	}
	return m, nil
}

func init() {
	scopeCmd.AddCommand(scopeListCmd)
	scopeCmd.AddCommand(scopeAddCmd)
	scopeCmd.AddCommand(scopeRemoveCmd)
	rootCmd.AddCommand(scopeCmd)
}
