package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"ams/core"
	"ams/service"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout read by the seed command.
//
//	users:
//	  - username: analyst
//	    display_name: Analyst
//	reference:
//	  queue:
//	    - value: default
//	  disposition:
//	    - value: FALSE_POSITIVE
//	      rank: 10
type SeedFile struct {
	Users     []core.UserCreate                 `yaml:"users"`
	Reference map[string][]core.ReferenceCreate `yaml:"reference"`
}

// SeedCount tallies created and existing rows for one reference kind or for users
type SeedCount struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

// SeedResult summarizes a seed run
type SeedResult struct {
	Users     SeedCount                        `json:"users"`
	Reference map[core.ReferenceKind]SeedCount `json:"reference"`
}

// validateFilePath rejects traversal sequences, including URL-encoded ones.
func validateFilePath(filename string) error {
	decoded, err := url.QueryUnescape(filename)
	if err != nil {
		decoded = filename
	}
	if strings.Contains(decoded, "..") || strings.Contains(filename, "..") {
		return fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}
	if _, err := filepath.Abs(filepath.Clean(decoded)); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	return nil
}

// loadSeedFile reads and parses a seed file. Unknown reference kinds are rejected
// before anything is written.
func loadSeedFile(path string) (*SeedFile, error) {
	if err := validateFilePath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat seed file: %w", err)
	}
	if info.Size() > maxSeedFileSize {
		return nil, fmt.Errorf("seed file exceeds %d bytes", maxSeedFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	for kind := range seed.Reference {
		if _, err := core.ParseReferenceKind(kind); err != nil {
			return nil, err
		}
	}
	return &seed, nil
}

// runSeed creates users first, then reference values kind by kind in a stable order.
// Existing rows are counted, never modified. defaultActor is created when no user
// list names it.
func runSeed(ctx context.Context, refs *service.ReferenceService, seed *SeedFile, defaultActor string) (SeedResult, error) {
	result := SeedResult{Reference: make(map[core.ReferenceKind]SeedCount)}

	users := slices.Clone(seed.Users)
	if defaultActor != "" && !slices.ContainsFunc(users, func(u core.UserCreate) bool { return u.Username == defaultActor }) {
		users = append(users, core.UserCreate{Username: defaultActor})
	}

	for _, u := range users {
		_, created, err := refs.CreateUser(ctx, u)
		if err != nil {
			return result, fmt.Errorf("user %q: %w", u.Username, err)
		}
		if created {
			result.Users.Created++
		} else {
			result.Users.Existing++
		}
	}

	for _, kind := range core.ReferenceKinds {
		values, ok := seed.Reference[kind.String()]
		if !ok {
			continue
		}
		var count SeedCount
		for _, v := range values {
			_, created, err := refs.Create(ctx, kind, v)
			if err != nil {
				return result, fmt.Errorf("%s %q: %w", kind, v.Value, err)
			}
			if created {
				count.Created++
			} else {
				count.Existing++
			}
		}
		result.Reference[kind] = count
	}

	return result, nil
}

func renderSeedResult(w io.Writer, result SeedResult) {
	headerColor.Fprintln(w, "SEED SUMMARY")
	headerColor.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "%-25s %-10s %-10s\n", "Kind", "Created", "Existing")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "%-25s %-10d %-10d\n", "users", result.Users.Created, result.Users.Existing)
	for _, kind := range core.ReferenceKinds {
		count, ok := result.Reference[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%-25s %-10d %-10d\n", kind, count.Created, count.Existing)
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))
}

// newSeedCmd creates the 'seed' subcommand
func newSeedCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create reference data and users from a YAML file",
		Long: `Create reference values and users from a YAML file.

Rows that already exist are left untouched, so the same file can be applied repeatedly.
The configured default history actor is always ensured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := loadSeedFile(file)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			app, err := openFunc(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()

			var s *spinner.Spinner
			if !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = " Seeding reference data..."
				s.Start()
			}

			result, err := runSeed(ctx, app.Services.References, seed, app.Config.History.DefaultActor)

			if s != nil {
				s.Stop()
			}

			if err != nil {
				errorColor.Fprintf(cmd.ErrOrStderr(), "✗ Seed failed: %v\n", err)
				return err
			}

			if outputJSON {
				return outputAsJSON(out, result)
			}
			if !quiet {
				renderSeedResult(out, result)
			}
			successColor.Fprintln(out, "✓ Seed complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Seed file (YAML)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
