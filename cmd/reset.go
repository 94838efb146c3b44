package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB     bool
	resetImages bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Evidence Images)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetImages {
			resetDB = true
			resetImages = true
		}

		reader := stdinReader()

		if resetDB {
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetImages {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all evidence images in %s?", Cfg.Evidence.Dir)) {
				fmt.Println("🗑️  Clearing Evidence Images...")
				removeDir(Cfg.Evidence.Dir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear the attendance database")
	resetCmd.Flags().BoolVar(&resetImages, "images", false, "Clear saved evidence images")
	rootCmd.AddCommand(resetCmd)
}

func stdinReader() *bufio.Reader {
	return bufio.NewReader(os.Stdin)
}

func confirm(r *bufio.Reader, prompt string) bool {
	return confirmTo(os.Stdout, r, prompt)
}

func confirmTo(out io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
