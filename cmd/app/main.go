// CLI for the beat library and hum search server.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tunefind/tunefind/pkg/server"
	"github.com/tunefind/tunefind/pkg/service"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "tunefind",
	Short: "Index beats and find them again by humming",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()
		return server.Run(svc, addr)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <files...>",
	Short: "Add beats to an owner's library",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			result, err := svc.Upload(owner, filepath.Base(path), data, service.UploadOptions{})
			if err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			color.Green("uploaded %s (%s)", result.Filename, result.BeatID)
			printMeta(result.DurationS, result.BPM, result.Key)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <hum.wav>",
	Short: "Search an owner's library with a hummed clip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		topK, _ := cmd.Flags().GetInt("top-k")
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		result, err := svc.Search(owner, data, topK)
		if err != nil {
			return err
		}

		for i, m := range result.Matches {
			line := fmt.Sprintf("%2d. %-40s score=%.4f", i+1, m.Filename, m.Score)
			if i == 0 {
				color.Green("%s", line)
			} else {
				fmt.Println(line)
			}
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's beats",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		result, err := svc.List(owner)
		if err != nil {
			return err
		}
		for _, b := range result.Beats {
			fmt.Printf("%s  %s\n", b.ID, b.Filename)
			printMeta(b.DurationS, b.BPM, b.Key)
		}
		fmt.Printf("%d beat(s)\n", result.Count)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete one beat, or an owner's whole library",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		beatID, _ := cmd.Flags().GetString("beat-id")
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if beatID != "" {
			removed, err := svc.Delete(owner, beatID)
			if err != nil {
				return err
			}
			if removed {
				color.Yellow("deleted %s", beatID)
			} else {
				fmt.Println("no such beat")
			}
			return nil
		}

		count, err := svc.DeleteAll(owner)
		if err != nil {
			return err
		}
		color.Yellow("deleted %d beat(s)", count)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory for uploads and the index (default $TUNEFIND_DATA_DIR or ./data)")

	serveCmd.Flags().String("addr", ":8000", "Listen address")

	for _, cmd := range []*cobra.Command{uploadCmd, searchCmd, listCmd, deleteCmd} {
		cmd.Flags().String("owner", "", "Owner (producer) ID")
		cmd.MarkFlagRequired("owner")
	}
	searchCmd.Flags().Int("top-k", 5, "Maximum number of matches")
	deleteCmd.Flags().String("beat-id", "", "Delete a single beat instead of the whole library")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newService builds a service from flags and environment. Precedence:
// --data-dir flag, TUNEFIND_DATA_DIR, ./data.
func newService() (*service.Service, error) {
	dir := dataDir
	if dir == "" {
		dir = os.Getenv("TUNEFIND_DATA_DIR")
	}
	if dir == "" {
		dir = "data"
	}

	requireKey := false
	if raw := os.Getenv("TUNEFIND_REQUIRE_KEY"); raw != "" {
		requireKey, _ = strconv.ParseBool(raw)
	}

	return service.New(service.Config{
		DataDir:             dir,
		RequireKeyDetection: requireKey,
	})
}

func printMeta(durationS float64, bpm int, key string) {
	meta := fmt.Sprintf("    %.1fs", durationS)
	if bpm > 0 {
		meta += fmt.Sprintf("  %d bpm", bpm)
	}
	if key != "" {
		meta += "  " + key
	}
	fmt.Println(meta)
}
