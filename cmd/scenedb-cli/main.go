// scenedb-cli is a small operator tool for inspecting and moving snapshots.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"scenedb/pkg/client"
	"scenedb/pkg/models"
)

type cliConfig struct {
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token"`
	TimeoutS  int    `toml:"timeout_seconds"`
}

func loadConfig(path string) cliConfig {
	cfg := cliConfig{ServerURL: "http://127.0.0.1:8080", TimeoutS: 30}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + "/.scenedb.toml"
		}
	}
	if raw, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(raw, &cfg)
	}
	if v := os.Getenv("SCENEDB_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("SCENEDB_TOKEN"); v != "" {
		cfg.Token = v
	}
	return cfg
}

func main() {
	var (
		cfgPath string
		cfg     cliConfig
		cl      *client.Client
	)

	root := &cobra.Command{
		Use:   "scenedb-cli",
		Short: "Inspect and move scenedb snapshots",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = loadConfig(cfgPath)
			cl = client.New(
				client.WithBaseURL(cfg.ServerURL),
				client.WithToken(cfg.Token),
				client.WithTimeout(time.Duration(cfg.TimeoutS)*time.Second),
			)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to toml config (default ~/.scenedb.toml)")

	snapshot := &cobra.Command{Use: "snapshot", Short: "Snapshot operations"}
	snapshot.AddCommand(
		&cobra.Command{
			Use:   "pull <project-id>",
			Short: "Fetch a project snapshot and print it as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				snap, err := cl.GetSnapshot(context.Background(), args[0])
				if err != nil {
					return err
				}
				return printJSON(snap)
			},
		},
		&cobra.Command{
			Use:   "push <project-id> <file.json>",
			Short: "Replace a project snapshot from a JSON file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				raw, err := os.ReadFile(args[1])
				if err != nil {
					return err
				}
				var snap models.Snapshot
				if err := json.Unmarshal(raw, &snap); err != nil {
					return fmt.Errorf("parse %s: %w", args[1], err)
				}
				res, err := cl.PushSnapshot(context.Background(), args[0], snap)
				if err != nil {
					return err
				}
				fmt.Printf("stored version %d (%d scenes)\n", res.Version, res.Metadata.SceneCount)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <project-id>",
			Short: "Delete a project snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return cl.DeleteSnapshot(context.Background(), args[0])
			},
		},
	)

	scenes := &cobra.Command{
		Use:   "scenes <project-id>",
		Short: "List a project's scenes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			character, _ := cmd.Flags().GetString("character")
			theme, _ := cmd.Flags().GetString("theme")
			list, err := cl.ListScenes(context.Background(), args[0], character, theme)
			if err != nil {
				return err
			}
			for _, sc := range list.Scenes {
				fmt.Printf("%-4d v%-4d %s\n", sc.SceneIndex, sc.Version, sc.Slugline)
			}
			fmt.Printf("%d scenes\n", list.Count)
			return nil
		},
	}
	scenes.Flags().String("character", "", "filter by character substring")
	scenes.Flags().String("theme", "", "filter by theme substring")

	stats := &cobra.Command{
		Use:   "stats [project-id]",
		Short: "Show per-project or global statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				s, err := cl.SnapshotStats(context.Background(), args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			}
			g, err := cl.GlobalStats(context.Background())
			if err != nil {
				return err
			}
			return printJSON(g)
		},
	}

	projects := &cobra.Command{
		Use:   "projects",
		Short: "List projects with a stored snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := cl.ListProjects(context.Background())
			if err != nil {
				return err
			}
			for _, p := range ps {
				fmt.Println(p)
			}
			return nil
		},
	}

	root.AddCommand(snapshot, scenes, stats, projects)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
