package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lmfacade/internal/pool"
)

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and maintain persisted pool slot files",
	}
	cmd.AddCommand(newPoolCleanupCmd())
	cmd.AddCommand(newPoolListCmd())
	return cmd
}

func newPoolCleanupCmd() *cobra.Command {
	var (
		poolName string
		poolDir  string
		olderFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove persisted slot files for a pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pool.New(pool.Config{Size: 1, Name: poolName, Dir: poolDir})
			if err != nil {
				return err
			}
			if olderFor > 0 {
				return p.CleanupOlderThan(olderFor)
			}
			return p.Cleanup()
		},
	}
	cmd.Flags().StringVar(&poolName, "pool-name", "default", "pool name to clean up")
	cmd.Flags().StringVar(&poolDir, "pool-dir", ".", "directory containing persisted slot files")
	cmd.Flags().DurationVar(&olderFor, "older-than", 0, "only remove slot files older than this duration (0 removes all)")
	return cmd
}

func newPoolListCmd() *cobra.Command {
	var (
		poolName string
		poolDir  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List session ids with persisted slot files for a pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := fmt.Sprintf("LMInferencePool_%s_", poolName)
			matches, err := filepath.Glob(filepath.Join(poolDir, prefix+"*"))
			if err != nil {
				return err
			}
			if len(matches) == 0 {
				fmt.Println("no persisted slot files found")
				return nil
			}
			for _, m := range matches {
				fmt.Println(strings.TrimPrefix(filepath.Base(m), prefix))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&poolName, "pool-name", "default", "pool name")
	cmd.Flags().StringVar(&poolDir, "pool-dir", ".", "directory containing persisted slot files")
	return cmd
}
