package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lmfacade/internal/backend"
	"lmfacade/internal/backend/llamacpp"
	"lmfacade/internal/backend/llamaserver"
	"lmfacade/internal/backend/stubcpu"
)

func newBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Inspect registered backend modules",
	}
	cmd.AddCommand(newBackendListCmd())
	return cmd
}

func newBackendListCmd() *cobra.Command {
	var backendsDir string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backend modules available to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dispatcher := backend.NewDispatcher()
			dispatcher.RegisterBuiltin(llamacpp.New())
			dispatcher.RegisterBuiltin(llamaserver.New())
			dispatcher.RegisterBuiltin(stubcpu.New())
			if backendsDir != "" {
				if err := dispatcher.ScanDir(backendsDir); err != nil {
					return err
				}
			}
			for _, m := range dispatcher.Modules() {
				role := "normal"
				if m.Descriptor().IsFallback {
					role = "fallback"
				}
				fmt.Printf("%s\t%s\n", m.Name(), role)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backendsDir, "backends-dir", "", "directory to scan for *.so backend plugins")
	return cmd
}
