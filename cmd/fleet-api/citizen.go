package main

import (
	"encoding/json"

	"github.com/fleetmanager/backend/internal/citizens"
	"github.com/spf13/cobra"
)

func newCitizenCommand() *cobra.Command {
	citizenCmd := &cobra.Command{
		Use:   "citizen",
		Short: "Manage tracked citizens",
	}

	citizenCmd.AddCommand(&cobra.Command{
		Use:   "add <handle>",
		Short: "Register a citizen by directory handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := citizens.NewHandle(args[0])
			if err != nil {
				return err
			}
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			citizen, err := app.service.EnsureCitizen(cmd.Context(), handle)
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]string{"id": citizen.ID, "handle": citizen.Handle})
		},
	})

	citizenCmd.AddCommand(&cobra.Command{
		Use:   "refresh <handle>",
		Short: "Fetch a citizen from the directory and reconcile memberships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := citizens.NewHandle(args[0])
			if err != nil {
				return err
			}
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			citizen, err := app.service.EnsureCitizen(cmd.Context(), handle)
			if err != nil {
				return err
			}
			changes, err := app.service.Refresh(cmd.Context(), citizens.CitizenID(citizen.ID))
			if err != nil {
				return err
			}
			return writeJSON(cmd, struct {
				CitizenID string                 `json:"citizen_id"`
				Handle    string                 `json:"handle"`
				Changes   citizens.ChangeSummary `json:"changes"`
			}{
				CitizenID: changes.Citizen.ID,
				Handle:    changes.Citizen.Handle,
				Changes:   changes.Summary(),
			})
		},
	})

	return citizenCmd
}

func writeJSON(cmd *cobra.Command, value interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
