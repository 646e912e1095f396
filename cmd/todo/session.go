package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/voicetodo/pkg/api/client"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start, inspect and end voice sessions",
	}
	cmd.AddCommand(newSessionConnectCmd(a), newSessionStatusCmd(a), newSessionDisconnectCmd(a))
	return cmd
}

func newSessionConnectCmd(a *app) *cobra.Command {
	var input apiclient.ConnectInput
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Request a room token and an agent for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			input.Timezone = a.timezone()
			input.Client = "cli"
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			session, err := client.Connect(ctx, input)
			if err != nil {
				return err
			}
			a.cfg.LastRoom = session.Room
			if err := saveConfig(a.cfg); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not remember room: %v\n", err)
			}
			if a.jsonFlag {
				return writeJSON(cmd.OutOrStdout(), session)
			}
			out := cmd.OutOrStdout()
			state := "dispatched"
			if session.Reused {
				state = "reused"
			}
			fmt.Fprintf(out, "room\t%s\n", session.Room)
			fmt.Fprintf(out, "identity\t%s\n", session.Identity)
			fmt.Fprintf(out, "agent\t%s (%s)\n", session.DispatchID, state)
			fmt.Fprintf(out, "url\t%s\n", session.URL)
			fmt.Fprintf(out, "token\t%s\n", session.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&input.Room, "room", "", "Join an existing room")
	cmd.Flags().StringVar(&input.Identity, "identity", "", "Participant identity")
	cmd.Flags().StringVar(&input.Name, "name", "", "Display name")
	return cmd
}

func newSessionStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [room]",
		Short: "Show whether a room has an agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, err := a.roomArg(args)
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			status, err := client.SessionStatus(ctx, room)
			if err != nil {
				return err
			}
			if a.jsonFlag {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			renderStatus(cmd.OutOrStdout(), status, a.location())
			return nil
		},
	}
}

func newSessionDisconnectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [room]",
		Short: "Release the agent serving a room",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, err := a.roomArg(args)
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			status, err := client.Disconnect(ctx, room)
			if err != nil {
				if apiclient.IsNotFound(err) {
					fmt.Fprintf(cmd.OutOrStdout(), "room %s has no agent\n", room)
					return nil
				}
				return err
			}
			if a.jsonFlag {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released agent for %s\n", room)
			return nil
		},
	}
}

func (a *app) roomArg(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if a.cfg.LastRoom != "" {
		return a.cfg.LastRoom, nil
	}
	return "", errors.New("room required; run 'todo session connect' first")
}
