package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newAskCmd(a *app) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "ask <command...>",
		Short: "Send a spoken-style command to the assistant",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			result, err := client.Command(ctx, strings.Join(args, " "), a.timezone())
			if err != nil {
				return err
			}
			if a.jsonFlag {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			if verbose {
				for _, call := range result.Calls {
					if call.Error != "" {
						fmt.Fprintf(out, "  %s: %s\n", call.Name, call.Error)
						continue
					}
					fmt.Fprintf(out, "  %s: ok\n", call.Name)
				}
			}
			fmt.Fprintln(out, result.Reply)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show the tool calls the assistant made")
	return cmd
}

func newToolCmd(a *app) *cobra.Command {
	var (
		room  string
		token string
		pairs []string
	)
	cmd := &cobra.Command{
		Use:   "tool <name>",
		Short: "Invoke an agent tool directly (requires the agent token)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := a.agentToken(token)
			if err != nil {
				return err
			}
			toolArgs, err := parseToolArgs(pairs)
			if err != nil {
				return err
			}
			if room == "" {
				room = a.cfg.LastRoom
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			result, err := client.ExecuteTool(ctx, secret, room, args[0], toolArgs, a.timezone())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "Room the call is made for")
	cmd.Flags().StringVar(&token, "token", "", "Agent token (prompted when omitted)")
	cmd.Flags().StringArrayVar(&pairs, "arg", nil, "Tool argument as key=value (repeatable)")
	return cmd
}

func (a *app) agentToken(flagValue string) (string, error) {
	for _, candidate := range []string{flagValue, os.Getenv("AGENT_TOKEN"), a.cfg.AgentToken} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s, nil
		}
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("--token is required")
	}
	fmt.Fprint(os.Stderr, "Agent token: ")
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprint(os.Stderr, "\n")
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(bytes)), nil
}

// parseToolArgs turns key=value pairs into tool arguments. Values that parse
// as JSON numbers or booleans keep that type.
func parseToolArgs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q, want key=value", pair)
		}
		switch value {
		case "true", "false":
			out[key] = value == "true"
			continue
		}
		if n, err := strconv.ParseFloat(value, 64); err == nil && json.Valid([]byte(value)) {
			out[key] = n
			continue
		}
		out[key] = value
	}
	return out, nil
}
