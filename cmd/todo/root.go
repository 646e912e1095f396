package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/voicetodo/pkg/api/client"
)

const requestTimeout = 15 * time.Second

type app struct {
	cfg      cliConfig
	apiFlag  string
	tzFlag   string
	jsonFlag bool
}

func (a *app) client() (*apiclient.Client, error) {
	base := strings.TrimSpace(a.apiFlag)
	if base == "" {
		base = a.cfg.APIBaseURL
	}
	return apiclient.New(base)
}

func (a *app) timezone() string {
	if tz := strings.TrimSpace(a.tzFlag); tz != "" {
		return tz
	}
	if a.cfg.Timezone != "" {
		return a.cfg.Timezone
	}
	return localTimezone()
}

func (a *app) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, requestTimeout)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "todo",
		Short:         "Manage voice to-do tasks from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.apiFlag, "api", "", "API base URL (default from config or "+defaultAPIBaseURL+")")
	root.PersistentFlags().StringVar(&a.tzFlag, "tz", "", "IANA timezone used to resolve due dates")
	root.PersistentFlags().BoolVar(&a.jsonFlag, "json", false, "Print raw JSON")

	root.AddCommand(
		newTasksCmd(a),
		newSessionCmd(a),
		newAskCmd(a),
		newToolCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(buildVersion))
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change saved settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "file\t%s\n", path)
			fmt.Fprintf(out, "api\t%s\n", a.cfg.APIBaseURL)
			fmt.Fprintf(out, "timezone\t%s\n", a.timezone())
			fmt.Fprintf(out, "agent_token\t%s\n", maskSecret(a.cfg.AgentToken))
			if a.cfg.LastRoom != "" {
				fmt.Fprintf(out, "last_room\t%s\n", a.cfg.LastRoom)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Save api, timezone or agent_token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := strings.TrimSpace(args[1])
			switch strings.ToLower(args[0]) {
			case "api":
				a.cfg.APIBaseURL = value
			case "timezone", "tz":
				if _, err := time.LoadLocation(value); err != nil {
					return fmt.Errorf("unknown timezone %q", value)
				}
				a.cfg.Timezone = value
			case "agent_token", "agent-token":
				a.cfg.AgentToken = value
			default:
				return fmt.Errorf("unknown config key: %s", args[0])
			}
			if err := saveConfig(a.cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saved")
			return nil
		},
	})
	return cmd
}

func localTimezone() string {
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	return ""
}

func maskSecret(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
