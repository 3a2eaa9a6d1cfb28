package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mazuadm/mazuadm/pkg/client"
)

func apiClient() *client.Client {
	base, _ := rootCmd.PersistentFlags().GetString("api")
	if base == "" {
		base = os.Getenv("MAZUADM_API")
	}
	if base == "" {
		base = "http://localhost:3000"
	}
	return client.New(base)
}

// printJSON renders an API response for the terminal
func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

// getAndPrint fetches a path and prints the response
func getAndPrint(path string) error {
	var out any
	if err := apiClient().Get(context.Background(), path, &out); err != nil {
		return err
	}
	return printJSON(out)
}

// postAndPrint posts a body and prints the response
func postAndPrint(path string, body any) error {
	var out any
	if err := apiClient().Post(context.Background(), path, body, &out); err != nil {
		return err
	}
	return printJSON(out)
}

// parseBodyArg decodes a JSON document passed as a CLI argument
func parseBodyArg(arg string) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal([]byte(arg), &body); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}
	return body, nil
}

func requireID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

// newCRUDCommand builds the list/create/update/delete verbs shared by the
// catalog entities
func newCRUDCommand(use, short, apiPath string) *cobra.Command {
	cmd := &cobra.Command{Use: use, Short: short}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List " + use + "s",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getAndPrint(apiPath)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "create <json>",
		Short: "Create a " + use + " from a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := parseBodyArg(args[0])
			if err != nil {
				return err
			}
			return postAndPrint(apiPath, body)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "update <id> <json>",
		Short: "Update a " + use,
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := requireID(args[0])
			if err != nil {
				return err
			}
			body, err := parseBodyArg(args[1])
			if err != nil {
				return err
			}
			var out any
			if err := apiClient().Put(context.Background(), fmt.Sprintf("%s/%d", apiPath, id), body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a " + use,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := requireID(args[0])
			if err != nil {
				return err
			}
			var out any
			if err := apiClient().Delete(context.Background(), fmt.Sprintf("%s/%d", apiPath, id), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	return cmd
}

var challengeCmd = func() *cobra.Command {
	cmd := newCRUDCommand("challenge", "Manage challenges", "/api/challenges")
	cmd.AddCommand(&cobra.Command{
		Use:   "enable <id> <true|false>",
		Short: "Enable or disable a challenge",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := requireID(args[0])
			if err != nil {
				return err
			}
			if args[1] != "true" && args[1] != "false" {
				return fmt.Errorf("expected true or false, got %q", args[1])
			}
			var out any
			if err := apiClient().Put(context.Background(),
				fmt.Sprintf("/api/challenges/%d/enabled/%s", id, args[1]), nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})
	return cmd
}()

var teamCmd = newCRUDCommand("team", "Manage teams", "/api/teams")

var exploitCmd = newCRUDCommand("exploit", "Manage exploits", "/api/exploits")

var runCmd = func() *cobra.Command {
	cmd := newCRUDCommand("run", "Manage exploit runs", "/api/exploit-runs")
	cmd.AddCommand(&cobra.Command{
		Use:   "reorder <json-array>",
		Short: "Reorder exploit runs: [{\"id\":1,\"sequence\":0}, ...]",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var items []map[string]any
			if err := json.Unmarshal([]byte(args[0]), &items); err != nil {
				return fmt.Errorf("body must be a JSON array: %w", err)
			}
			return postAndPrint("/api/exploit-runs/reorder", items)
		},
	})
	return cmd
}()

var roundCmd = func() *cobra.Command {
	cmd := &cobra.Command{Use: "round", Short: "Manage rounds"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List rounds",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getAndPrint("/api/rounds")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Generate a new round",
		RunE: func(_ *cobra.Command, _ []string) error {
			return postAndPrint("/api/rounds", nil)
		},
	})
	for _, verb := range []string{"run", "rerun", "rerun-unflagged", "skip"} {
		verb := verb
		cmd.AddCommand(&cobra.Command{
			Use:   verb + " <id>",
			Short: capitalize(verb) + " a round",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				id, err := requireID(args[0])
				if err != nil {
					return err
				}
				return postAndPrint(fmt.Sprintf("/api/rounds/%d/%s", id, verb), nil)
			},
		})
	}
	return cmd
}()

var jobCmd = func() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Inspect and control jobs"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <round-id>",
		Short: "List a round's jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := requireID(args[0])
			if err != nil {
				return err
			}
			return getAndPrint(fmt.Sprintf("/api/jobs?round_id=%d", id))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a job including its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := requireID(args[0])
			if err != nil {
				return err
			}
			return getAndPrint(fmt.Sprintf("/api/jobs/%d", id))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "enqueue <exploit-run-id> <team-id>",
		Short: "Enqueue an ad-hoc job into the running round",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			runID, err := requireID(args[0])
			if err != nil {
				return err
			}
			teamID, err := requireID(args[1])
			if err != nil {
				return err
			}
			return postAndPrint("/api/jobs/enqueue", map[string]any{
				"exploit_run_id": runID, "team_id": teamID,
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rerun <id>",
		Short: "Re-dispatch a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := requireID(args[0])
			if err != nil {
				return err
			}
			return postAndPrint(fmt.Sprintf("/api/jobs/%d/enqueue", id), nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := requireID(args[0])
			if err != nil {
				return err
			}
			return postAndPrint(fmt.Sprintf("/api/jobs/%d/stop", id), nil)
		},
	})
	return cmd
}()

var flagCmd = func() *cobra.Command {
	cmd := &cobra.Command{Use: "flag", Short: "List and submit flags"}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List flags",
		RunE: func(c *cobra.Command, _ []string) error {
			path := "/api/flags"
			if round, _ := c.Flags().GetInt64("round"); round > 0 {
				path = fmt.Sprintf("%s?round_id=%d", path, round)
			}
			return getAndPrint(path)
		},
	}
	listCmd.Flags().Int64("round", 0, "Filter by round id")
	cmd.AddCommand(listCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "submit <challenge-id> <team-id> <flag>",
		Short: "Submit a flag manually",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			challengeID, err := requireID(args[0])
			if err != nil {
				return err
			}
			teamID, err := requireID(args[1])
			if err != nil {
				return err
			}
			return postAndPrint("/api/flags", map[string]any{
				"challenge_id": challengeID, "team_id": teamID, "flag_value": args[2],
			})
		},
	})
	return cmd
}()

var settingCmd = func() *cobra.Command {
	cmd := &cobra.Command{Use: "setting", Short: "Read and write settings"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List settings",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getAndPrint("/api/settings")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return postAndPrint("/api/settings", map[string]string{
				"key": args[0], "value": args[1],
			})
		},
	})
	return cmd
}()

var containerCmd = func() *cobra.Command {
	cmd := &cobra.Command{Use: "container", Short: "Inspect and manage exploit containers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List containers",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getAndPrint("/api/containers")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <engine-id>",
		Short: "Destroy a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var out any
			if err := apiClient().Delete(context.Background(), "/api/containers/"+args[0], &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})
	restartCmd := &cobra.Command{
		Use:   "restart <engine-id>",
		Short: "Restart a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			force, _ := c.Flags().GetBool("force")
			return postAndPrint("/api/containers/"+args[0]+"/restart", map[string]any{"force": force})
		},
	}
	restartCmd.Flags().Bool("force", false, "Skip the graceful stop window")
	cmd.AddCommand(restartCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "restart-all",
		Short: "Restart every container",
		RunE: func(_ *cobra.Command, _ []string) error {
			return postAndPrint("/api/containers/restart-all", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove-all",
		Short: "Destroy every container",
		RunE: func(_ *cobra.Command, _ []string) error {
			return postAndPrint("/api/containers/remove-all", nil)
		},
	})
	return cmd
}()

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-('a'-'A')) + s[1:]
}
