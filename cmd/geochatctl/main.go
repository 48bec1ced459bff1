package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/geochat/internal/api"
	"github.com/matheus3301/geochat/internal/lock"
	"github.com/matheus3301/geochat/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var rootCmd = &cobra.Command{
	Use:           "geochatctl",
	Short:         "Control a running geochat session daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagSession string
	flagJSON    bool
	flagTimeout time.Duration
	flagLat     float64
	flagLong    float64
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagSession, "session", "", "session name (overrides config default)")
	flags.BoolVar(&flagJSON, "json", false, "output in JSON format")
	flags.DurationVar(&flagTimeout, "timeout", 10*time.Second, "request timeout")

	sendCmd.Flags().Float64Var(&flagLat, "lat", 0, "latitude to send from (default: daemon position)")
	sendCmd.Flags().Float64Var(&flagLong, "long", 0, "longitude to send from (default: daemon position)")
	sendCmd.MarkFlagsRequiredTogether("lat", "long")

	rootCmd.AddCommand(statusCmd, messagesCmd, pendingCmd, sendCmd, resendCmd, discardCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			st := resp.AsMap()
			if flagJSON {
				return outputJSON(st)
			}
			fmt.Printf("Session:  %v\n", st["session"])
			fmt.Printf("State:    %v (connected: %v)\n", st["state"], st["connected"])
			if e, _ := st["error"].(string); e != "" {
				fmt.Printf("Error:    %s\n", e)
			}
			if sender, ok := st["sender"].(map[string]any); ok && sender["username"] != "" {
				fmt.Printf("User:     %v\n", sender["username"])
			}
			if pos, ok := st["position"].(map[string]any); ok {
				fmt.Printf("Position: %v, %v\n", pos["lat"], pos["long"])
			} else {
				fmt.Println("Position: unknown")
			}
			fmt.Printf("Radius:   %vm\n", st["radiusInMeters"])
			fmt.Printf("Messages: %v (%v pending)\n", st["messageCount"], st["pendingCount"])
			fmt.Printf("Uptime:   %vms\n", st["uptimeMs"])
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List confirmed messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			msgs, err := c.ListMessages(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(msgs)
			}
			if len(msgs) == 0 {
				fmt.Println("No messages.")
				return nil
			}
			for _, v := range msgs {
				m, _ := v.(map[string]any)
				sender, _ := m["sender"].(map[string]any)
				distance := "?"
				if d, ok := m["distanceInMeters"].(float64); ok {
					distance = fmt.Sprintf("%.0fm", d)
				}
				fmt.Printf("%-25v %-16v %6s  %v\n", m["sentAt"], sender["username"], distance, m["content"])
			}
			return nil
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List messages awaiting confirmation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			pending, err := c.ListPending(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(pending)
			}
			if len(pending) == 0 {
				fmt.Println("No pending messages.")
				return nil
			}
			for _, v := range pending {
				p, _ := v.(map[string]any)
				state := "pending"
				switch {
				case p["failed"] == true:
					state = "failed"
				case p["succeeded"] == true:
					state = "sent"
				}
				fmt.Printf("%-36v %-8s retries=%v  %v\n", p["clientId"], state, p["retries"], p["content"])
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a chat message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			var (
				clientID string
				err      error
			)
			if cmd.Flags().Changed("lat") {
				clientID, err = c.SendMessageAt(ctx, args[0], flagLat, flagLong)
			} else {
				clientID, err = c.SendMessage(ctx, args[0])
			}
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(map[string]string{"clientId": clientID})
			}
			fmt.Println(clientID)
			return nil
		})
	},
}

var resendCmd = &cobra.Command{
	Use:   "resend <clientId>",
	Short: "Retry a pending or failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.ResendMessage(ctx, args[0])
		})
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <clientId>",
	Short: "Drop a pending or failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.DiscardMessage(ctx, args[0])
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [prefix]",
	Short: "Stream session events (e.g. \"message.\" or \"session.\")",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.WatchEvents(ctx, prefix, func(evt map[string]any) error {
			if flagJSON {
				return outputJSON(evt)
			}
			fmt.Printf("%v %-24v %v\n", evt["timestamp"], evt["kind"], evt["payload"])
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return explain(err)
	},
}

func dial() (*api.Client, error) {
	sessionName := session.Resolve(flagSession)
	if err := session.ValidateName(sessionName); err != nil {
		return nil, err
	}
	return api.Dial(session.SocketPath(sessionName))
}

func withClient(fn func(context.Context, *api.Client) error) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	return explain(fn(ctx, c))
}

// explain turns an unreachable socket into a hint about the daemon.
func explain(err error) error {
	if grpcstatus.Code(err) != codes.Unavailable {
		return err
	}
	sessionName := session.Resolve(flagSession)
	h, herr := lock.ReadHolder(session.Dir(sessionName))
	if errors.Is(herr, os.ErrNotExist) {
		return fmt.Errorf("no daemon running for session %q (start geochatd --session %s)", sessionName, sessionName)
	}
	if herr == nil {
		return fmt.Errorf("daemon for session %q (PID %d) is not answering: %w", sessionName, h.PID, err)
	}
	return err
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
