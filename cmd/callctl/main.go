package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"callcore/internal/audio"
	"callcore/internal/ipc"
)

// ============================================================================
// callctl - command-line IPC client for callcored
// ============================================================================
// Every subcommand maps to one request type. The response data is printed
// as indented JSON, or "ok" when the daemon returns none.
//
// Usage:
//   callctl state
//   callctl call join --create
//   callctl audio mute on
//   callctl sdp rewrite offer.sdp
//   callctl --socket /run/callcored.sock rtc disconnect --strategy migrate
// ============================================================================

const version = "0.3.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fang.Execute(ctx, newRootCmd(), fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

type client struct {
	socket  string
	timeout time.Duration
}

// send issues one request and prints the response data to cmd's output.
func (c *client) send(cmd *cobra.Command, typ string, data any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()

	raw, err := ipc.Send(ctx, c.socket, typ, data)
	if err != nil {
		return err
	}
	return printData(cmd.OutOrStdout(), raw)
}

func printData(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		_, err := fmt.Fprintln(w, "ok")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// parseSwitch accepts on/off style arguments.
func parseSwitch(s string) (bool, error) {
	switch s {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func newRootCmd() *cobra.Command {
	c := &client{}

	root := &cobra.Command{
		Use:           "callctl",
		Short:         "Control the callcored daemon over its Unix socket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.socket, "socket", ipc.DefaultSocketPath, "Unix domain socket path")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 35*time.Second, "Request timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "state",
			Short: "Print the full daemon state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.send(cmd, "state", nil)
			},
		},
		newBatteryCmd(c),
		newPermissionCmd(c),
		newAudioCmd(c),
		newSDPCmd(c),
		newCallCmd(c),
		newRTCCmd(c),
	)
	return root
}

// switchCmd builds a command taking a single on/off argument.
func switchCmd(c *client, use, short, typ, field string) *cobra.Command {
	return &cobra.Command{
		Use:       use + " on|off",
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			return c.send(cmd, typ, map[string]bool{field: v})
		},
	}
}

func newBatteryCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "battery", Short: "Battery monitoring"}
	cmd.AddCommand(switchCmd(c, "monitor", "Enable or disable battery polling", "battery.set_monitoring", "enabled"))
	return cmd
}

func newPermissionCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "permission", Short: "Device permissions"}
	cmd.AddCommand(&cobra.Command{
		Use:       "request microphone|camera",
		Short:     "Request access and wait for the decision",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"microphone", "camera"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.send(cmd, "permissions.request", map[string]string{"kind": args[0]})
		},
	})
	return cmd
}

func newAudioCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "audio", Short: "Audio session"}

	var (
		category string
		mode     string
		options  []string
	)
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Set the session category, mode and options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Validate locally for a better message than the daemon's.
			if _, err := audio.ParseOptions(options...); err != nil {
				return err
			}
			return c.send(cmd, "audio.set_config", map[string]any{
				"category": category,
				"mode":     mode,
				"options":  options,
			})
		},
	}
	configCmd.Flags().StringVar(&category, "category", string(audio.CategoryPlayAndRecord), "Session category")
	configCmd.Flags().StringVar(&mode, "mode", string(audio.ModeVoiceChat), "Session mode")
	configCmd.Flags().StringSliceVar(&options, "option", nil, "Category option (repeatable)")

	cmd.AddCommand(
		switchCmd(c, "record", "Start or stop recording when permitted", "audio.set_should_record", "enabled"),
		switchCmd(c, "mute", "Mute or unmute the microphone", "audio.set_muted", "muted"),
		configCmd,
		&cobra.Command{
			Use:       "override speaker|none",
			Short:     "Force the speaker or return to the default route",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{string(audio.OverrideSpeaker), string(audio.OverrideNone)},
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.send(cmd, "audio.set_override_output", map[string]string{"port": args[0]})
			},
		},
	)
	return cmd
}

func newSDPCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "sdp", Short: "Session description settings"}

	var dtx, red bool
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change SDP settings; only flags given are sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data := map[string]bool{}
			if cmd.Flags().Changed("opus-dtx") {
				data["opus_dtx"] = dtx
			}
			if cmd.Flags().Changed("red") {
				data["redundant_coding"] = red
			}
			return c.send(cmd, "sdp.set", data)
		},
	}
	setCmd.Flags().BoolVar(&dtx, "opus-dtx", false, "Opus discontinuous transmission")
	setCmd.Flags().BoolVar(&red, "red", false, "Prefer redundant audio coding")

	rewriteCmd := &cobra.Command{
		Use:   "rewrite [file]",
		Short: "Apply the current settings to an SDP read from file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				b   []byte
				err error
			)
			if len(args) == 0 || args[0] == "-" {
				b, err = io.ReadAll(cmd.InOrStdin())
			} else {
				b, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read sdp: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
			defer cancel()
			raw, err := ipc.Send(ctx, c.socket, "sdp.rewrite", map[string]string{"sdp": string(b)})
			if err != nil {
				return err
			}
			// Print the description itself rather than its JSON wrapper.
			var out struct {
				SDP string `json:"sdp"`
			}
			if err := json.Unmarshal(raw, &out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out.SDP)
			return err
		},
	}

	cmd.AddCommand(setCmd, rewriteCmd)
	return cmd
}

func newCallCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "call", Short: "Call lifecycle"}

	var create, ring, notify bool
	joinCmd := &cobra.Command{
		Use:   "join",
		Short: "Join the call, bringing up the RTC session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.send(cmd, "call.join", map[string]bool{"create": create, "ring": ring, "notify": notify})
		},
	}
	joinCmd.Flags().BoolVar(&create, "create", false, "Create the call if it does not exist")
	joinCmd.Flags().BoolVar(&ring, "ring", false, "Ring the other members")
	joinCmd.Flags().BoolVar(&notify, "notify", false, "Notify the other members")

	var reason string
	rejectCmd := &cobra.Command{
		Use:   "reject",
		Short: "Decline a ringing call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.send(cmd, "call.reject", map[string]string{"reason": reason})
		},
	}
	rejectCmd.Flags().StringVar(&reason, "reason", "decline", "Reason sent with the rejection")

	cmd.AddCommand(
		joinCmd,
		noArgCmd(c, "accept", "Accept a ringing call", "call.accept"),
		rejectCmd,
		noArgCmd(c, "leave", "Leave the call", "call.leave"),
	)
	return cmd
}

func newRTCCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "rtc", Short: "RTC session"}

	var strategy string
	disconnectCmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Simulate a connection drop and recover with a strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.send(cmd, "rtc.disconnect", map[string]string{"strategy": strategy})
		},
	}
	disconnectCmd.Flags().StringVar(&strategy, "strategy", "fast", "Recovery strategy: fast, rejoin, migrate, disconnected")

	cmd.AddCommand(
		noArgCmd(c, "connect", "Connect and join the SFU", "rtc.connect"),
		disconnectCmd,
		noArgCmd(c, "leave", "Leave the SFU", "rtc.leave"),
	)
	return cmd
}

func noArgCmd(c *client, use, short, typ string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.send(cmd, typ, nil)
		},
	}
}
