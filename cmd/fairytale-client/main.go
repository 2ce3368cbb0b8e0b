package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/fairytale-mcp"
	"github.com/MegaGrindStone/fairytale-mcp/internal/logging"
)

type options struct {
	serverBin  string
	serverArgs []string
	sseURL     string
	timeout    time.Duration
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "fairytale-client",
		Short:         "Inspect fairytale projects through an MCP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.serverBin, "server-bin", "fairytale-server", "server binary to spawn over stdio")
	flags.StringArrayVar(&opts.serverArgs, "server-arg", nil, "argument passed to the spawned server, repeatable")
	flags.StringVar(&opts.sseURL, "sse-url", "", "connect to a running server at this SSE endpoint instead of spawning one")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "time limit for the whole command")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	cmd.AddCommand(
		resourcesCommand(opts),
		readCommand(opts),
		templatesCommand(opts),
		toolsCommand(opts),
		callCommand(opts),
		pingCommand(opts),
		diffCommand(opts),
	)

	return cmd
}

func resourcesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List the fairytale projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, client *mcp.Client) error {
				res, err := client.ListResources(ctx, mcp.ListResourcesParams{})
				if err != nil {
					return fmt.Errorf("failed to list resources: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), res.Resources)
			})
		},
	}
}

func readCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "read <uri>",
		Short: "Print the descriptor of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, client *mcp.Client) error {
				text, err := readText(ctx, client, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
}

func templatesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the resource URI templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, client *mcp.Client) error {
				res, err := client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesParams{})
				if err != nil {
					return fmt.Errorf("failed to list resource templates: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), res.Templates)
			})
		},
	}
}

func toolsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, client *mcp.Client) error {
				res, err := client.ListTools(ctx, mcp.ListToolsParams{})
				if err != nil {
					return fmt.Errorf("failed to list tools: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), res.Tools)
			})
		},
	}
}

func callCommand(opts *options) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := mcp.CallToolParams{Name: args[0]}
			if cmd.Flags().Changed("message") {
				arguments, err := json.Marshal(map[string]string{"message": message})
				if err != nil {
					return fmt.Errorf("failed to marshal arguments: %w", err)
				}
				params.Arguments = arguments
			}

			return opts.withClient(cmd, func(ctx context.Context, client *mcp.Client) error {
				res, err := client.CallTool(ctx, params)
				if err != nil {
					return fmt.Errorf("failed to call tool %s: %w", args[0], err)
				}
				for _, content := range res.Content {
					fmt.Fprintln(cmd.OutOrStdout(), content.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "message argument of the tool")

	return cmd
}

func pingCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, client *mcp.Client) error {
				start := time.Now()
				if err := client.Ping(ctx); err != nil {
					return fmt.Errorf("failed to ping: %w", err)
				}
				info := client.ServerInfo()
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s answered in %s\n",
					info.Name, info.Version, time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func diffCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <uri-a> <uri-b>",
		Short: "Show the line differences between two project descriptors",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, client *mcp.Client) error {
				a, err := readText(ctx, client, args[0])
				if err != nil {
					return err
				}
				b, err := readText(ctx, client, args[1])
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), formatLineDiff(args[0], a, args[1], b))
				return nil
			})
		},
	}
}

// withClient connects to the server, runs fn and closes the session. The server is
// spawned as a child process unless sseURL is set.
func (o *options) withClient(cmd *cobra.Command, fn func(context.Context, *mcp.Client) error) error {
	logger, err := logging.New(o.logLevel, "text", cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var transport mcp.ClientTransport
	if o.sseURL != "" {
		transport = mcp.NewSSEClient(o.sseURL, &http.Client{}, mcp.WithSSEClientLogger(logger))
	} else {
		proc, err := startServer(o.serverBin, o.serverArgs, cmd.ErrOrStderr(), logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := proc.stop(o.timeout); err != nil {
				logger.Warn("failed to stop server", slog.String("err", err.Error()))
			}
		}()
		transport = proc.transport()
	}

	client := mcp.NewClient(mcp.Info{Name: "fairytale-client", Version: "0.1.0"}, transport,
		mcp.WithClientLogger(logger))
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	logger.Debug("connected", slog.String("server", client.ServerInfo().Name))

	return fn(ctx, client)
}

func readText(ctx context.Context, client *mcp.Client, uri string) (string, error) {
	res, err := client.ReadResource(ctx, mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", uri, err)
	}
	if len(res.Contents) == 0 {
		return "", fmt.Errorf("resource %s has no contents", uri)
	}
	return res.Contents[0].Text, nil
}

func printJSON(w io.Writer, v any) error {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(bs))
	return err
}
