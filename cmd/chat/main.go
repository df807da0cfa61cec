package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bv199.vn/hospital-chat/internal/config"
	"bv199.vn/hospital-chat/internal/core"
	"bv199.vn/hospital-chat/internal/logging"
	"bv199.vn/hospital-chat/internal/store"
	"bv199.vn/hospital-chat/internal/terminal"
	"bv199.vn/hospital-chat/internal/utils"
)

var (
	logger    *slog.Logger
	storeKind string
	storePath string
	proxyURL  string
	logLevel  string
)

func main() {
	envErr := config.LoadConfig()
	cfg := config.AppConfig

	root := &cobra.Command{
		Use:   "hospital-chat",
		Short: "Terminal chat for the Hospital 199 assistant",
		Long:  "hospital-chat keeps a local history of conversations and sends questions through the chat proxy.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.New(os.Stderr, logLevel, "text")
			if envErr != nil {
				logger.Debug("no .env file found, relying on environment variables")
			}
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&storeKind, "store", cfg.ChatStore, "conversation store backend: sqlite, bolt or memory")
	root.PersistentFlags().StringVar(&storePath, "db", cfg.ChatStorePath, "path to the conversation database")
	root.PersistentFlags().StringVar(&proxyURL, "proxy", cfg.ChatProxyURL, "chat proxy endpoint")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "WARN", "log level: DEBUG, INFO, WARN, ERROR")

	root.AddCommand(chatCmd(cfg))
	root.AddCommand(listCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(showCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(renameCmd())
	root.AddCommand(deleteCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the configured backend. The returned close func must be
// called once the command is done.
func openStore() (*store.ConversationStore, func() error, error) {
	kv, closeFn, err := store.Open(storeKind, storePath)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("opened conversation store", "backend", storeKind, "path", storePath)
	return store.NewConversationStore(kv, logger), closeFn, nil
}

func chatCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			conversations, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ai := core.NewAIClient(proxyURL, cfg.ChatClientTimeout, logger)
			svc := core.NewChatService(conversations, ai, logger)
			if _, err := svc.Restore(); err != nil {
				return fmt.Errorf("restore session: %w", err)
			}

			repl := terminal.New(terminal.Config{
				Session: svc,
				Logger:  logger,
				In:      cmd.InOrStdin(),
				Out:     cmd.OutOrStdout(),
			})
			return repl.Run(ctx)
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			conversations, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			current, _ := conversations.GetCurrentID()
			printSummaries(cmd.OutOrStdout(), conversations.ListAll(), current)
			return nil
		},
	}
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search conversations by title and message text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversations, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			found := conversations.Search(strings.Join(args, " "))
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matching conversations")
				return nil
			}
			current, _ := conversations.GetCurrentID()
			printSummaries(cmd.OutOrStdout(), found, current)
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversations, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			conv, ok := conversations.Get(args[0])
			if !ok {
				return fmt.Errorf("conversation %s: %w", args[0], store.ErrNotFound)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  (%s)\n", conv.Title, conv.ID)
			for _, m := range conv.Messages {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), m.Role, m.Content)
				for _, f := range m.Files {
					fmt.Fprintf(out, "    attachment: %s (%s, %d bytes)\n", f.Name, f.MIMEType, f.Size)
				}
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export [id]",
		Short: "Export one or all conversations as JSON or YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversations, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			var v any = conversations.ListAll()
			if len(args) == 1 {
				conv, ok := conversations.Get(args[0])
				if !ok {
					return fmt.Errorf("conversation %s: %w", args[0], store.ErrNotFound)
				}
				v = conv
			}
			return encode(cmd.OutOrStdout(), format, v)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	return cmd
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversations, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := conversations.Rename(args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			logger.Info("conversation renamed", "conversation_id", args[0])
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversations, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			if _, ok := conversations.Get(args[0]); !ok {
				return fmt.Errorf("conversation %s: %w", args[0], store.ErrNotFound)
			}
			if err := conversations.Delete(args[0]); err != nil {
				return err
			}
			if current, ok := conversations.GetCurrentID(); ok && current == args[0] {
				if err := conversations.ClearCurrentID(); err != nil {
					return err
				}
			}
			logger.Info("conversation deleted", "conversation_id", args[0])
			return nil
		},
	}
}

func printSummaries(w io.Writer, convs []store.Conversation, current string) {
	for _, c := range convs {
		marker := " "
		if c.ID == current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s  %s  %-50s %d messages\n", marker, c.ID,
			c.CreatedAt.Local().Format("2006-01-02 15:04"), utils.Truncate(c.Title, 50), len(c.Messages))
	}
}

func encode(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q: want json or yaml", format)
	}
}
