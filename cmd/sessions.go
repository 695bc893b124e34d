package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/codexclaw/internal/config"
	"github.com/nextlevelbuilder/codexclaw/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and edit chat → Codex thread bindings",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsResetCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted bindings",
		Run: func(cmd *cobra.Command, args []string) {
			withSessionStore(func(ctx context.Context, s store.BindingStore) error {
				b, err := s.Load(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Store: %s\n\n", s.Describe())
				printBindings(os.Stdout, b)
				return nil
			})
		},
	}
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <chat-id>",
		Short: "Forget the thread bound to a chat; its next message starts a new thread",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			chatID := args[0]
			withSessionStore(func(ctx context.Context, s store.BindingStore) error {
				b, err := s.Load(ctx)
				if err != nil {
					return err
				}
				if _, ok := b[chatID]; !ok {
					fmt.Printf("No binding for %s\n", chatID)
					return nil
				}
				delete(b, chatID)
				if err := s.Save(ctx, b); err != nil {
					return err
				}
				fmt.Printf("Binding for %s removed (restart the bridge to drop its live thread)\n", chatID)
				return nil
			})
		},
	}
}

func withSessionStore(fn func(ctx context.Context, s store.BindingStore) error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	s, closeStore, err := openBindingStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()
	if err := fn(ctx, s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printBindings(w io.Writer, b store.Bindings) {
	if len(b) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintf(w, "%-40s %s\n", "CHAT", "THREAD")
	for _, id := range ids {
		fmt.Fprintf(w, "%-40s %s\n", id, b[id])
	}
	fmt.Fprintf(w, "\n%d session(s)\n", len(b))
}
