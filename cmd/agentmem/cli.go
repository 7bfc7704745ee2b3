package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/agentmem/pkg/config"
	"github.com/dotsetgreg/agentmem/pkg/memory"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "agentmem",
		Short: "Two-tier memory store for coding-assistant agents",
		Long: strings.TrimSpace(`agentmem manages a session-scoped memory store:
an ephemeral short-term tier and a durable, queryable long-term tier.

Subcommands operate on the long-term store directly; the short-term tier
exists only inside a running agent process.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the agentmem config file")

	root.AddCommand(newStatsCommand(&configPath))
	root.AddCommand(newQueryCommand(&configPath))
	root.AddCommand(newRememberCommand(&configPath))
	root.AddCommand(newClearCommand(&configPath))
	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentmem.json"
	}
	return filepath.Join(home, ".agentmem", "config.json")
}

func openService(configPath string) (*memory.Service, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return memory.NewService(cfg.MemoryConfig())
}

func sessionArg(id string) (memory.Session, error) {
	sess, err := memory.NewSession(id)
	if err != nil {
		return memory.Session{}, fmt.Errorf("--session: %w", err)
	}
	return sess, nil
}

func newStatsCommand(configPath *string) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:     "stats",
		Short:   "Show long-term item counts for a session",
		Example: "  agentmem stats --session build-42",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionArg(sessionID)
			if err != nil {
				return err
			}
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.LongTerm().Count(context.Background(), sess)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d long-term items\n", sess.ID(), n)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (required)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newQueryCommand(configPath *string) *cobra.Command {
	var (
		sessionID     string
		keywords      []string
		itemType      string
		minImportance float64
		limit         int
	)
	cmd := &cobra.Command{
		Use:     "query",
		Short:   "Search a session's long-term memories",
		Example: "  agentmem query --session build-42 --keyword parser --min-importance 0.5",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionArg(sessionID)
			if err != nil {
				return err
			}
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			results, err := svc.Search(context.Background(), sess, memory.SearchQuery{
				Keywords:      keywords,
				Type:          memory.ItemType(itemType),
				MinImportance: minImportance,
				Limit:         limit,
			})
			if err != nil {
				return err
			}
			for _, sm := range results {
				raw, _ := json.Marshal(sm.Item.Data)
				fmt.Fprintf(cmd.OutOrStdout(), "%.3f  %-14s  %s  %s\n", sm.Score, sm.Item.Type, sm.Item.ID, raw)
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matches")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (required)")
	cmd.Flags().StringArrayVar(&keywords, "keyword", nil, "Keyword to match (repeatable)")
	cmd.Flags().StringVar(&itemType, "type", "", "Restrict to one item type")
	cmd.Flags().Float64Var(&minImportance, "min-importance", 0, "Minimum importance in [0,1]")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newRememberCommand(configPath *string) *cobra.Command {
	var (
		sessionID  string
		itemType   string
		dataJSON   string
		importance float64
	)
	cmd := &cobra.Command{
		Use:     "remember",
		Short:   "Persist one item directly into the long-term store",
		Example: `  agentmem remember --session build-42 --type decision --importance 0.9 --data '{"text":"use sqlite"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionArg(sessionID)
			if err != nil {
				return err
			}
			var data map[string]any
			if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
				return fmt.Errorf("--data: %w", err)
			}
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Remember(sess, memory.Item{
				Type:       memory.ItemType(itemType),
				Data:       data,
				Importance: importance,
			}); err != nil {
				return err
			}
			report, err := svc.PromoteAll(context.Background(), sess)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "promoted %d item(s)\n", report.Promoted)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (required)")
	cmd.Flags().StringVar(&itemType, "type", "", "Item type (inferred when omitted)")
	cmd.Flags().StringVar(&dataJSON, "data", "", "Item payload as JSON (required)")
	cmd.Flags().Float64Var(&importance, "importance", 0.5, "Importance in [0,1]")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newClearCommand(configPath *string) *cobra.Command {
	var (
		sessionID string
		yes       bool
	)
	cmd := &cobra.Command{
		Use:     "clear",
		Short:   "Delete every long-term item a session owns",
		Example: "  agentmem clear --session build-42 --yes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			sess, err := sessionArg(sessionID)
			if err != nil {
				return err
			}
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.LongTerm().Clear(context.Background(), sess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared session %s\n", sess.ID())
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (required)")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
