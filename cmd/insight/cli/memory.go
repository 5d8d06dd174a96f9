package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/insight/internal/config"
	"github.com/felixgeelhaar/insight/internal/memory"
	"github.com/felixgeelhaar/insight/internal/store"
)

var memoryUser string

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and manage stored user memory",
}

var memoryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show what the assistant remembers about a user",
	Run: func(cmd *cobra.Command, args []string) {
		withMemories(func(memories *memory.Manager) {
			mem, err := memories.Get(memoryUser)
			if err != nil {
				fatal(err)
			}
			if mem.IsEmpty() {
				fmt.Println("(no stored memory)")
				return
			}
			if mem.Summary != "" {
				fmt.Println(mem.Summary)
			}
			if len(mem.Preferences) > 0 {
				fmt.Println("\nPreferences:")
				for _, p := range mem.Preferences {
					fmt.Printf("  %s: %s\n", p.Key, p.Value)
				}
			}
			if len(mem.Findings) > 0 {
				fmt.Println("\nFindings:")
				for _, f := range mem.Findings {
					fmt.Printf("  %s: %s\n", f.Key, f.Value)
				}
			}
			if len(mem.RecentSessions) > 0 {
				fmt.Println("\nRecent sessions:")
				for _, s := range mem.RecentSessions {
					fmt.Printf("  %s  %v\n", s.Date.Format("2006-01-02"), s.Topics)
				}
			}
		})
	},
}

var memoryResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all stored memory for a user",
	Run: func(cmd *cobra.Command, args []string) {
		withMemories(func(memories *memory.Manager) {
			if err := memories.Reset(memoryUser); err != nil {
				fatal(err)
			}
			fmt.Printf("memory reset for %s\n", memoryUser)
		})
	},
}

func withMemories(fn func(*memory.Manager)) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	storage, err := openStorage(cfg)
	if err != nil {
		fatal(err)
	}
	defer storage.Close()
	fn(newMemories(cfg, storage))
}

func newMemories(cfg *config.Config, storage store.Storage) *memory.Manager {
	return memory.NewManager(storage, cfg.SummaryBudgetChars, cfg.MaxFindings, cfg.MaxPreferences, cfg.RecentSessionsCap)
}

func init() {
	RootCmd.AddCommand(memoryCmd)
	memoryCmd.PersistentFlags().StringVarP(&memoryUser, "user", "u", "local", "User id")
	memoryCmd.AddCommand(memoryShowCmd)
	memoryCmd.AddCommand(memoryResetCmd)
}
