package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"speech-coach/server/internal/domain"
	"speech-coach/server/internal/safety"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate config, safety policy and card deck without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "config: ok (llm=%s, listen=%s)\n", cfg.LLM.Provider, cfg.Server.Addr())

			if cfg.Safety.PolicyPath == "" {
				fmt.Fprintln(out, "policy: built-in defaults")
			} else {
				if _, err := safety.LoadPolicy(cfg.Safety.PolicyPath); err != nil {
					return fmt.Errorf("policy %s: %w", cfg.Safety.PolicyPath, err)
				}
				fmt.Fprintf(out, "policy: ok (%s)\n", cfg.Safety.PolicyPath)
			}

			deck, err := domain.LoadDeck(cfg.Paths.Cards)
			if err != nil {
				return fmt.Errorf("cards %s: %w", cfg.Paths.Cards, err)
			}
			fmt.Fprintf(out, "cards: ok (%d cards)\n", deck.Len())
			return nil
		},
	}
}
