package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/finsight/internal/auth"
	"github.com/user/finsight/internal/fallback"
	"github.com/user/finsight/internal/notify"
	"github.com/user/finsight/internal/registry"
	"github.com/user/finsight/internal/session"
	"github.com/user/finsight/internal/stream"
	"github.com/user/finsight/internal/types"
)

var (
	insightYear  int
	insightMonth int
	notifyChatID int64
)

func init() {
	now := time.Now()
	for _, cmd := range []*cobra.Command{summaryCmd, savingsCmd, chatCmd} {
		cmd.Flags().IntVar(&insightYear, "year", now.Year(), "scope year")
		cmd.Flags().IntVar(&insightMonth, "month", int(now.Month()), "scope month (1-12)")
		cmd.Flags().Int64Var(&notifyChatID, "notify-telegram", 0, "deliver the result to this Telegram chat ID")
	}
	rootCmd.AddCommand(summaryCmd, savingsCmd, chatCmd)
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Generate the monthly financial summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInsight(types.KindSummary, "")
	},
}

var savingsCmd = &cobra.Command{
	Use:   "savings",
	Short: "Generate the savings analysis",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInsight(types.KindSavings, "")
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <question>",
	Short: "Ask a free-text question about your finances",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInsight(types.KindChat, strings.Join(args, " "))
	},
}

func runInsight(kind types.Kind, question string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	printer := &progressPrinter{}
	reg := registry.New(session.Config{
		Opener:        stream.New(cfg.Backend.BaseURL),
		Fallback:      fallback.New(cfg.Backend.BaseURL, cfg.RequestTimeout()),
		StreamTimeout: cfg.StreamTimeout(),
		OnUpdate:      printer.update,
		OnUnauthorized: func() {
			slog.Warn("auth token rejected; update it with: finsight config set backend.token <token>")
		},
	}, auth.StaticToken(cfg.Backend.Token), int64(cfg.MaxConcurrent))
	defer reg.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key := types.NewSessionKey("cli", string(kind))
	done, err := reg.Start(ctx, key, types.InsightRequest{
		Kind:     kind,
		Year:     insightYear,
		Month:    insightMonth,
		Question: question,
	})
	if err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		reg.Reset(key)
		return ctx.Err()
	}

	snap := reg.Get(key).Snapshot()
	switch snap.State {
	case types.StateSucceeded:
		fmt.Fprintln(os.Stdout, snap.Result.Text)
		fmt.Fprintf(os.Stderr, "\n(model: %s)\n", snap.Result.ModelUsed)
	case types.StateFailed:
		fmt.Fprintln(os.Stdout, snap.ErrMessage)
	default:
		return fmt.Errorf("request was interrupted")
	}

	if notifyChatID != 0 {
		if cfg.Telegram.Token == "" {
			return fmt.Errorf("--notify-telegram requires a telegram token in config or TELEGRAM_BOT_TOKEN")
		}
		tg, err := notify.NewTelegram(cfg.Telegram.Token, notifyChatID)
		if err != nil {
			return fmt.Errorf("telegram notifier: %w", err)
		}
		if err := tg.Deliver(snap); err != nil {
			return fmt.Errorf("deliver to telegram: %w", err)
		}
		slog.Info("result delivered to telegram", "chat_id", notifyChatID)
	}

	if snap.State == types.StateFailed {
		return fmt.Errorf("insight request failed")
	}
	return nil
}

// progressPrinter narrates session progress on stderr as the snapshots
// arrive. It tracks what it already printed so repeated updates stay quiet.
type progressPrinter struct {
	mu       sync.Mutex
	printed  int
	failed   int
	fellBack bool
}

func (p *progressPrinter) update(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, at := range snap.Attempts {
		if i >= p.printed {
			fmt.Fprintf(os.Stderr, "trying %s...\n", at.Model)
			p.printed = i + 1
		}
	}
	for i, at := range snap.Attempts {
		if at.Outcome == types.AttemptFailed && i >= p.failed {
			reason := at.Reason
			if reason == "" {
				reason = "error"
			}
			fmt.Fprintf(os.Stderr, "%s failed (%s)\n", at.Model, reason)
			p.failed = i + 1
		}
	}
	if snap.State == types.StateFallbackPending && !p.fellBack {
		fmt.Fprintln(os.Stderr, "stream is quiet, asking directly...")
		p.fellBack = true
	}
}
