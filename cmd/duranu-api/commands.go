package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/client"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/config"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one presence sweep and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := loadApplication()
			if err != nil {
				return err
			}
			defer cleanup()

			summary, err := app.sweeper.TrySweep(cmd.Context())
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(summary)
		},
	}
}

func newIssueSessionCommand() *cobra.Command {
	var (
		subject auth.SessionSubject
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-session",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = appConfig.SessionTTL
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "cookie %s expires %s\n", appConfig.SessionCookieName, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject.UserID, "user-id", "", "Stable user identifier")
	cmd.Flags().StringVar(&subject.DisplayName, "display-name", "", "Display name shown in rooms")
	cmd.Flags().StringVar(&subject.AvatarURL, "avatar-url", "", "Avatar URL")
	cmd.Flags().StringSliceVar(&subject.Roles, "role", nil, "Role to grant (admin, moderator); repeatable")
	cmd.Flags().BoolVar(&subject.Guest, "guest", false, "Mark the session as a guest")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to session.ttl)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

// logUI renders session effects as log lines.
type logUI struct {
	logger *zap.Logger
}

func (u logUI) ShowRemovalModal(notice client.RemovalNotice) {
	u.logger.Warn("removed from room",
		zap.String("status", string(notice.Status)),
		zap.String("title", notice.Title),
		zap.String("message", notice.Message))
}

func (u logUI) UpdateCountdown(remaining time.Duration) {
	u.logger.Info("returning to lounge", zap.Duration("remaining", remaining))
}

func (u logUI) NavigateToLounge(notice string) {
	u.logger.Info("navigated to lounge", zap.String("notice", notice))
}

func (u logUI) ShowKnock(knock knocks.Request, offset int) {
	u.logger.Info("knock received",
		zap.Int64("knock_id", knock.ID),
		zap.String("from", knock.DisplayName),
		zap.Int("offset", offset))
}

func (u logUI) DismissKnock(knockID int64) {
	u.logger.Info("knock dismissed", zap.Int64("knock_id", knockID))
}

func newProbeCommand() *cobra.Command {
	var (
		baseURL  string
		token    string
		roomID   int64
		isHost   bool
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Hold a room session open against a running API and log what a tab would see",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(viper.GetString("log.level"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			api, err := client.NewAPIClient(client.APIClientConfig{
				BaseURL:      baseURL,
				SessionToken: token,
				CookieName:   viper.GetString("session.cookie_name"),
			})
			if err != nil {
				return err
			}
			session, err := client.NewSession(client.SessionConfig{
				API:    api,
				UI:     logUI{logger: logger},
				RoomID: roomID,
				IsHost: isHost,
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			logger.Info("probe started", zap.String("tab_id", session.ID), zap.Int64("room_id", roomID))
			session.Start(ctx)
			select {
			case <-ctx.Done():
			case <-session.Status.Exited():
			}
			session.Stop()
			logger.Info("probe finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&token, "token", "", "Session token")
	cmd.Flags().Int64Var(&roomID, "room-id", 0, "Room to watch")
	cmd.Flags().BoolVar(&isHost, "host", false, "Also watch pending knocks")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("room-id")
	return cmd
}
