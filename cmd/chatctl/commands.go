package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"socialchat/internal/auth"
	"socialchat/internal/client"
	"socialchat/internal/config"
	"socialchat/internal/logger"
	"socialchat/internal/model"
)

// =============================================================================
// token
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		userID string
		name   string
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token",
		Long: `Mint an HS256 token in the login service's format (userId, name, exp).

The secret defaults to JWT_SECRET and falls back to the development secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = "dev-" + uuid.NewString()[:8]
			}
			tok, err := auth.NewIssuer(secret, ttl).Issue(model.Identity{ID: userID, DisplayName: name})
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id (random when empty)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&secret, "secret", envOr("JWT_SECRET", config.DevSecret), "Signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	return cmd
}

// =============================================================================
// chat
// =============================================================================

func buildChatCmd() *cobra.Command {
	var (
		token     string
		transport string
		deployEnv string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join the chat and send stdin lines as messages",
		Long: `Connect with the client connection manager and print every message.

Each line read from stdin is sent as a chat message. The transport is chosen
from --deploy-env (serverless hosts poll) unless --transport is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr := client.SelectTransport(deployEnv)
			if transport != "" {
				tr = client.Transport(transport)
			}
			return runChat(cmd, token, tr)
		},
	}
	cmd.Flags().StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "Bearer token (or set CHAT_TOKEN)")
	cmd.Flags().StringVar(&transport, "transport", "", "Force websocket or polling")
	cmd.Flags().StringVar(&deployEnv, "deploy-env", os.Getenv("DEPLOY_ENV"), "Deployment environment used to pick the transport")
	return cmd
}

func runChat(cmd *cobra.Command, token string, tr client.Transport) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New("development", logLevel)
	defer log.Sync()

	m, err := client.New(client.Options{
		BaseURL:   serverURL,
		Token:     token,
		Transport: tr,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	m.Subscribe(func(ev client.Event) {
		switch ev.Kind {
		case client.EventState:
			fmt.Fprintf(out, "· %s\n", ev.State)
		case client.EventMessage:
			if ev.Inserted {
				fmt.Fprintf(out, "[%s] %s: %s (%s)\n", ev.Message.Timestamp, ev.Message.SenderName, ev.Message.Content, ev.Message.Status)
			}
		case client.EventPresence:
			fmt.Fprintf(out, "· %s %s\n", ev.Envelope.Type, ev.Envelope.Data)
		case client.EventServerError:
			fmt.Fprintf(out, "⚠️  %v\n", ev.Err)
		}
	})

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.Done():
			return m.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := m.SendChatMessage(ctx, line); err != nil {
				if errors.Is(err, client.ErrNotConnected) {
					fmt.Fprintln(out, "⚠️  not connected, message not sent")
					continue
				}
				log.Warn("send failed", zap.Error(err))
			}
		}
	}
}

// =============================================================================
// poll
// =============================================================================

func buildPollCmd() *cobra.Command {
	var (
		token  string
		cursor string
	)
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Fetch buffered messages once over the polling channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			msgs, next, err := client.Poll(ctx, nil, serverURL, token, cursor)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, msg := range msgs {
				fmt.Fprintf(out, "%s [%s] %s: %s\n", msg.ID, msg.Timestamp, msg.SenderName, msg.Content)
			}
			fmt.Fprintf(out, "%d message(s), cursor=%s\n", len(msgs), next)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "Bearer token (or set CHAT_TOKEN)")
	cmd.Flags().StringVar(&cursor, "since", "", "Only messages after this id")
	return cmd
}
