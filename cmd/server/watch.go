package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omniforge/collab/internal/binding"
	"github.com/omniforge/collab/internal/crdt"
	"github.com/omniforge/collab/internal/log"
	"github.com/omniforge/collab/internal/protocol"
)

var watchCmd = &cobra.Command{
	Use:   "watch <idea-id>",
	Short: "Join an idea room as a client and print its text as it changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}

		url, _ := cmd.Flags().GetString("url")
		user, _ := cmd.Flags().GetString("user")
		appendText, _ := cmd.Flags().GetString("append")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		return watch(url, protocol.IdeaRoom(args[0]), user, appendText, timeout)
	},
}

func init() {
	watchCmd.Flags().String("url", "ws://localhost:8080/ws", "relay WebSocket endpoint")
	watchCmd.Flags().String("user", "cli", "user id to join as")
	watchCmd.Flags().String("append", "", "text to append once synced")
	watchCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for the first sync")
}

func watch(url, roomID, userID, appendText string, timeout time.Duration) error {
	logger := log.WithComponent("watch")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := binding.Open(openCtx, binding.Options{
		URL:    url,
		RoomID: roomID,
		UserID: userID,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.WaitSynced(openCtx); err != nil {
		return fmt.Errorf("wait for sync: %w", err)
	}
	fmt.Println(session.Text())

	session.OnChange(func(c crdt.Change) {
		if c.Origin == crdt.OriginRemote {
			fmt.Printf("--- %s\n%s\n", time.Now().Format(time.TimeOnly), c.Text)
		}
	})
	session.OnState(func(st binding.State) {
		logger.Info().Stringer("state", st).Msg("connection state")
	})

	if appendText != "" {
		if err := session.Insert(session.Len(), appendText); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return nil
}
