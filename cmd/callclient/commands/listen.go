package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/webrtc-call/internal/call"
	"github.com/spf13/cobra"
)

var listenCmd = &cobra.Command{
	Use:   "listen <conversation-id>...",
	Short: "Wait for calls on conversations and answer them from the console",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runListen,
}

func init() {
	listenCmd.Flags().String("from", "", "only ring for offers from this user")
}

func runListen(cmd *cobra.Command, args []string) error {
	from, err := cmd.Flags().GetString("from")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newSession(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	// The first conversation is the focused one, the others only ring or
	// answer busy.
	if err := s.coord.Open(ctx, call.OpenRequest{ConversationID: args[0], RemoteUserID: from, Incoming: true}); err != nil {
		return err
	}
	for _, conv := range args[1:] {
		if err := s.coord.Watch(ctx, conv, from); err != nil {
			return err
		}
	}
	return console(ctx, s.coord, os.Stdin, cmd.OutOrStdout(), false)
}
