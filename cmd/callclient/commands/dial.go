package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/webrtc-call/internal/call"
	"github.com/spf13/cobra"
)

var dialCmd = &cobra.Command{
	Use:   "dial <conversation-id> <remote-user-id>",
	Short: "Call a user and stay until the call ends",
	Args:  cobra.ExactArgs(2),
	RunE:  runDial,
}

func init() {
	dialCmd.Flags().Bool("video", false, "place a video call instead of an audio call")
}

func runDial(cmd *cobra.Command, args []string) error {
	video, err := cmd.Flags().GetBool("video")
	if err != nil {
		return err
	}
	mode := call.ModeAudio
	if video {
		mode = call.ModeVideo
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newSession(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.coord.Open(ctx, call.OpenRequest{
		ConversationID: args[0],
		RemoteUserID:   args[1],
		Mode:           mode,
	}); err != nil {
		return err
	}
	return console(ctx, s.coord, os.Stdin, cmd.OutOrStdout(), true)
}
