package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"snakkaz-e2ee/internal/channel"
	"snakkaz-e2ee/internal/cryptocore"
)

type sessionView struct {
	ConversationID    string    `json:"conversationId"`
	Curve             string    `json:"curve"`
	Pending           bool      `json:"pending"`
	SendingCounter    uint32    `json:"sendingCounter"`
	ReceivingCounter  uint32    `json:"receivingCounter"`
	SendingChainStart uint32    `json:"sendingChainStart"`
	LocalFingerprint  string    `json:"localFingerprint"`
	RemoteFingerprint string    `json:"remoteFingerprint,omitempty"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and reset stored ratchet sessions",
	}
	cmd.AddCommand(sessionListCmd(), sessionShowCmd(), sessionClearCmd(), sessionIDCmd())
	return cmd
}

func sessionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations with stored sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openSessions(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()
			ids, err := env.sessions.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of conversations")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show counters and key fingerprints of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openSessions(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()
			st, err := env.engine.Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			v := sessionView{
				ConversationID:    st.ConversationID,
				Curve:             string(st.LocalKeyPair.Curve),
				Pending:           st.Pending(),
				SendingCounter:    st.SendingCounter,
				ReceivingCounter:  st.ReceivingCounter,
				SendingChainStart: st.SendingChainStart,
				LocalFingerprint:  cryptocore.Fingerprint(st.LocalKeyPair.PublicKey),
				LastUpdated:       st.LastUpdated,
			}
			if !st.Pending() {
				v.RemoteFingerprint = cryptocore.Fingerprint(st.RemotePublicKey)
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func sessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <conversation-id>",
		Short: "Delete a session; the next connect starts a fresh one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openSessions(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()
			if err := env.engine.ClearSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
			return nil
		},
	}
}

func sessionIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id <local-user> <peer-user>",
		Short: "Print the conversation ID the local user keeps for a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), channel.ConversationID(args[0], args[1]))
			return nil
		},
	}
}
