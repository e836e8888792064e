package commands

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"snakkaz-e2ee/internal/cryptocore"
)

func mediaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Seal and open media attachments offline",
	}
	cmd.AddCommand(mediaEncryptCmd(), mediaDecryptCmd())
	return cmd
}

func mediaEncryptCmd() *cobra.Command {
	var (
		mediaType string
		out       string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "encrypt <file>",
		Short: "Encrypt a file into a media envelope (JSON, key included)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if mediaType == "" {
				mediaType = mime.TypeByExtension(filepath.Ext(args[0]))
			}
			if mediaType == "" {
				mediaType = "application/octet-stream"
			}
			meta := cryptocore.MediaMetadata{OriginalName: filepath.Base(args[0])}
			if ttl > 0 {
				meta.ExpiresAt = time.Now().Add(ttl).UTC()
			}
			m, err := cryptocore.EncryptMedia(data, mediaType, meta)
			if err != nil {
				return err
			}
			if out == "" {
				return printJSON(cmd.OutOrStdout(), m)
			}
			raw, err := json.Marshal(m)
			if err != nil {
				return err
			}
			return os.WriteFile(out, raw, 0o600)
		},
	}
	cmd.Flags().StringVarP(&mediaType, "type", "t", "", "media type (default: from the file extension)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the envelope here instead of stdout")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the attachment after this long")
	return cmd
}

func mediaDecryptCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "decrypt <envelope.json>",
		Short: "Decrypt a media envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var m cryptocore.EncryptedMedia
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode envelope: %w", err)
			}
			data, err := cryptocore.DecryptMedia(&m, time.Now())
			if err != nil {
				return err
			}
			if out == "" {
				out = m.Metadata.OriginalName
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o600)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, - for stdout (default: original name)")
	return cmd
}
