package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
)

var chatsLimit int

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List the chats opened with this profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _, err := loadProfile()
		if err != nil {
			return err
		}
		db, err := store.Open(profile.DBPath(name))
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if _, err := db.Migrate(); err != nil {
			return err
		}

		chats, err := db.ListChats(cmd.Context(), chatsLimit, 0)
		if err != nil {
			return err
		}
		return printChats(cmd.OutOrStdout(), chats, time.Now())
	},
}

func init() {
	chatsCmd.Flags().IntVar(&chatsLimit, "limit", 20, "maximum number of chats to list")
}

func printChats(w io.Writer, chats []store.Chat, now time.Time) error {
	if len(chats) == 0 {
		_, err := fmt.Fprintln(w, "No chats yet. Open one with --chat <id>.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAT\tMESSAGES\tPENDING\tLAST ACTIVITY\tLAST MESSAGE")
	for _, c := range chats {
		activity := c.LastMessageAt
		if activity == 0 {
			activity = c.OpenedAt
		}
		last := "never"
		if activity != 0 {
			last = humanize.RelTime(time.UnixMilli(activity), now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n",
			c.ID, humanize.Comma(int64(c.MessageCount)), c.PendingCount, last, c.LastMessagePreview)
	}
	return tw.Flush()
}
