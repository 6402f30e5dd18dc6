package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/room"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/snapshot"
)

// withStore runs fn against the configured snapshot store. Admin
// commands act on durable state only: a running server keeps whatever
// it holds in memory.
func withStore(cmd *cobra.Command, opts *rootOptions, roomKey string, fn func(context.Context, snapshot.Store) error) error {
	if _, err := room.ParseKey(roomKey); err != nil {
		return err
	}
	store, err := openStore(opts.cfg, opts.logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.cfg.Compaction.PersistTimeout)
	defer cancel()
	return fn(ctx, store)
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <room-key>",
		Short: "Show what the snapshot store holds for a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, args[0], func(ctx context.Context, store snapshot.Store) error {
				stats, err := store.Stats(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					RoomKey string `json:"room_key"`
					snapshot.Stats
				}{args[0], stats})
			})
		},
	}
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <room-key>",
		Short: "Delete a room's stored snapshot",
		Long: `Delete a room's stored snapshot.

A running server may still hold the room in memory and write it back on
its next compaction. Use DELETE /api/rooms/{key} on the server instead
when it is live.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, args[0], func(ctx context.Context, store snapshot.Store) error {
				if err := store.DeleteSnapshots(ctx, args[0]); err != nil {
					return err
				}
				opts.logger.Info("room purged", "room", args[0])
				return nil
			})
		},
	}
}
