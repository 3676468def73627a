package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/localizer/presence/internal/blob"
	"github.com/localizer/presence/internal/bootstrap"
	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/internal/profile"
	"github.com/localizer/presence/pkg/core"
)

// profileCommand runs one of the account maintenance commands against the
// configured store.
func profileCommand(rt *bootstrap.Runtime, cmd string, args []string) error {
	store, err := openStore(rt)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			rt.Logger.Warn("Failed to close storage", "error", err)
		}
	}()

	blobs, err := blob.New(config.GetBlobConfig())
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}
	svc := profile.New(store, blobs, defaultPosition(), rt.SlogManager.Component("profile"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return runProfile(ctx, svc, store, cmd, args, os.Stdout)
}

// users lists the collection for the list command.
type users interface {
	ReadAll(ctx context.Context) (core.Snapshot, error)
}

func runProfile(ctx context.Context, svc *profile.Service, store users, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "register":
		if len(args) != 3 {
			return fmt.Errorf("usage: register <id> <name> <phone>")
		}
		if err := svc.Register(ctx, args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Fprintf(out, "Registered %s.\n", args[0])
	case "update":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: update <id> <name> [phone]")
		}
		phone := ""
		if len(args) == 3 {
			phone = args[2]
		}
		if _, err := svc.Get(ctx, args[0]); err != nil {
			return err
		}
		if err := svc.Update(ctx, args[0], args[1], phone); err != nil {
			return err
		}
		fmt.Fprintf(out, "Updated %s.\n", args[0])
	case "avatar":
		if len(args) != 2 {
			return fmt.Errorf("usage: avatar <id> <image file>")
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		if err := svc.UploadAvatar(ctx, args[0], f); err != nil {
			return err
		}
		fmt.Fprintf(out, "Uploaded avatar of %s.\n", args[0])
	case "list":
		snap, err := store.ReadAll(ctx)
		if err != nil {
			return err
		}
		for _, id := range snap.IDs {
			rec := snap.Records[id]
			pos := "-"
			if p, ok := rec.Position.Valid(); ok {
				pos = fmt.Sprintf("%.6f,%.6f", p.Lat, p.Long)
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", id, rec.Name, rec.Phone, pos)
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
