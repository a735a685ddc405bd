package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/utafrali/cartsync/internal/app"
	"github.com/utafrali/cartsync/internal/config"
	"github.com/utafrali/cartsync/internal/domain"
	"github.com/utafrali/cartsync/internal/storage"
	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/logger"
)

// sessionReport is the persisted state of one session.
type sessionReport struct {
	SessionID string                `json:"session_id"`
	Cart      cartReport            `json:"cart"`
	Wishlist  []domain.WishlistItem `json:"wishlist"`
}

type cartReport struct {
	Key    string                `json:"key"`
	Items  []domain.CartLineItem `json:"items"`
	Totals domain.Totals         `json:"totals"`
}

func newInspectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <session>",
		Short: "Print the persisted cart and wishlist of a session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			backend, err := app.OpenStorage(ctx, cfg, logger.New(cfg.ServiceName, "error"))
			if err != nil {
				return err
			}
			defer backend.Close()

			report, err := inspectSession(ctx, backend, cfg, args[0])
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
}

// inspectSession reads a session's snapshots. Missing keys read as empty
// collections; malformed ones are reported.
func inspectSession(ctx context.Context, st storage.Storage, cfg *config.Config, sessionID string) (sessionReport, error) {
	cartKey := cfg.CartKey + ":" + sessionID
	wishlistKey := cfg.WishlistKey + ":" + sessionID

	report := sessionReport{
		SessionID: sessionID,
		Cart:      cartReport{Key: cartKey, Items: []domain.CartLineItem{}},
		Wishlist:  []domain.WishlistItem{},
	}

	raw, err := readKey(ctx, st, cartKey)
	if err != nil {
		return report, err
	}
	if raw != nil {
		items, err := domain.DecodeCart(raw)
		if err != nil {
			return report, fmt.Errorf("decode %s: %w", cartKey, err)
		}
		report.Cart.Items = items
	}
	report.Cart.Totals = domain.TotalsOf(report.Cart.Items)

	raw, err = readKey(ctx, st, wishlistKey)
	if err != nil {
		return report, err
	}
	if raw != nil {
		items, err := domain.DecodeWishlist(raw)
		if err != nil {
			return report, fmt.Errorf("decode %s: %w", wishlistKey, err)
		}
		report.Wishlist = items
	}

	return report, nil
}

func readKey(ctx context.Context, st storage.Storage, key string) ([]byte, error) {
	raw, err := st.Get(ctx, key)
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return raw, nil
}

func writeReport(w io.Writer, report sessionReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
