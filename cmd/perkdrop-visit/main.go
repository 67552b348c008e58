// Command perkdrop-visit draws and claims a nearby offer from the terminal.
//
//	perkdrop-visit -zip 94105
//	perkdrop-visit -zip 94105 -contact alice@example.com
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/dukerupert/perkdrop/internal/apperr"
	"github.com/dukerupert/perkdrop/internal/cooldown"
	"github.com/dukerupert/perkdrop/internal/geoip"
	"github.com/dukerupert/perkdrop/internal/logging"
	"github.com/dukerupert/perkdrop/internal/visitor"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("perkdrop-visit", flag.ContinueOnError)
	zip := fs.String("zip", "", "zip code to find offers near (required)")
	contact := fs.String("contact", "", "email or phone to claim the offer with; omit to just look")
	apiURL := fs.String("api", envOr("PERKDROP_API_URL", "http://localhost:8080"), "perkdrop service URL")
	geoURL := fs.String("geoip", envOr("PERKDROP_GEOIP_URL", geoip.DefaultURL), "public IP lookup URL")
	statePath := fs.String("state", os.Getenv("PERKDROP_STATE_FILE"), "cooldown state file")
	logLevel := fs.String("log-level", envOr("PERKDROP_LOG_LEVEL", "warn"), "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *zip == "" {
		fs.Usage()
		return errors.New("-zip is required")
	}

	logger := logging.Setup(*logLevel, os.Getenv("PERKDROP_LOG_FORMAT"))

	if *statePath == "" {
		p, err := cooldown.DefaultStatePath()
		if err != nil {
			return err
		}
		*statePath = p
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	guard := cooldown.NewGuard(geoip.NewResolver(*geoURL), cooldown.NewFileStore(*statePath), logger)
	flow := visitor.NewFlow(visitor.NewClient(*apiURL), guard, logger)

	outcome, err := flow.Run(ctx, *zip, *contact)
	if errors.Is(err, apperr.ErrCoolingDown) {
		wait := apperr.RetryAfterOf(err).Round(time.Second)
		fmt.Fprintf(out, "%s (about %s left)\n", apperr.Message(apperr.KindCoolingDown), wait)
		return nil
	}
	if err != nil {
		if kind := apperr.KindOf(err); kind != "" {
			return errors.New(apperr.Message(kind))
		}
		return err
	}

	if outcome.Offer == nil {
		fmt.Fprintln(out, outcome.Message)
		return nil
	}

	c := outcome.Offer.Content
	fmt.Fprintln(out, c.Title)
	if c.Subtitle != "" {
		fmt.Fprintln(out, c.Subtitle)
	}
	fmt.Fprintf(out, "Where: %s\n", outcome.Offer.LocationText)
	if c.MapURL != "" {
		fmt.Fprintf(out, "Map: %s\n", c.MapURL)
	}
	if outcome.Claimed() {
		fmt.Fprintf(out, "Claim code: %s\n", outcome.ClaimID)
	} else {
		fmt.Fprintf(out, "Claim it with: perkdrop-visit -zip %s -contact <email>\n", *zip)
	}
	return nil
}
