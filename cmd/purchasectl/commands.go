package main

import (
	"context"
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dejobratic/purchasesync/internal/cache"
	"github.com/dejobratic/purchasesync/internal/httpclient"
	"github.com/urfave/cli"
)

func runWhoAmI(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	ctx := context.Background()

	appUserID, err := m.cache.CachedAppUserID(ctx)
	if err != nil {
		return err
	}
	if appUserID == "" {
		fmt.Fprintln(m.w, "no app user id persisted")
		return nil
	}
	fmt.Fprintf(m.w, "app user id: %s\n", appUserID)

	state, err := m.cache.CachedSubscriberState(ctx, appUserID)
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Fprintln(m.w, "subscriber state: not cached")
		return nil
	}

	stale, err := m.cache.IsSubscriberStateStale(ctx, appUserID, cache.ForegroundStalenessWindow)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.w, "request date: %s\n", state.RequestDate.Format(time.RFC3339))
	fmt.Fprintf(m.w, "stale: %t\n", stale)

	entitlements := make([]string, 0, len(state.Subscriber.Entitlements))
	for id := range state.Subscriber.Entitlements {
		entitlements = append(entitlements, id)
	}
	slices.Sort(entitlements)
	fmt.Fprintf(m.w, "entitlements: %v\n", entitlements)
	return nil
}

func runAttributes(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	ctx := context.Background()

	owner := c.Args().First()
	if owner == "" {
		var err error
		if owner, err = m.cache.CachedAppUserID(ctx); err != nil {
			return err
		}
		if owner == "" {
			return fmt.Errorf("no owner given and no app user id persisted")
		}
	}

	attributes, err := m.cache.Attributes(ctx, owner)
	if c.Bool("unsynced") {
		attributes, err = m.cache.UnsyncedAttributes(ctx, owner)
	}
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	tw := tabwriter.NewWriter(m.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE\tSYNCED\tSET AT")
	for _, key := range keys {
		attr := attributes[key]
		fmt.Fprintf(tw, "%s\t%q\t%t\t%s\n", key, attr.Value, attr.IsSynced, attr.SetAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runPosted(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	ids, err := m.cache.PostedTransactions(context.Background())
	if err != nil {
		return err
	}
	slices.Sort(ids)
	for _, id := range ids {
		fmt.Fprintln(m.w, id)
	}
	if m.verbose {
		fmt.Fprintf(m.e, "%d posted transactions\n", len(ids))
	}
	return nil
}

func runClearValidators(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	etags := httpclient.NewETagManager(m.handle.Store, m.logger)
	if err := etags.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(m.w, "validators cleared")
	return nil
}

func runClearSubscriber(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	owner := c.Args().First()
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	if err := m.cache.ClearSubscriberState(context.Background(), owner); err != nil {
		return err
	}
	fmt.Fprintf(m.w, "subscriber state cleared for %s\n", owner)
	return nil
}
