// Package daemon keeps a device replica in sync while it runs.
//
// The daemon:
//  1. Syncs on start and then on a fixed interval
//  2. Syncs promptly when the server says the account changed
//  3. Watches an inbox directory and imports dropped JSON/JSONL files
//  4. Handles graceful shutdown
//
// Sync requests are debounced, so a burst of pokes or inbox files results in
// one pull-then-push cycle.
//
// Example:
//
//	coord := replica.NewCoordinator(store, remote)
//	d, err := daemon.New(coord, store, remote, &daemon.Config{
//	    SyncInterval: 30 * time.Second,
//	    InboxDir:     filepath.Join(dataDir, "inbox"),
//	})
//	if err != nil {
//	    return err
//	}
//	return d.Run(ctx)
package daemon
