package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/polravi/mapmyactivities/internal/client"
	"github.com/polravi/mapmyactivities/internal/replica"
	"github.com/polravi/mapmyactivities/internal/schema"
)

// device bundles the local replica and, when configured, the sync client.
type device struct {
	store  *replica.Store
	client *client.Client
	coord  *replica.Coordinator
}

func (d *device) Close() {
	if d.store != nil {
		_ = d.store.Close()
	}
}

// openDevice opens the local replica. With needRemote the server URL and
// token must be configured.
func openDevice(needRemote bool) (*device, error) {
	rcfg := replica.DefaultConfig(filepath.Clean(cfg.Client.ReplicaDir))
	rcfg.Logger = logger
	store, err := replica.Open(rcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica at %s: %w", cfg.Client.ReplicaDir, err)
	}
	d := &device{store: store}

	if cfg.Client.Token == "" {
		if needRemote {
			d.Close()
			return nil, errors.New("client.token is not set (use --token or MMA_CLIENT_TOKEN)")
		}
		return d, nil
	}
	c, err := client.New(cfg.Client.ServerURL, cfg.Client.Token)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.client = c
	d.coord = replica.NewCoordinator(store, c, replica.WithLogger(logger))
	return d, nil
}

// resolveTask finds a live task by id or unique id prefix.
func (d *device) resolveTask(ref string) (*schema.Task, error) {
	if t, err := d.store.Task(ref); err == nil {
		return t, nil
	} else if !errors.Is(err, replica.ErrNotFound) {
		return nil, err
	}
	tasks, err := d.store.ListTasks(replica.TaskFilter{})
	if err != nil {
		return nil, err
	}
	var match *schema.Task
	for _, t := range tasks {
		if !strings.HasPrefix(t.ID, ref) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("ambiguous task id %q", ref)
		}
		match = t
	}
	if match == nil {
		return nil, fmt.Errorf("no task matching %q", ref)
	}
	return match, nil
}

// resolveGoal finds a live goal by id or unique id prefix.
func (d *device) resolveGoal(ref string) (*schema.Goal, error) {
	goals, err := d.store.ListGoals()
	if err != nil {
		return nil, err
	}
	var match *schema.Goal
	for _, g := range goals {
		if g.ID == ref {
			return g, nil
		}
		if !strings.HasPrefix(g.ID, ref) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("ambiguous goal id %q", ref)
		}
		match = g
	}
	if match == nil {
		return nil, fmt.Errorf("no goal matching %q", ref)
	}
	return match, nil
}
