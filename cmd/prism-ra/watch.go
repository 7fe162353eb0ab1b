package main

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dump.json>",
		Short: "Re-run allocation whenever the dump changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(args[0])
		},
	}
}

func runWatch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer w.Close()
	if err := w.Add(path); err != nil {
		return errors.Wrapf(err, "watching %s", path)
	}

	// Pressure failures are expected while iterating on a dump; keep
	// watching either way.
	rerun := func() {
		if err := runAlloc(path); err != nil {
			fmt.Fprintln(os.Stderr, "prism-ra:", err)
		}
	}
	rerun()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				fmt.Fprintf(os.Stderr, "-- %s changed --\n", ev.Name)
				rerun()
			}
			// Some editors replace the file on save; re-arm the watch.
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				_ = w.Add(path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintln(os.Stderr, "prism-ra: watch:", err)
		}
	}
}
