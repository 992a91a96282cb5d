// Package remote talks to the tree-structured remote store: a path-addressed
// JSON document (Firebase Realtime Database layout) that holds each user's
// history, settings mirror and backups.
//
// [HTTPStore] speaks the REST dialect over the network; [Memory] is an
// in-process tree with the same contract.
package remote

import (
	"errors"
	"strings"
)

// ErrOffline is returned by every call on a store that knows it cannot
// reach the backend.
var ErrOffline = errors.New("remote: offline")

// Paths builds the tree locations for one user.
type Paths struct {
	UserID string
}

func (p Paths) User() string     { return "users/" + p.UserID }
func (p Paths) History() string  { return p.User() + "/emotionHistory" }
func (p Paths) Settings() string { return p.User() + "/syncSettings" }
func (p Paths) Backups() string  { return "backups/" + p.UserID }

// Record is the location of one history entry.
func (p Paths) Record(id string) string { return p.History() + "/" + id }

// Backup is the location of one snapshot.
func (p Paths) Backup(id string) string { return p.Backups() + "/" + id }

// split turns "a/b/c" into its non-empty segments.
func split(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
