package worker

import (
	"context"

	"swcache/internal/filter"
)

// Options is fixed at construction; only tracing can change afterwards,
// through TRACE_ON and TRACE_OFF messages.
type Options struct {
	CacheName string
	// Scope is the base URL relative manifest and asset URLs resolve against.
	Scope           string
	Filters         []filter.Rule
	PreCacheURL     string
	PrecachedAssets []string
	Preload         bool
	Trace           bool
	Notification    Notification
}

type NotificationAction struct {
	Action string `yaml:"action" json:"action"`
	Title  string `yaml:"title" json:"title"`
}

type Notification struct {
	Title   string               `yaml:"title" json:"title"`
	Body    string               `yaml:"body" json:"body,omitempty"`
	Icon    string               `yaml:"icon" json:"icon,omitempty"`
	Tag     string               `yaml:"tag" json:"tag,omitempty"`
	Actions []NotificationAction `yaml:"actions" json:"actions,omitempty"`
	Data    any                  `yaml:"data" json:"data,omitempty"`
}

// DefaultNotification is shown for NOTIFICATION_WAITING when no template is
// configured.
var DefaultNotification = Notification{
	Title: "Update available",
	Body:  "A new version is ready. Refresh to update.",
	Tag:   "update-available",
	Actions: []NotificationAction{
		{Action: ActionRefresh, Title: "Refresh"},
		{Action: "dismiss", Title: "Dismiss"},
	},
}

const ActionRefresh = "refresh"

// Host is what the worker needs from the process hosting it.
type Host interface {
	// SkipWaiting activates a waiting worker without waiting for clients to
	// close.
	SkipWaiting(ctx context.Context) error
	ClaimClients(ctx context.Context) error
	EnableNavigationPreload(ctx context.Context) error
	ShowNotification(ctx context.Context, n Notification) error
}
