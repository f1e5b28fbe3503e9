package sync

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vonshlovens/remotesync/internal/remote"
	"github.com/vonshlovens/remotesync/internal/store"
)

// BuildTrigger is told which local paths a pass changed
type BuildTrigger interface {
	OnSyncComplete(ctx context.Context, accountID string, paths []string) error
}

// FolderState receives user-visible status and path mappings
type FolderState interface {
	ReportStatus(ctx context.Context, accountID, msg string)
	RecordPathMapping(ctx context.Context, accountID, resourceID, path string) error
}

// Progress follows the apply phase of a pass
type Progress interface {
	Start(accountID string, total int)
	Advance(n int)
	Finish()
}

// LogBuildTrigger only logs completed passes
type LogBuildTrigger struct{}

func (LogBuildTrigger) OnSyncComplete(_ context.Context, accountID string, paths []string) error {
	slog.Info("sync complete, rebuild requested", "account", accountID, "paths", len(paths))
	return nil
}

// HTTPBuildTrigger posts changed paths to a build hook
type HTTPBuildTrigger struct {
	client *remote.Client
	url    string
}

// NewHTTPBuildTrigger creates a trigger posting to url
func NewHTTPBuildTrigger(url string, timeout time.Duration) *HTTPBuildTrigger {
	return &HTTPBuildTrigger{
		client: remote.NewClient(remote.ClientOptions{Timeout: timeout, MaxRetries: 2, RetryDelay: time.Second}),
		url:    url,
	}
}

func (t *HTTPBuildTrigger) OnSyncComplete(ctx context.Context, accountID string, paths []string) error {
	if paths == nil {
		paths = []string{}
	}
	return t.client.DoJSON(ctx, remote.Request{
		Method: http.MethodPost,
		URL:    t.url,
		Body: map[string]any{
			"account": accountID,
			"paths":   paths,
		},
	}, nil)
}

// StoreFolderState logs status lines and persists mappings in the state store
type StoreFolderState struct {
	Store  store.PathStore
	Logger *slog.Logger
}

func (f StoreFolderState) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f StoreFolderState) ReportStatus(_ context.Context, accountID, msg string) {
	f.logger().Info(msg, "account", accountID)
}

func (f StoreFolderState) RecordPathMapping(ctx context.Context, accountID, resourceID, path string) error {
	return f.Store.SetPath(ctx, accountID, resourceID, path)
}

type noProgress struct{}

func (noProgress) Start(string, int) {}
func (noProgress) Advance(int)       {}
func (noProgress) Finish()           {}
