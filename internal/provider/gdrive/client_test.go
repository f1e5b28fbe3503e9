package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/remote"
)

type driveFixture struct {
	files map[string]map[string]any
	docs  map[string]string
}

func newDriveServer(t *testing.T, fx driveFixture) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	googleError := func(w http.ResponseWriter, status int, reason, message string) {
		writeJSON(w, status, map[string]any{"error": map[string]any{
			"code":    status,
			"message": message,
			"errors":  []map[string]string{{"reason": reason, "message": message}},
		}})
	}

	mux.HandleFunc("GET /docs/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		rev, ok := fx.docs[r.PathValue("id")]
		if !ok {
			googleError(w, http.StatusBadRequest, "failedPrecondition", "This operation is not supported for this document")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"documentId": r.PathValue("id"), "revisionId": rev})
	})
	mux.HandleFunc("GET /drive/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			googleError(w, http.StatusUnauthorized, "authError", "Invalid Credentials")
			return
		}
		f, ok := fx.files[r.PathValue("id")]
		if !ok {
			googleError(w, http.StatusNotFound, "notFound", "File not found")
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			io.WriteString(w, "binary:"+r.PathValue("id"))
			return
		}
		writeJSON(w, http.StatusOK, f)
	})
	mux.HandleFunc("GET /drive/files/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "big" {
			googleError(w, http.StatusForbidden, "exportSizeLimitExceeded", "This file is too large to be exported.")
			return
		}
		io.WriteString(w, "export:"+r.URL.Query().Get("mimeType"))
	})
	mux.HandleFunc("GET /drive/files", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if !strings.Contains(q, "modifiedTime > '2024-03-01T12:00:00Z'") {
			t.Errorf("unexpected query %q", q)
		}
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"files":         []map[string]any{fx.files["doc1"], fx.files["folder1"], fx.files["foreign"], fx.files["outside"]},
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": []map[string]any{fx.files["img1"]}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func defaultFixture() driveFixture {
	return driveFixture{
		files: map[string]map[string]any{
			"root": {"id": "root", "name": "Blog", "mimeType": FolderMimeType, "parents": []string{"mydrive"}},
			"folder1": {"id": "folder1", "name": "Posts", "mimeType": FolderMimeType, "parents": []string{"root"},
				"modifiedTime": "2024-03-01T12:10:00Z"},
			"doc1": {"id": "doc1", "name": "Hello", "mimeType": DocumentMimeType, "parents": []string{"folder1"},
				"modifiedTime": "2024-03-01T12:05:00Z", "version": "7"},
			"img1": {"id": "img1", "name": "a.png", "mimeType": "image/png", "parents": []string{"root"},
				"md5Checksum": "abc", "size": "3", "modifiedTime": "2024-03-01T12:01:00Z"},
			"trashed": {"id": "trashed", "name": "Old", "mimeType": "text/plain", "parents": []string{"root"}, "trashed": true},
			"outside": {"id": "outside", "name": "Elsewhere", "mimeType": "text/plain"},
			"foreign": {"id": "foreign", "name": "Their Post", "mimeType": DocumentMimeType, "parents": []string{"someone-elses-folder"},
				"modifiedTime": "2024-03-01T12:06:00Z"},
			"sheet":   {"id": "sheet", "name": "Numbers", "mimeType": "application/vnd.google-apps.spreadsheet", "parents": []string{"root"}},
		},
		docs: map[string]string{"doc1": "rev-7"},
	}
}

var acct = account.Account{ID: "blog1", Provider: account.ProviderGDrive, RootID: "root"}

func newTestClient(srv *httptest.Server) *Client {
	return New(Options{
		BaseURL:    srv.URL + "/drive",
		DocsURL:    srv.URL + "/docs",
		Token:      "tok",
		RetryDelay: time.Millisecond,
	})
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		mime string
		want remote.ResourceType
	}{
		{FolderMimeType, remote.TypeFolder},
		{DocumentMimeType, remote.TypeConvertible},
		{"application/vnd.google-apps.spreadsheet", remote.TypeNative},
		{"image/png", remote.TypeFile},
	}
	for _, tt := range tests {
		if got := TypeOf(tt.mime); got != tt.want {
			t.Errorf("TypeOf(%q) = %v, want %v", tt.mime, got, tt.want)
		}
	}
}

func TestClient_Revision(t *testing.T) {
	c := newTestClient(newDriveServer(t, defaultFixture()))
	ctx := context.Background()

	rev, err := c.Revision(ctx, acct, "doc1")
	if err != nil {
		t.Fatalf("Revision failed: %v", err)
	}
	if rev.Revision != "rev-7" {
		t.Errorf("document revision = %q, want rev-7", rev.Revision)
	}

	// Not a document: falls back to the file checksum
	rev, err = c.Revision(ctx, acct, "img1")
	if err != nil {
		t.Fatalf("Revision failed: %v", err)
	}
	if rev.Revision != "abc" || rev.ModifiedTime.IsZero() {
		t.Errorf("file revision = %+v", rev)
	}

	if _, err := c.Revision(ctx, acct, "missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Revision(ctx, acct, "trashed"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("expected ErrNotFound for trashed file, got %v", err)
	}
}

func TestClient_Metadata(t *testing.T) {
	c := newTestClient(newDriveServer(t, defaultFixture()))
	ctx := context.Background()

	change, err := c.Metadata(ctx, acct, "doc1")
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if change.Path != "/Posts/Hello.gdoc" {
		t.Errorf("path = %q, want /Posts/Hello.gdoc", change.Path)
	}
	if change.Type != remote.TypeConvertible || change.ContainerID != "folder1" || change.Revision != "v7" {
		t.Errorf("change = %+v", change)
	}

	sheet, err := c.Metadata(ctx, acct, "sheet")
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if sheet.Type != remote.TypeNative || sheet.Path != "/Numbers" {
		t.Errorf("sheet = %+v", sheet)
	}

	for _, id := range []string{"trashed", "outside", "foreign", "missing"} {
		if _, err := c.Metadata(ctx, acct, id); !errors.Is(err, remote.ErrNotFound) {
			t.Errorf("Metadata(%s): expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestLocalName(t *testing.T) {
	tests := []struct {
		name string
		mime string
		want string
	}{
		{"My Post", DocumentMimeType, "My Post.gdoc"},
		{"Draft.GDOC", DocumentMimeType, "Draft.GDOC"},
		{"photo.jpg", "image/jpeg", "photo.jpg"},
		{"Numbers", "application/vnd.google-apps.spreadsheet", "Numbers"},
	}

	for _, tt := range tests {
		if got := localName(file{Name: tt.name, MimeType: tt.mime}); got != tt.want {
			t.Errorf("localName(%q, %s) = %q, want %q", tt.name, tt.mime, got, tt.want)
		}
	}
}

func TestClient_Recent(t *testing.T) {
	c := newTestClient(newDriveServer(t, defaultFixture()))
	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	changes, err := c.Recent(context.Background(), acct, since)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	// Folders and resources outside the root are skipped, both pages are read
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2: %+v", len(changes), changes)
	}
	if changes[0].ResourceID != "doc1" || changes[1].ResourceID != "img1" {
		t.Errorf("changes = %+v", changes)
	}
	if changes[0].Path != "/Posts/Hello.gdoc" || changes[1].Path != "/a.png" {
		t.Errorf("paths = %q, %q", changes[0].Path, changes[1].Path)
	}
	if changes[1].Size != 3 || changes[1].Checksum != "abc" {
		t.Errorf("img change = %+v", changes[1])
	}
}

func TestClient_DownloadAndExport(t *testing.T) {
	c := newTestClient(newDriveServer(t, defaultFixture()))
	ctx := context.Background()

	content, err := c.Download(ctx, acct, remote.ChangeRecord{ResourceID: "img1"})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	data, _ := io.ReadAll(content.Body)
	content.Body.Close()
	if string(data) != "binary:img1" {
		t.Errorf("download body = %q", data)
	}

	content, err = c.Export(ctx, acct, remote.ChangeRecord{ResourceID: "doc1"}, "application/zip")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	data, _ = io.ReadAll(content.Body)
	content.Body.Close()
	if string(data) != "export:application/zip" {
		t.Errorf("export body = %q", data)
	}

	if _, err := c.Export(ctx, acct, remote.ChangeRecord{ResourceID: "big"}, "application/zip"); !errors.Is(err, remote.ErrExportTooLarge) {
		t.Errorf("expected ErrExportTooLarge, got %v", err)
	}
}

func TestClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"code":403,"message":"Rate Limit Exceeded","errors":[{"reason":"userRateLimitExceeded"}]}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Revision(context.Background(), acct, "doc1")
	if !c.Provider().RateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if hint := remote.RetryAfterHint(err); hint != 7*time.Second {
		t.Errorf("retry hint = %v, want 7s", hint)
	}
}
