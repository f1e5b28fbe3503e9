package convert

import (
	"archive/zip"
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func buildZip(t *testing.T, files map[string]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create failed: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write failed: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close failed: %v", err)
	}
	return bytes.NewReader(buf.Bytes())
}

func TestAssetHash(t *testing.T) {
	// sha1("/Post.html")
	if got := AssetHash("/Post.html"); len(got) != 40 {
		t.Errorf("hash length = %d, want 40", len(got))
	}
	if AssetHash("/a") == AssetHash("/b") {
		t.Error("different paths share an asset dir")
	}
}

func TestConvert_RewritesImages(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
	}{
		{"flat", ""},
		{"nested", "Post/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			r := buildZip(t, map[string]string{
				tt.prefix + "Post.html":         `<html><body><p>Hi</p><img src="images/image1.png"><img src="./images/image2.jpg"><img src="https://example.com/x.png"></body></html>`,
				tt.prefix + "images/image1.png": "png-bytes",
				tt.prefix + "images/image2.jpg": "jpg-bytes",
			})

			b := &Bundle{Fs: fs, AssetRoot: "/static/blog1"}
			res, err := b.Convert(r, r.Size(), "/Post.html")
			if err != nil {
				t.Fatalf("Convert failed: %v", err)
			}

			hash := AssetHash("/Post.html")
			html := string(res.HTML)
			for _, want := range []string{
				`src="/_assets/` + hash + `/image1.png"`,
				`src="/_assets/` + hash + `/image2.jpg"`,
				`src="https://example.com/x.png"`,
			} {
				if !strings.Contains(html, want) {
					t.Errorf("html missing %s:\n%s", want, html)
				}
			}

			if len(res.Assets) != 2 {
				t.Fatalf("assets = %v, want 2", res.Assets)
			}
			data, err := afero.ReadFile(fs, filepath.Join("/static/blog1/_assets", hash, "image1.png"))
			if err != nil {
				t.Fatalf("asset not written: %v", err)
			}
			if string(data) != "png-bytes" {
				t.Errorf("asset content = %q", data)
			}
		})
	}
}

func TestConvert_NoHTML(t *testing.T) {
	r := buildZip(t, map[string]string{"images/a.png": "x"})
	b := &Bundle{Fs: afero.NewMemMapFs(), AssetRoot: "/static"}

	if _, err := b.Convert(r, r.Size(), "/doc.html"); !errors.Is(err, ErrNoDocument) {
		t.Errorf("expected ErrNoDocument, got %v", err)
	}
}

func TestConvert_NotAZip(t *testing.T) {
	r := bytes.NewReader([]byte("<html></html>"))
	b := &Bundle{Fs: afero.NewMemMapFs(), AssetRoot: "/static"}

	if _, err := b.Convert(r, r.Size(), "/doc.html"); err == nil {
		t.Error("expected error for non-zip input")
	}
}
