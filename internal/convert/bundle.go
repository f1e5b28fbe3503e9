// Package convert turns zipped document exports into a single HTML file
// with its images stored as site assets.
package convert

import (
	"archive/zip"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"
)

// ErrNoDocument is returned when a bundle contains no HTML file
var ErrNoDocument = errors.New("no HTML file found in export bundle")

// AssetDir is the directory under the asset root holding extracted images
const AssetDir = "_assets"

// AssetHash names the asset directory of a document by its path
func AssetHash(docPath string) string {
	sum := sha1.Sum([]byte(docPath))
	return hex.EncodeToString(sum[:])
}

// Bundle extracts zipped HTML exports
type Bundle struct {
	Fs afero.Fs
	// AssetRoot is the directory receiving _assets/<hash>/ folders
	AssetRoot string
}

// Result is a converted document
type Result struct {
	HTML []byte
	// Assets lists the written asset files
	Assets []string
}

// Convert reads a zip export of docPath, copies its images into the asset
// directory and rewrites image references to point there.
func (b *Bundle) Convert(r io.ReaderAt, size int64, docPath string) (*Result, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open export bundle: %w", err)
	}

	prefix := commonDir(zr.File)

	var (
		htmlFile *zip.File
		images   []*zip.File
	)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.TrimPrefix(f.Name, prefix)
		switch {
		case htmlFile == nil && !strings.Contains(name, "/") && strings.HasSuffix(strings.ToLower(name), ".html"):
			htmlFile = f
		case strings.HasPrefix(name, "images/"):
			images = append(images, f)
		}
	}
	if htmlFile == nil {
		return nil, ErrNoDocument
	}

	hash := AssetHash(docPath)
	assetDir := filepath.Join(b.AssetRoot, AssetDir, hash)
	if err := b.Fs.MkdirAll(assetDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset dir: %w", err)
	}

	res := &Result{}
	for _, f := range images {
		name := path.Base(f.Name)
		if name == "." || name == ".." || name == "/" {
			continue
		}
		dest := filepath.Join(assetDir, name)
		if err := b.extract(f, dest); err != nil {
			return nil, err
		}
		res.Assets = append(res.Assets, dest)
	}

	rc, err := htmlFile.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", htmlFile.Name, err)
	}
	defer rc.Close()

	doc, err := goquery.NewDocumentFromReader(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse exported html: %w", err)
	}
	RewriteImages(doc, hash)

	html, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to render html: %w", err)
	}
	res.HTML = []byte(strings.TrimSpace(html))
	return res, nil
}

// RewriteImages points images/<name> references at /_assets/<hash>/<name>
func RewriteImages(doc *goquery.Document, hash string) int {
	n := 0
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			return
		}
		src = strings.TrimSpace(strings.TrimPrefix(src, "./"))
		if !strings.HasPrefix(src, "images/") {
			return
		}
		s.SetAttr("src", "/"+AssetDir+"/"+hash+"/"+strings.TrimPrefix(src, "images/"))
		n++
	})
	return n
}

func (b *Bundle) extract(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := b.Fs.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to write asset: %w", err)
	}
	return out.Close()
}

// commonDir returns "dir/" when every entry sits under one top-level
// directory
func commonDir(files []*zip.File) string {
	dir := ""
	for _, f := range files {
		i := strings.Index(f.Name, "/")
		if i < 0 {
			return ""
		}
		top := f.Name[:i+1]
		if dir == "" {
			dir = top
		} else if dir != top {
			return ""
		}
	}
	return dir
}
