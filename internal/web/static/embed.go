// Package static embeds the operator dashboard.
package static

import (
	"embed"
	"io/fs"
)

//go:embed dist
var distFS embed.FS

// FS returns the dashboard files rooted at dist.
func FS() fs.FS {
	fsys, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic(err)
	}
	return fsys
}
