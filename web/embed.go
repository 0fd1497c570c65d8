// Package web carries the browser client served by the gateway.
package web

import (
	"embed"
	"io/fs"
)

//go:embed static
var staticFiles embed.FS

// Static returns a filesystem rooted at the bundled browser assets.
func Static() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}
