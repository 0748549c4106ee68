package webassets

import "embed"

// FS holds the page shell and the browser session client.
//
//go:embed shell.html session-client.js
var FS embed.FS
