package views

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

// MaintenanceNotice is the static page shown to blocked browsers while the
// site is in maintenance mode. message is escaped.
func MaintenanceNotice(siteName, message string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if siteName == "" {
			siteName = "This site"
		}
		_, err := io.WriteString(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>`+templ.EscapeString(siteName)+` - Maintenance</title>
<style>
body{font-family:system-ui,sans-serif;background:#f5f5f4;color:#1c1917;display:flex;min-height:100vh;align-items:center;justify-content:center;margin:0}
main{max-width:32rem;padding:2rem;border:1px solid #1c1917;background:#fff}
h1{font-size:1.25rem;margin:0 0 1rem}
</style>
</head>
<body>
<main>
<h1>`+templ.EscapeString(siteName)+` is down for maintenance</h1>
<p>`+templ.EscapeString(message)+`</p>
</main>
</body>
</html>
`)
		return err
	})
}
