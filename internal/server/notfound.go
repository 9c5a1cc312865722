package server

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

// notFoundPage renders the page served for unknown URLs.
func notFoundPage(reqPath string, lookups []string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!doctype html><html><head><meta charset="utf-8"><title>404 Not Found</title>`+
			`<style>body{font-family:system-ui,sans-serif;margin:3rem}code{background:#f2f2f2;padding:0 .25rem}li{color:#a00}</style>`+
			`</head><body><h1>404 Not Found</h1><p><code>`); err != nil {
			return err
		}
		if _, err := io.WriteString(w, templ.EscapeString(reqPath)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `</code> is not served by this project.</p>`); err != nil {
			return err
		}
		if len(lookups) > 0 {
			if _, err := io.WriteString(w, "<p>Looked in:</p><ul>"); err != nil {
				return err
			}
			for _, loc := range lookups {
				if _, err := io.WriteString(w, "<li>"+templ.EscapeString(loc)+"</li>"); err != nil {
					return err
				}
			}
			if _, err := io.WriteString(w, "</ul>"); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "</body></html>")
		return err
	})
}
