// Package web embeds the HTML pages served by the confirmation endpoint.
package web

import (
	"embed"
	"html/template"
	"io"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// ConfirmPage is the data for the confirmation form.
type ConfirmPage struct {
	ConversationID string
	DisplayName    string
	Preview        string
	Token          string
}

// DonePage is the data for the page shown after a confirmation.
type DonePage struct {
	DisplayName string
}

// RenderConfirm writes the confirmation form.
func RenderConfirm(w io.Writer, data ConfirmPage) error {
	return pages.ExecuteTemplate(w, "confirm.html", data)
}

// RenderDone writes the success page.
func RenderDone(w io.Writer, data DonePage) error {
	return pages.ExecuteTemplate(w, "done.html", data)
}

// RenderInvalid writes the generic page for unknown conversations and bad tokens.
func RenderInvalid(w io.Writer) error {
	return pages.ExecuteTemplate(w, "invalid.html", nil)
}
