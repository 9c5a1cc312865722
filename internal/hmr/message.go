package hmr

import (
	"encoding/json"

	"github.com/conneroisu/snowdrift/internal/errors"
)

// Message types of the ESM-HMR wire protocol.
const (
	TypeReload = "reload"
	TypeUpdate = "update"
	TypeError  = "error"
)

// Message is one server to browser notification.
type Message struct {
	Type    string
	URL     string
	Bubbled bool
	Error   errors.Payload
}

// Reload returns a full page reload message.
func Reload() Message {
	return Message{Type: TypeReload}
}

// Update returns a hot update message for url.
func Update(url string, bubbled bool) Message {
	return Message{Type: TypeUpdate, URL: url, Bubbled: bubbled}
}

// ErrorMessage returns the overlay message for a failed build of fileLoc.
func ErrorMessage(err error, fileLoc string) Message {
	return Message{Type: TypeError, Error: errors.HMRPayload(err, fileLoc)}
}

// MarshalJSON writes only the fields the message type defines.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeUpdate:
		return json.Marshal(struct {
			Type    string `json:"type"`
			URL     string `json:"url"`
			Bubbled bool   `json:"bubbled"`
		}{m.Type, m.URL, m.Bubbled})
	case TypeError:
		return json.Marshal(struct {
			Type            string `json:"type"`
			Title           string `json:"title"`
			ErrorMessage    string `json:"errorMessage"`
			FileLoc         string `json:"fileLoc,omitempty"`
			ErrorStackTrace string `json:"errorStackTrace,omitempty"`
		}{m.Type, m.Error.Title, m.Error.ErrorMessage, m.Error.FileLoc, m.Error.ErrorStackTrace})
	}
	return json.Marshal(struct {
		Type string `json:"type"`
	}{m.Type})
}

// clientMessage is sent by the browser runtime.
type clientMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

const clientHotAccept = "hotAccept"
