package handler

import (
	"net/http"

	"github.com/chatrelay/session-relay/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
