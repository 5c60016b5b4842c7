package handlers

import (
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
)

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, status, &apierror.Error{
		Type:      errorTypeFor(status),
		Message:   message,
		RequestID: reqID,
	})
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.WriteError(w, reqID, err)
}

func errorTypeFor(status int) core.ErrorType {
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed:
		return core.ErrInvalidRequest
	case http.StatusNotFound:
		return core.ErrNotFound
	case http.StatusServiceUnavailable:
		return core.ErrOverloaded
	default:
		return core.ErrAPI
	}
}
