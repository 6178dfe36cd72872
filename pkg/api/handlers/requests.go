package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"chatd/pkg/utils"
)

// RegisterRequests registers the message-request inbox endpoints.
func (d Deps) RegisterRequests(r *mux.Router) {
	r.HandleFunc("/requests", d.listRequests).Methods(http.MethodGet)
	r.HandleFunc("/requests/{id}/ack", d.ackRequest).Methods(http.MethodPost)
}

func (d Deps) listRequests(w http.ResponseWriter, r *http.Request) {
	user := callerID(r)
	if user == "" {
		utils.JSONError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	reqs, err := d.Gate.ListForRecipient(user)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (d Deps) ackRequest(w http.ResponseWriter, r *http.Request) {
	if err := d.Gate.Acknowledge(mux.Vars(r)["id"], callerID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
