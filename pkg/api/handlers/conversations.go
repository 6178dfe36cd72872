package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"chatd/pkg/convo"
	"chatd/pkg/models"
	"chatd/pkg/utils"
)

// RegisterConversations registers the conversation-scoped endpoints.
func (d Deps) RegisterConversations(r *mux.Router) {
	r.HandleFunc("/conversations", d.createGroup).Methods(http.MethodPost)
	r.HandleFunc("/conversations", d.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", d.getConversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", d.streamMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/read", d.markRead).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/respond", d.respond).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/archive", d.flagHandler((*convo.Service).SetArchived)).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/mute", d.flagHandler((*convo.Service).SetMuted)).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/pin", d.flagHandler((*convo.Service).SetPinned)).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/disappearing", d.setDisappearing).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/leave", d.leave).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/typing", d.typingWS).Methods(http.MethodGet)
}

func (d Deps) createGroup(w http.ResponseWriter, r *http.Request) {
	creator := callerID(r)
	if creator == "" {
		utils.JSONError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	var req struct {
		Name    string   `json:"name"`
		Members []string `json:"member_ids"`
	}
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := d.Convo.CreateGroup(creator, req.Members, req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, c)
}

func (d Deps) listConversations(w http.ResponseWriter, r *http.Request) {
	user := callerID(r)
	if user == "" {
		utils.JSONError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	filter := convo.ListFilter(r.URL.Query().Get("filter"))
	if filter == "" {
		filter = convo.FilterActive
	}
	convs, err := d.Convo.List(user, filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (d Deps) getConversation(w http.ResponseWriter, r *http.Request) {
	c, err := d.Convo.Get(mux.Vars(r)["id"], callerID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, c)
}

func (d Deps) streamMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	msgs, cursor, err := d.Log.Stream(
		mux.Vars(r)["id"], callerID(r), r.URL.Query().Get("after"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"cursor":   cursor,
	})
}

func (d Deps) markRead(w http.ResponseWriter, r *http.Request) {
	if err := d.Sync.MarkRead(mux.Vars(r)["id"], callerID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) respond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
	}
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := d.Gate.Respond(mux.Vars(r)["id"], callerID(r), models.RequestDecision(req.Decision))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// flagHandler builds the archive/mute/pin endpoints from one shape:
// body {"value": bool}, per-caller flag flip.
func (d Deps) flagHandler(set func(*convo.Service, string, string, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Value bool `json:"value"`
		}
		if err := utils.DecodeJSON(w, r, &req); err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := set(d.Convo, mux.Vars(r)["id"], callerID(r), req.Value); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (d Deps) setDisappearing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		// Duration like "24h"; empty turns disappearing messages off.
		Duration string `json:"duration"`
	}
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var dur time.Duration
	if req.Duration != "" {
		var err error
		dur, err = time.ParseDuration(req.Duration)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid duration")
			return
		}
	}
	if err := d.Convo.SetDisappearing(mux.Vars(r)["id"], callerID(r), dur); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) leave(w http.ResponseWriter, r *http.Request) {
	if err := d.Convo.Leave(mux.Vars(r)["id"], callerID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// typingWS joins the caller to the conversation's typing channel after
// a participant check; everything past the upgrade is best-effort.
func (d Deps) typingWS(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	user := callerID(r)
	if _, err := d.Convo.Get(convID, user); err != nil {
		writeErr(w, err)
		return
	}
	d.Hub.ServeWS(w, r, convID, user)
}
