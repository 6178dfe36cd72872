package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"chatd/pkg/models"
	"chatd/pkg/msglog"
	"chatd/pkg/utils"
)

// RegisterMessages registers the message-scoped endpoints.
func (d Deps) RegisterMessages(r *mux.Router) {
	r.HandleFunc("/messages", d.createMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}", d.getMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", d.editMessage).Methods(http.MethodPut)
	r.HandleFunc("/messages/{id}", d.deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/messages/{id}/versions", d.listVersions).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/reactions", d.addReaction).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/reactions/{emoji}", d.removeReaction).Methods(http.MethodDelete)
	r.HandleFunc("/messages/{id}/pin", d.togglePin).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/disappear", d.scheduleDisappear).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/delivered", d.markDelivered).Methods(http.MethodPost)
}

type sendRequest struct {
	ConversationID string               `json:"conversation_id,omitempty"`
	RecipientID    string               `json:"recipient_id,omitempty"`
	Body           string               `json:"body,omitempty"`
	Attachments    []models.Attachment  `json:"attachments,omitempty"`
	ReplyTo        string               `json:"reply_to,omitempty"`
	Mentions       []string             `json:"mentions,omitempty"`
	Previews       []models.LinkPreview `json:"previews,omitempty"`
	// MsgID and Attempts are set by clients retrying a failed send.
	MsgID    string `json:"msg_id,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// createMessage is the send path: resolve (or create) the target
// conversation, then append. Failed sends surface 503 with the message
// in failed status so the client keeps its retry affordance.
func (d Deps) createMessage(w http.ResponseWriter, r *http.Request) {
	sender := callerID(r)
	if sender == "" {
		utils.JSONError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	var req sendRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	convID := req.ConversationID
	if convID == "" {
		if req.RecipientID == "" {
			utils.JSONError(w, http.StatusBadRequest, "conversation_id or recipient_id required")
			return
		}
		c, err := d.Convo.GetOrCreateDirect(sender, req.RecipientID)
		if err != nil {
			writeErr(w, err)
			return
		}
		convID = c.ID
	}
	m, err := d.Log.Append(msglog.AppendInput{
		ConvID:      convID,
		SenderID:    sender,
		Body:        req.Body,
		Attachments: req.Attachments,
		ReplyTo:     req.ReplyTo,
		Mentions:    req.Mentions,
		Previews:    req.Previews,
		MsgID:       req.MsgID,
		Attempts:    req.Attempts,
	})
	if err != nil {
		if errors.Is(err, models.ErrTransientStore) && m != nil {
			_ = utils.JSONWrite(w, http.StatusServiceUnavailable, m)
			return
		}
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, m)
}

func (d Deps) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := d.Log.Get(mux.Vars(r)["id"], callerID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

func (d Deps) editMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	if err := d.Log.Edit(id, callerID(r), req.Body); err != nil {
		writeErr(w, err)
		return
	}
	m, err := d.Log.Get(id, callerID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

// deleteMessage tombstones by default; ?hard=true unsends, removing
// the log row entirely. Both are sender-only.
func (d Deps) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var err error
	if r.URL.Query().Get("hard") == "true" {
		err = d.Log.Unsend(id, callerID(r))
	} else {
		err = d.Log.Delete(id, callerID(r))
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (d Deps) listVersions(w http.ResponseWriter, r *http.Request) {
	vers, err := d.Log.Versions(mux.Vars(r)["id"], callerID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"versions": vers})
}

func (d Deps) addReaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := d.Log.AddReaction(mux.Vars(r)["id"], callerID(r), req.Emoji); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) removeReaction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := d.Log.RemoveReaction(vars["id"], callerID(r), vars["emoji"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) togglePin(w http.ResponseWriter, r *http.Request) {
	pinned, err := d.Log.TogglePin(mux.Vars(r)["id"], callerID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"pinned": pinned})
}

func (d Deps) scheduleDisappear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		After string `json:"after"`
	}
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	after, err := time.ParseDuration(req.After)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid duration")
		return
	}
	if err := d.Log.ScheduleDisappearance(mux.Vars(r)["id"], callerID(r), after); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) markDelivered(w http.ResponseWriter, r *http.Request) {
	if err := d.Sync.MarkDelivered(mux.Vars(r)["id"], callerID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
