/******************************************************************************
 *
 *  Description :
 *
 *    Broadcast ingest: the store posts each committed mutation here together
 *    with the topic keys it is addressed to. Guarded by an API key; end
 *    users never talk to this endpoint.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"

	"github.com/emberchat/ember/server/logs"
	"github.com/emberchat/ember/wire"
)

type broadcastReq struct {
	// Topic keys in string form: "channel:<id>", "dm:<id>", "home:<uid>",
	// "room:<id>:presence".
	Topics []string    `json:"topics"`
	Event  *wire.Event `json:"event"`
}

type broadcastHandler struct {
	hub        *Hub
	apiKeySalt []byte
}

func (bh broadcastHandler) ServeHTTP(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		wrt.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if isValid, _ := checkAPIKey(getAPIKey(req), bh.apiKeySalt); !isValid {
		wrt.WriteHeader(http.StatusForbidden)
		logs.Err.Println("broadcast: missing or invalid API key")
		return
	}

	var breq broadcastReq
	if err := json.NewDecoder(req.Body).Decode(&breq); err != nil {
		http.Error(wrt, "malformed request", http.StatusBadRequest)
		return
	}
	if breq.Event == nil || breq.Event.Type == "" || len(breq.Topics) == 0 {
		http.Error(wrt, "missing event or topics", http.StatusBadRequest)
		return
	}

	topics := make([]wire.Topic, 0, len(breq.Topics))
	for _, s := range breq.Topics {
		topic, err := wire.ParseTopic(s)
		if err != nil {
			http.Error(wrt, err.Error(), http.StatusBadRequest)
			return
		}
		topics = append(topics, topic)
	}

	bh.hub.Broadcast(topics, breq.Event)
	wrt.WriteHeader(http.StatusNoContent)
}

func getAPIKey(req *http.Request) string {
	apikey := req.FormValue("apikey")
	if apikey == "" {
		apikey = req.Header.Get("X-Ember-APIKey")
	}
	return apikey
}
