package main

import (
	"net/http"
	"sort"

	"testmakon/realtime/internal/httpapi"
)

// MessageDoc describes one inbound message type accepted on the websocket routes.
type MessageDoc struct {
	Type        string `json:"type"`
	AdminOnly   bool   `json:"admin_only,omitempty"`
	ExamOnly    bool   `json:"exam_only,omitempty"`
	Fields      string `json:"fields,omitempty"`
	Description string `json:"description"`
}

var defaultMessageDocs = []MessageDoc{
	{
		Type:        "ping",
		Description: "Refresh the heartbeat; answered with pong.",
	},
	{
		Type:        msgExamControl,
		AdminOnly:   true,
		Fields:      "action, slug?, minutes?, message?",
		Description: "Drive the exam lifecycle: start, pause, resume, stop, extend, announce or leaderboard.",
	},
	{
		Type:        msgLeaderboard,
		Fields:      "slug?",
		Description: "Request the live top-20 snapshot; hidden from participants unless the exam shows it.",
	},
	{
		Type:        msgViolationReport,
		ExamOnly:    true,
		Fields:      "kind",
		Description: "Record an anti-cheat violation; the third one disqualifies the participant.",
	},
	{
		Type:        msgBattleAnswer,
		Fields:      "battle_uuid, question_id, answer_id, time_ms",
		Description: "Answer the current battle question; acknowledged with battle_answer_ack.",
	},
	{
		Type:        msgBattleInvite,
		Fields:      "opponent_id, subject?, question_count?",
		Description: "Challenge a friend; the challenger receives battle_invite_sent.",
	},
	{
		Type:        msgBattleAccept,
		Fields:      "battle_uuid | invite_code",
		Description: "Accept an invitation; both players receive battle_ready.",
	},
	{
		Type:        msgBattleReject,
		Fields:      "battle_uuid | invite_code",
		Description: "Decline an invitation.",
	},
	{
		Type:        msgBattleCancel,
		Fields:      "battle_uuid | invite_code",
		Description: "Withdraw a pending invitation.",
	},
	{
		Type:        msgBattleBot,
		Fields:      "difficulty?, subject?, question_count?",
		Description: "Start a battle against a simulated opponent.",
	},
	{
		Type:        msgMatchmakingJoin,
		Fields:      "subject?, question_count?",
		Description: "Enter the random matchmaking queue.",
	},
	{
		Type:        msgMatchmakingCancel,
		Description: "Leave the matchmaking queue.",
	},
	{
		Type:        msgMatchmakingStatus,
		Description: "Report the queue state: none, waiting, matched or expired.",
	},
}

// messageDocs returns the documented types that are actually routed, sorted by type.
func messageDocs(routed []string) []MessageDoc {
	live := map[string]bool{"ping": true}
	for _, typ := range routed {
		live[typ] = true
	}
	docs := make([]MessageDoc, 0, len(defaultMessageDocs))
	for _, doc := range defaultMessageDocs {
		if live[doc.Type] {
			docs = append(docs, doc)
		}
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Type < docs[j].Type })
	return docs
}

// protocolDocsHandler serves the inbound message catalogue so clients and tooling can keep
// their documentation in sync with the routed handlers.
func protocolDocsHandler(routed func() []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, messageDocs(routed()))
	})
}
