package main

import (
	"context"
	"strings"
	"time"

	"testmakon/realtime/internal/battle"
	"testmakon/realtime/internal/exam"
	"testmakon/realtime/internal/hub"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

// Inbound message types routed by the coordinator. ping is answered by the hub itself.
const (
	msgExamControl       = "exam_control"
	msgLeaderboard       = "request_leaderboard"
	msgViolationReport   = "violation_report"
	msgBattleAnswer      = "battle_answer"
	msgBattleInvite      = "battle_invite"
	msgBattleAccept      = "battle_accept"
	msgBattleReject      = "battle_reject"
	msgBattleCancel      = "battle_cancel"
	msgBattleBot         = "battle_bot"
	msgMatchmakingJoin   = "matchmaking_join"
	msgMatchmakingCancel = "matchmaking_cancel"
	msgMatchmakingStatus = "matchmaking_status"
)

type examControlPayload struct {
	Slug    string `json:"slug"`
	Action  string `json:"action"`
	Minutes int    `json:"minutes"`
	Message string `json:"message"`
}

type slugPayload struct {
	Slug string `json:"slug"`
}

type violationPayload struct {
	Kind string `json:"kind"`
}

type battleRefPayload struct {
	BattleUUID string `json:"battle_uuid"`
	InviteCode string `json:"invite_code"`
}

func (p battleRefPayload) ref() string {
	if p.BattleUUID != "" {
		return strings.TrimSpace(p.BattleUUID)
	}
	return strings.ToUpper(strings.TrimSpace(p.InviteCode))
}

type battleInvitePayload struct {
	OpponentID    int64  `json:"opponent_id"`
	Subject       string `json:"subject"`
	QuestionCount int    `json:"question_count"`
}

type battleBotPayload struct {
	Difficulty    string `json:"difficulty"`
	Subject       string `json:"subject"`
	QuestionCount int    `json:"question_count"`
}

type matchmakingJoinPayload struct {
	Subject       string `json:"subject"`
	QuestionCount int    `json:"question_count"`
}

// registerInboundHandlers installs the coordinator's message table on the hub.
func registerInboundHandlers(h *hub.Hub, c *Coordinator) {
	h.HandleAdmin(msgExamControl, c.handleExamControl)
	h.Handle(msgLeaderboard, c.handleLeaderboard)
	h.Handle(msgViolationReport, c.handleViolation)
	h.Handle(msgBattleAnswer, c.handleBattleAnswer)
	h.Handle(msgBattleInvite, c.handleBattleInvite)
	h.Handle(msgBattleAccept, c.handleBattleAccept)
	h.Handle(msgBattleReject, c.handleBattleReject)
	h.Handle(msgBattleCancel, c.handleBattleCancel)
	h.Handle(msgBattleBot, c.handleBattleBot)
	h.Handle(msgMatchmakingJoin, c.handleMatchmakingJoin)
	h.Handle(msgMatchmakingCancel, c.handleMatchmakingCancel)
	h.Handle(msgMatchmakingStatus, c.handleMatchmakingStatus)
}

// examSlug picks the slug named in the payload, falling back to the session's exam route.
func examSlug(s *hub.Session, requested string) (string, error) {
	slug := strings.TrimSpace(requested)
	if slug == "" {
		slug = s.ExamSlug()
	}
	if slug == "" {
		return "", protocol.Errorf(protocol.CodeInvalidPayload, "slug is required outside an exam session")
	}
	return slug, nil
}

func (c *Coordinator) room(ctx context.Context, s *hub.Session, requested string) (*exam.Room, error) {
	slug, err := examSlug(s, requested)
	if err != nil {
		return nil, err
	}
	return c.exams.Room(ctx, slug)
}

func (c *Coordinator) handleExamControl(ctx context.Context, s *hub.Session, in protocol.Inbound) error {
	var payload examControlPayload
	if err := protocol.DecodePayload(in.Payload, &payload); err != nil {
		return err
	}
	slug, err := examSlug(s, payload.Slug)
	if err != nil {
		return err
	}
	state, err := c.exams.Control(ctx, slug, s.UserID(), exam.Command{
		Action:  strings.TrimSpace(payload.Action),
		Minutes: payload.Minutes,
		Message: payload.Message,
	})
	if err != nil {
		return err
	}
	logging.LoggerFromContext(ctx).Info("exam control applied",
		logging.String("slug", slug),
		logging.String("action", payload.Action),
	)
	//1.- The exam topic already carries the transition; a session driving another exam still needs the state.
	if s.ExamSlug() != slug {
		s.Send(state)
	}
	return nil
}

func (c *Coordinator) handleLeaderboard(ctx context.Context, s *hub.Session, in protocol.Inbound) error {
	var payload slugPayload
	if err := protocol.DecodePayload(in.Payload, &payload); err != nil {
		return err
	}
	room, err := c.room(ctx, s, payload.Slug)
	if err != nil {
		return err
	}
	board, err := room.Leaderboard(ctx, s.IsAdmin())
	if err != nil {
		return err
	}
	s.Send(board)
	return nil
}

func (c *Coordinator) handleViolation(ctx context.Context, s *hub.Session, in protocol.Inbound) error {
	if s.ExamSlug() == "" {
		return protocol.Errorf(protocol.CodeInvalidState, "violations are reported from an exam session")
	}
	var payload violationPayload
	if err := protocol.DecodePayload(in.Payload, &payload); err != nil {
		return err
	}
	kind := strings.TrimSpace(payload.Kind)
	if kind == "" {
		return protocol.Errorf(protocol.CodeInvalidPayload, "kind is required")
	}
	room, err := c.exams.Room(ctx, s.ExamSlug())
	if err != nil {
		return err
	}
	disqualified, err := room.ReportViolation(ctx, s.UserID(), kind)
	if err != nil {
		return err
	}
	if disqualified {
		logging.LoggerFromContext(ctx).Warn("participant disqualified", logging.String("slug", s.ExamSlug()))
	}
	return nil
}

func (c *Coordinator) handleBattleAnswer(ctx context.Context, s *hub.Session, in protocol.Inbound) error {
	var sub battle.Submission
	if err := protocol.DecodePayload(in.Payload, &sub); err != nil {
		return err
	}
	if strings.TrimSpace(sub.BattleUUID) == "" {
		return protocol.Errorf(protocol.CodeInvalidPayload, "battle_uuid is required")
	}
	ack, err := c.battles.SubmitAnswer(ctx, s.UserID(), sub)
	if err != nil {
		return err
	}
	s.Send(ack)
	return nil
}

func (c *Coordinator) handleBattleInvite(ctx context.Context, s *hub.Session, in protocol.Inbound) error {
	var payload battleInvitePayload
	if err := protocol.DecodePayload(in.Payload, &payload); err != nil {
		return err
	}
	b, err := c.battles.Invite(ctx, s.UserID(), payload.OpponentID, strings.TrimSpace(payload.Subject), payload.QuestionCount)
	if err != nil {
		return err
	}
	s.Send(protocol.New("battle_invite_sent", map[string]any{
		"battle_uuid": b.UUID,
		"invite_code": b.InviteCode,
		"opponent_id": b.OpponentID,
		"expires_at":  b.ExpiresAt.UTC().Format(time.RFC3339),
	}))
	return nil
}

func (c *Coordinator) handleBattleAccept(ctx context.Context, s *hub.Session, in protocol.Inbound) error {
	var payload battleRefPayload
	if err := protocol.DecodePayload(in.Payload, &payload); err != nil {
		return err
	}
	if payload.ref() == "" {
		return protocol.Errorf(protocol.CodeInvalidPayload, "battle_uuid or invite_code is required")
	}
	_, err := c.battles.Accept(ctx, s.UserID(), payload.ref())
	return err
}

func (c *Coordinator) handleBattleReject(ctx context.Context, s *hub.Session, in protocol.Inbound) error {
	return c.closeBattle(ctx, s, in, "battle_rejected", c.battles.Reject)
}

func (c *Coordinator) handleBattleCancel(ctx context.Context, s *hub.Session, in protocol.Inbound) error {
	return c.closeBattle(ctx, s, in, "battle_cancelled", c.battles.Cancel)
}

func (c *Coordinator) closeBattle(ctx context.Context, s *hub.Session, in protocol.Inbound, kind string, fn func(context.Context, int64, string) error) error {
	var payload battleRefPayload
	if err := protocol.DecodePayload(in.Payload, &payload); err != nil {
		return err
	}
	ref := payload.ref()
	if ref == "" {
		return protocol.Errorf(protocol.CodeInvalidPayload, "battle_uuid or invite_code is required")
	}
	if err := fn(ctx, s.UserID(), ref); err != nil {
		return err
	}
	s.Send(protocol.New(kind, map[string]any{"battle_uuid": ref, "by": s.UserID()}))
	return nil
}

func (c *Coordinator) handleBattleBot(ctx context.Context, s *hub.Session, in protocol.Inbound) error {
	var payload battleBotPayload
	if err := protocol.DecodePayload(in.Payload, &payload); err != nil {
		return err
	}
	difficulty := store.Difficulty(strings.ToLower(strings.TrimSpace(payload.Difficulty)))
	_, err := c.battles.StartBot(ctx, s.UserID(), difficulty, strings.TrimSpace(payload.Subject), payload.QuestionCount)
	return err
}

func (c *Coordinator) handleMatchmakingJoin(ctx context.Context, s *hub.Session, in protocol.Inbound) error {
	var payload matchmakingJoinPayload
	if err := protocol.DecodePayload(in.Payload, &payload); err != nil {
		return err
	}
	_, err := c.matcher.Join(ctx, s.UserID(), strings.TrimSpace(payload.Subject), payload.QuestionCount)
	return err
}

func (c *Coordinator) handleMatchmakingCancel(ctx context.Context, s *hub.Session, _ protocol.Inbound) error {
	return c.matcher.Cancel(ctx, s.UserID())
}

func (c *Coordinator) handleMatchmakingStatus(ctx context.Context, s *hub.Session, _ protocol.Inbound) error {
	status, err := c.matcher.State(ctx, s.UserID())
	if err != nil {
		return err
	}
	fields := map[string]any{"state": string(status.State)}
	if status.BattleUUID != "" {
		fields["battle_uuid"] = status.BattleUUID
	}
	s.Send(protocol.New(msgMatchmakingStatus, fields))
	return nil
}
