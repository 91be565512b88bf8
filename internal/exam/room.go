package exam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"testmakon/realtime/internal/dispatch"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

// Admin actions accepted by Control.
const (
	ActionStart       = "start"
	ActionPause       = "pause"
	ActionResume      = "resume"
	ActionStop        = "stop"
	ActionExtend      = "extend"
	ActionAnnounce    = "announce"
	ActionLeaderboard = "leaderboard"
)

// Command is one admin exam_control request.
type Command struct {
	Action  string `json:"action"`
	Minutes int    `json:"minutes,omitempty"`
	Message string `json:"message,omitempty"`
}

// Result is a graded submission reported when a participant finishes.
type Result struct {
	Score     float64
	Correct   int
	Wrong     int
	Skipped   int
	TimeSpent time.Duration
}

// Room is the live coordinator of one competition. Its mutex serialises every state change.
type Room struct {
	manager *Manager
	slug    string
	log     *logging.Logger

	mu          sync.Mutex
	comp        store.Competition
	sessions    int
	attendees   int
	timerCancel context.CancelFunc
	timerGen    uint64

	boardMu   sync.Mutex
	lastBoard []LeaderboardEntry
}

// Slug returns the competition slug.
func (r *Room) Slug() string { return r.slug }

// Competition returns a copy of the live projection.
func (r *Room) Competition() store.Competition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.comp
}

// Sessions returns the number of joined sessions, proctors included.
func (r *Room) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// Participants returns the number of joined non-admin sessions.
func (r *Room) Participants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attendees
}

func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d.Round(time.Second) / time.Second)
}

func (r *Room) remainingLocked(now time.Time) time.Duration {
	switch r.comp.Status {
	case store.CompetitionActive:
		return max(r.comp.EndAt.Sub(now), 0)
	case store.CompetitionPaused:
		return r.comp.PausedRemaining
	default:
		return 0
	}
}

func (r *Room) stateLocked() protocol.Envelope {
	now := r.manager.now()
	fields := map[string]any{
		"slug":                  r.slug,
		"title":                 r.comp.Title,
		"status":                string(r.comp.Status),
		"seconds_remaining":     seconds(r.remainingLocked(now)),
		"duration_minutes":      r.comp.DurationMinutes,
		"show_live_leaderboard": r.comp.ShowLiveLeaderboard,
		"participants":          r.attendees,
	}
	if !r.comp.EndAt.IsZero() {
		fields["end_at"] = r.comp.EndAt.UTC().Format(time.RFC3339)
	}
	return protocol.New("exam_state", fields)
}

// State returns the exam_state envelope for the room.
func (r *Room) State() protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Room) broadcast(env protocol.Envelope) {
	r.manager.publisher.Publish(dispatch.ExamTopic(r.slug), env)
}

func (r *Room) broadcastAdmins(env protocol.Envelope) {
	r.manager.publisher.Publish(dispatch.ExamAdminTopic(r.slug), env)
}

// Join registers a session. Participants joining a running exam are marked in progress.
func (r *Room) Join(ctx context.Context, userID int64, name string, admin bool) protocol.Envelope {
	r.mu.Lock()
	r.sessions++
	if !admin {
		r.attendees++
		//1.- Marked under the room lock so a concurrent stop ranks after the row exists, never before.
		if r.comp.Status == store.CompetitionActive {
			r.markInProgressLocked(ctx, userID, name)
		}
	}
	update := r.rosterUpdateLocked(userID, name, admin, true)
	state := r.stateLocked()
	r.mu.Unlock()

	r.broadcastAdmins(update)
	return state
}

// rosterUpdateLocked builds participant_update: count covers participants, sessions adds proctors.
func (r *Room) rosterUpdateLocked(userID int64, name string, admin, joined bool) protocol.Envelope {
	return protocol.New("participant_update", map[string]any{
		"count":    r.attendees,
		"sessions": r.sessions,
		"user":     map[string]any{"id": userID, "name": name, "admin": admin},
		"joined":   joined,
	})
}

// Leave releases a session joined with Join.
func (r *Room) Leave(userID int64, name string, admin bool) {
	r.mu.Lock()
	if r.sessions > 0 {
		r.sessions--
	}
	if !admin && r.attendees > 0 {
		r.attendees--
	}
	update := r.rosterUpdateLocked(userID, name, admin, false)
	r.mu.Unlock()
	r.broadcastAdmins(update)
}

func (r *Room) markInProgressLocked(ctx context.Context, userID int64, name string) {
	st := r.manager.store
	p, err := st.GetParticipant(ctx, r.slug, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p = store.Participant{CompetitionSlug: r.slug, UserID: userID, Name: name, Status: store.ParticipantRegistered}
	case err != nil:
		r.log.Warn("load participant failed", logging.Int64("user_id", userID), logging.Error(err))
		return
	}
	if p.Status != store.ParticipantRegistered {
		return
	}
	p.Status = store.ParticipantInProgress
	if p.Name == "" {
		p.Name = name
	}
	if err := st.UpsertParticipant(ctx, p); err != nil {
		r.log.Warn("mark participant in progress failed", logging.Int64("user_id", userID), logging.Error(err))
	}
}

// Control applies an admin action. Failed actions leave both persisted and live state unchanged.
func (r *Room) Control(ctx context.Context, actorID int64, cmd Command) (protocol.Envelope, error) {
	action := strings.ToLower(strings.TrimSpace(cmd.Action))
	if action == ActionLeaderboard {
		return r.publishLeaderboard(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	switch action {
	case ActionStart:
		err = r.startLocked(ctx)
	case ActionPause:
		err = r.pauseLocked(ctx)
	case ActionResume:
		err = r.resumeLocked(ctx)
	case ActionStop:
		err = r.finishLocked(ctx, ActionStop)
	case ActionExtend:
		err = r.extendLocked(ctx, cmd.Minutes)
	case ActionAnnounce:
		err = r.announceLocked(cmd.Message)
	default:
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeInvalidPayload, "unknown exam action %q", cmd.Action)
	}
	if err != nil {
		r.log.Warn("exam control rejected", logging.String("action", action), logging.Int64("actor", actorID), logging.Error(err))
		return protocol.Envelope{}, err
	}
	r.manager.transition(action)
	r.manager.record(r.slug, "control", map[string]any{
		"action":  action,
		"actor":   actorID,
		"minutes": cmd.Minutes,
		"status":  string(r.comp.Status),
	})
	return r.stateLocked(), nil
}

func invalidTransition(action string, status store.CompetitionStatus) error {
	return protocol.Errorf(protocol.CodeInvalidState, "cannot %s an exam that is %s", action, status)
}

// commitLocked persists next and only then adopts it as the live projection.
func (r *Room) commitLocked(ctx context.Context, next store.Competition) error {
	if err := r.manager.store.UpdateCompetition(ctx, next); err != nil {
		return protocol.Internal(fmt.Errorf("update competition %q: %w", r.slug, err))
	}
	r.comp = next
	return nil
}

func (r *Room) startLocked(ctx context.Context) error {
	switch r.comp.Status {
	case store.CompetitionDraft, store.CompetitionUpcoming, store.CompetitionRegistration:
	default:
		return invalidTransition(ActionStart, r.comp.Status)
	}
	now := r.manager.now()
	next := r.comp
	//1.- A start time already in the past collapses to now; the end follows from the duration.
	if next.StartAt.IsZero() || next.StartAt.Before(now) {
		next.StartAt = now
	}
	next.EndAt = next.StartAt.Add(next.Duration())
	next.Status = store.CompetitionActive
	next.PausedRemaining = 0
	if err := r.commitLocked(ctx, next); err != nil {
		return err
	}
	r.spawnTimerLocked()
	remaining := seconds(r.remainingLocked(now))
	r.broadcast(protocol.New("exam_started", map[string]any{
		"start_at":          next.StartAt.UTC().Format(time.RFC3339),
		"end_at":            next.EndAt.UTC().Format(time.RFC3339),
		"seconds_remaining": remaining,
	}))
	return nil
}

func (r *Room) pauseLocked(ctx context.Context) error {
	if r.comp.Status != store.CompetitionActive {
		return invalidTransition(ActionPause, r.comp.Status)
	}
	remaining := r.remainingLocked(r.manager.now())
	next := r.comp
	next.Status = store.CompetitionPaused
	next.PausedRemaining = remaining
	if err := r.commitLocked(ctx, next); err != nil {
		return err
	}
	r.stopTimerLocked()
	r.broadcast(protocol.New("exam_paused", map[string]any{"seconds_remaining": seconds(remaining)}))
	return nil
}

func (r *Room) resumeLocked(ctx context.Context) error {
	if r.comp.Status != store.CompetitionPaused {
		return invalidTransition(ActionResume, r.comp.Status)
	}
	remaining := r.comp.PausedRemaining
	next := r.comp
	next.Status = store.CompetitionActive
	next.EndAt = r.manager.now().Add(remaining)
	next.PausedRemaining = 0
	if err := r.commitLocked(ctx, next); err != nil {
		return err
	}
	r.spawnTimerLocked()
	r.broadcast(protocol.New("exam_resumed", map[string]any{
		"remaining":         seconds(remaining),
		"seconds_remaining": seconds(remaining),
	}))
	return nil
}

func (r *Room) extendLocked(ctx context.Context, minutes int) error {
	if minutes <= 0 {
		return protocol.Errorf(protocol.CodeInvalidPayload, "extend requires a positive number of minutes")
	}
	if r.comp.Status != store.CompetitionActive && r.comp.Status != store.CompetitionPaused {
		return invalidTransition(ActionExtend, r.comp.Status)
	}
	added := time.Duration(minutes) * time.Minute
	next := r.comp
	next.EndAt = next.EndAt.Add(added)
	next.DurationMinutes += minutes
	if next.Status == store.CompetitionPaused {
		next.PausedRemaining += added
	}
	if err := r.commitLocked(ctx, next); err != nil {
		return err
	}
	if next.Status == store.CompetitionActive {
		r.spawnTimerLocked()
	}
	r.broadcast(protocol.New("exam_extended", map[string]any{
		"minutes_added":     minutes,
		"seconds_remaining": seconds(r.remainingLocked(r.manager.now())),
	}))
	return nil
}

func (r *Room) announceLocked(message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return protocol.Errorf(protocol.CodeInvalidPayload, "announce requires a message")
	}
	r.broadcast(protocol.New("announcement", map[string]any{"message": message}))
	return nil
}

// finishLocked ranks the participants and closes the competition.
func (r *Room) finishLocked(ctx context.Context, reason string) error {
	if r.comp.Status != store.CompetitionActive && r.comp.Status != store.CompetitionPaused {
		return invalidTransition(ActionStop, r.comp.Status)
	}
	st := r.manager.store
	participants, err := st.ListParticipants(ctx, r.slug)
	if err != nil {
		return protocol.Internal(fmt.Errorf("list participants %q: %w", r.slug, err))
	}
	//1.- Ranks are written first so a finished competition never lacks its standings.
	ranked := Rank(participants)
	if err := st.SaveRanks(ctx, r.slug, Standings(ranked)); err != nil {
		return protocol.Internal(fmt.Errorf("save ranks %q: %w", r.slug, err))
	}
	next := r.comp
	next.Status = store.CompetitionFinished
	next.EndAt = r.manager.now()
	next.PausedRemaining = 0
	if err := r.commitLocked(ctx, next); err != nil {
		return err
	}
	r.stopTimerLocked()

	//2.- Announce the end, then the final board built from the ranked rows.
	r.broadcast(protocol.New("exam_ended", map[string]any{"reason": reason}))
	board := TopN(ranked, r.manager.cfg.LeaderboardSize)
	r.storeBoard(board)
	r.broadcast(protocol.New("leaderboard", map[string]any{"slug": r.slug, "entries": board, "final": true}))

	//3.- Audit and archive off the critical path.
	r.manager.record(r.slug, "finished", map[string]any{"reason": reason, "ranked": len(Standings(ranked))})
	if r.manager.journal != nil {
		r.manager.journal.Standings(r.slug, ranked)
	}
	if r.manager.archive != nil {
		comp := next
		archiveCtx, cancel := r.manager.detachedContext(ctx)
		go func() {
			defer cancel()
			if err := r.manager.archive.ArchiveStandings(archiveCtx, comp, ranked); err != nil {
				r.log.Warn("archive standings failed", logging.Error(err))
			}
		}()
	}
	r.log.Info("exam finished", logging.String("reason", reason), logging.Int("participants", len(ranked)))
	return nil
}

// Leaderboard returns a live snapshot for the caller. Store failures serve the last snapshot.
func (r *Room) Leaderboard(ctx context.Context, admin bool) (protocol.Envelope, error) {
	r.mu.Lock()
	visible := admin || r.comp.ShowLiveLeaderboard
	r.mu.Unlock()
	if !visible {
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeInvalidState, "live leaderboard is hidden")
	}
	return protocol.New("leaderboard", map[string]any{"slug": r.slug, "entries": r.snapshot(ctx), "final": false}), nil
}

func (r *Room) snapshot(ctx context.Context) []LeaderboardEntry {
	participants, err := r.manager.store.ListParticipants(ctx, r.slug)
	if err != nil {
		r.log.Warn("leaderboard degraded to last snapshot", logging.Error(err))
		r.boardMu.Lock()
		defer r.boardMu.Unlock()
		if r.lastBoard == nil {
			return []LeaderboardEntry{}
		}
		return r.lastBoard
	}
	board := TopN(participants, r.manager.cfg.LeaderboardSize)
	r.storeBoard(board)
	return board
}

func (r *Room) storeBoard(board []LeaderboardEntry) {
	r.boardMu.Lock()
	r.lastBoard = board
	r.boardMu.Unlock()
}

// publishLeaderboard broadcasts a snapshot to everyone when live boards are shown, else to admins.
func (r *Room) publishLeaderboard(ctx context.Context) (protocol.Envelope, error) {
	env, err := r.Leaderboard(ctx, true)
	if err != nil {
		return protocol.Envelope{}, err
	}
	r.mu.Lock()
	public := r.comp.ShowLiveLeaderboard
	r.mu.Unlock()
	if public {
		r.broadcast(env)
	} else {
		r.broadcastAdmins(env)
	}
	r.manager.transition(ActionLeaderboard)
	return env, nil
}

// RecordResult stores a graded submission, completes the participant and refreshes the board.
func (r *Room) RecordResult(ctx context.Context, userID int64, res Result) error {
	r.mu.Lock()
	if r.comp.Status != store.CompetitionActive && r.comp.Status != store.CompetitionPaused {
		status := r.comp.Status
		r.mu.Unlock()
		return protocol.Errorf(protocol.CodeInvalidState, "results are closed for a %s exam", status)
	}
	st := r.manager.store
	p, err := st.GetParticipant(ctx, r.slug, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p = store.Participant{CompetitionSlug: r.slug, UserID: userID}
	case err != nil:
		r.mu.Unlock()
		return protocol.Internal(fmt.Errorf("load participant %d: %w", userID, err))
	}
	if p.Status == store.ParticipantDisqualified || p.Status == store.ParticipantCompleted {
		r.mu.Unlock()
		return protocol.Errorf(protocol.CodeInvalidState, "participant is already %s", p.Status)
	}
	p.Score, p.Correct, p.Wrong, p.Skipped, p.TimeSpent = res.Score, res.Correct, res.Wrong, res.Skipped, res.TimeSpent
	p.Status = store.ParticipantCompleted
	if err := st.UpsertParticipant(ctx, p); err != nil {
		r.mu.Unlock()
		return protocol.Internal(fmt.Errorf("save participant %d: %w", userID, err))
	}
	r.mu.Unlock()

	r.manager.record(r.slug, "result", map[string]any{"user_id": userID, "score": res.Score, "correct": res.Correct})
	//1.- A completion refreshes the snapshot for whoever may see it.
	if _, err := r.publishLeaderboard(ctx); err != nil {
		r.log.Debug("leaderboard refresh skipped", logging.Error(err))
	}
	return nil
}

// ReportViolation appends an anti-cheat report and reports whether the participant was
// disqualified by it.
func (r *Room) ReportViolation(ctx context.Context, userID int64, kind string) (bool, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return false, protocol.Errorf(protocol.CodeInvalidPayload, "violation kind is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.comp.Status != store.CompetitionActive && r.comp.Status != store.CompetitionPaused {
		return false, protocol.Errorf(protocol.CodeInvalidState, "exam is %s", r.comp.Status)
	}
	st := r.manager.store
	p, err := st.GetParticipant(ctx, r.slug, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p = store.Participant{CompetitionSlug: r.slug, UserID: userID, Status: store.ParticipantInProgress}
	case err != nil:
		return false, protocol.Internal(fmt.Errorf("load participant %d: %w", userID, err))
	}
	already := p.Status == store.ParticipantDisqualified
	p.Violations = append(p.Violations, store.Violation{Kind: kind, At: r.manager.now()})
	disqualified := !already && len(p.Violations) >= r.manager.cfg.ViolationLimit
	if disqualified {
		p.Status = store.ParticipantDisqualified
	}
	if err := st.UpsertParticipant(ctx, p); err != nil {
		return false, protocol.Internal(fmt.Errorf("save participant %d: %w", userID, err))
	}

	r.broadcastAdmins(protocol.New("participant_violation", map[string]any{
		"user_id":      userID,
		"kind":         kind,
		"count":        len(p.Violations),
		"disqualified": p.Status == store.ParticipantDisqualified,
	}))
	r.manager.record(r.slug, "violation", map[string]any{"user_id": userID, "kind": kind, "count": len(p.Violations)})
	if disqualified {
		r.manager.publisher.Publish(dispatch.UserTopic(userID), protocol.New("disqualified", map[string]any{
			"slug":       r.slug,
			"violations": len(p.Violations),
		}))
		r.log.Info("participant disqualified", logging.Int64("user_id", userID), logging.Int("violations", len(p.Violations)))
	}
	return disqualified, nil
}

// restore resumes the timer of an exam that was active when the room was loaded.
func (r *Room) restore(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.comp.Status != store.CompetitionActive {
		return
	}
	if r.comp.EndAt.After(r.manager.now()) {
		r.spawnTimerLocked()
		return
	}
	persistCtx, cancel := r.manager.detachedContext(ctx)
	defer cancel()
	if err := r.finishLocked(persistCtx, "expired"); err != nil {
		r.log.Error("finish expired exam failed", logging.Error(err))
	}
}
