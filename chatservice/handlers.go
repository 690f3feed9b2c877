package chatservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codleed/ephemeral-chat/internal/logctx"
	"github.com/codleed/ephemeral-chat/internal/wire"
	"github.com/codleed/ephemeral-chat/sessions"
)

func (s *Service) handleCreateSession(ctx context.Context, conn Conn, _ any) (any, error) {
	sess, err := s.registry.CreateSession(ctx, conn.ID, 0)
	if err != nil {
		return nil, err
	}
	me, _ := sess.Participant(conn.ID)
	s.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{Code: sess.Code, Alias: me.Alias, Creator: true}), "event.create_session.ok")
	return &wire.CreateSessionResult{Code: sess.Code, CreatedAt: sess.CreatedAt, Alias: me.Alias}, nil
}

func (s *Service) handleJoinSession(ctx context.Context, conn Conn, in any) (any, error) {
	req := in.(*wire.JoinSessionRequest)
	sess, err := s.registry.JoinSession(ctx, conn.ID, req.Code)
	if err != nil {
		return nil, err
	}
	me, _ := sess.Participant(conn.ID)
	return &wire.JoinSessionResult{
		Code:       sess.Code,
		CreatedAt:  sess.CreatedAt,
		Alias:      me.Alias,
		SessionKey: sess.SessionKey,
		CreatorID:  sess.CreatorID,
	}, nil
}

func (s *Service) handleSendMessage(ctx context.Context, conn Conn, in any) (any, error) {
	req := in.(*wire.SendMessageRequest)
	msg, err := s.registry.PostMessage(ctx, conn.ID, req.EncryptedContent, req.Signature)
	if err != nil {
		return nil, notInSession(err)
	}
	return &wire.SendMessageResult{ID: msg.ID, Timestamp: msg.Timestamp}, nil
}

func (s *Service) handleSetSessionKey(ctx context.Context, conn Conn, in any) (any, error) {
	req := in.(*wire.SetSessionKeyRequest)
	sess, err := s.creatorSession(ctx, conn, MsgCreatorSetKey)
	if err != nil {
		return nil, err
	}
	if err := s.registry.SetSessionKey(ctx, sess.Code, req.SessionKey); err != nil {
		return nil, notInSession(err)
	}
	return &wire.SetSessionKeyResult{Rotated: sess.SessionKey != "" && sess.SessionKey != req.SessionKey}, nil
}

func (s *Service) handleLeaveSession(ctx context.Context, conn Conn, _ any) (any, error) {
	if err := s.registry.LeaveSession(ctx, conn.ID); err != nil {
		return nil, err
	}
	return &wire.Empty{}, nil
}

func (s *Service) handleEndSession(ctx context.Context, conn Conn, _ any) (any, error) {
	sess, err := s.creatorSession(ctx, conn, MsgCreatorEnd)
	if err != nil {
		return nil, err
	}
	if err := s.registry.EndSession(ctx, sess.Code); err != nil {
		return nil, notInSession(err)
	}
	return &wire.Empty{}, nil
}

func (s *Service) handleRotateKey(ctx context.Context, conn Conn, _ any) (any, error) {
	sess, err := s.creatorSession(ctx, conn, MsgCreatorRotate)
	if err != nil {
		return nil, err
	}
	if err := s.registry.RequestRotation(ctx, sess.Code); err != nil {
		return nil, notInSession(err)
	}
	return &wire.RotateKeyResult{Message: MsgRotateKey}, nil
}

func (s *Service) handleRevokeSession(ctx context.Context, conn Conn, in any) (any, error) {
	req := in.(*wire.RevokeSessionRequest)
	sess, err := s.creatorSession(ctx, conn, MsgCreatorRevoke)
	if err != nil {
		return nil, err
	}
	if err := s.registry.RevokeSession(ctx, sess.Code, req.Reason); err != nil {
		return nil, notInSession(err)
	}
	s.log.InfoContext(ctx, "event.revoke_session.ok", slog.String("code", sess.Code))
	return &wire.Empty{}, nil
}

func (s *Service) handleSessionInfo(ctx context.Context, conn Conn, _ any) (any, error) {
	sess, err := s.registry.GetSessionByConnection(ctx, conn.ID)
	if err != nil {
		return nil, notInSession(err)
	}
	me, _ := sess.Participant(conn.ID)
	return &wire.SessionInfoResult{
		Code:             sess.Code,
		CreatedAt:        sess.CreatedAt,
		ExpiresAt:        sess.ExpiresAt,
		Alias:            me.Alias,
		IsCreator:        sess.IsCreator(conn.ID),
		ParticipantCount: len(sess.Participants),
		Participants:     sess.Aliases(),
		RotationDue:      sess.RotationDue,
	}, nil
}

// creatorSession returns the caller's session, or a forbidden error carrying
// msg when the caller did not create it.
func (s *Service) creatorSession(ctx context.Context, conn Conn, msg string) (*sessions.Session, error) {
	sess, err := s.registry.GetSessionByConnection(ctx, conn.ID)
	if err != nil {
		return nil, notInSession(err)
	}
	if !sess.IsCreator(conn.ID) {
		return nil, forbidden(msg)
	}
	return sess, nil
}

// notInSession reports a session that vanished under an existing member as
// the member no longer being in a session.
func notInSession(err error) error {
	switch {
	case errors.Is(err, sessions.ErrNotFound),
		errors.Is(err, sessions.ErrExpired),
		errors.Is(err, sessions.ErrIdle),
		errors.Is(err, sessions.ErrRevoked):
		return fmt.Errorf("%w: %w", sessions.ErrNotInSession, err)
	}
	return err
}
