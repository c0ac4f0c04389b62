// Package sessionsvc implements the Session Service (spec §4.6): signed
// bearer tokens with resumption and duplicate-session prevention across
// multiple service instances sharing the same backing store. No example
// repo in the corpus implements a custom signed-token scheme (the closest,
// golang-jwt/jwt in evalgo-org-graphium, is a full JWT stack that would not
// produce the exact "<id>:<ts>:<nonce>:<hmac>" wire format spec.md
// mandates), so the HMAC construction is built directly on the standard
// library crypto/hmac + crypto/sha256, matching spec §4.6 verbatim.
package sessionsvc

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/projectsvc"
	"github.com/taskforge/engine/internal/storage"
)

const defaultTTL = 24 * time.Hour

type Service struct {
	backend  storage.Backend
	projects *projectsvc.Service
	secret   []byte
}

func New(backend storage.Backend, projects *projectsvc.Service, secret []byte) *Service {
	return &Service{backend: backend, projects: projects, secret: secret}
}

func (s *Service) sign(sessionID string, ts int64, nonce string) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d:%s", sessionID, ts, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) issueToken(sessionID string) string {
	ts := time.Now().Unix()
	nonceBytes := make([]byte, 12)
	_, _ = rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)
	sig := s.sign(sessionID, ts, nonce)
	raw := fmt.Sprintf("%s:%d:%s:%s", sessionID, ts, nonce, sig)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// parseToken returns the session id encoded in token once its signature is
// verified; it does not touch storage.
func (s *Service) parseToken(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", apperr.New(apperr.Unauthorized, "malformed session token")
	}
	parts := strings.SplitN(string(raw), ":", 4)
	if len(parts) != 4 {
		return "", apperr.New(apperr.Unauthorized, "malformed session token")
	}
	sessionID, tsStr, nonce, sig := parts[0], parts[1], parts[2], parts[3]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", apperr.New(apperr.Unauthorized, "malformed session token")
	}
	expected := s.sign(sessionID, ts, nonce)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return "", apperr.New(apperr.Unauthorized, "invalid session token signature")
	}
	return sessionID, nil
}

// CreateInput captures createSession's parameters (spec §4.6).
type CreateInput struct {
	AgentName             string
	ProjectID             string
	TTLSeconds            int
	Data                  map[string]any
	AllowMultipleSessions bool
	ResumeExisting        bool
}

// CreateResult mirrors {session, sessionToken, resumed}.
type CreateResult struct {
	Session      *domain.Session
	SessionToken string
	Resumed      bool
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if _, err := s.projects.ValidateAccess(ctx, in.ProjectID); err != nil {
		return nil, err
	}
	ttl := defaultTTL
	if in.TTLSeconds > 0 {
		ttl = time.Duration(in.TTLSeconds) * time.Second
	}

	if in.ResumeExisting {
		existing, err := s.backend.FindSessionsByAgent(ctx, in.AgentName, in.ProjectID)
		if err != nil {
			return nil, err
		}
		active := mostRecentlyAccessedActive(existing)
		if active != nil {
			updated, err := s.backend.UpdateSession(ctx, active.ID, func(sess *domain.Session) error {
				sess.LastAccessedAt = time.Now()
				sess.ExpiresAt = sess.ExpiresAt.Add(ttl)
				return nil
			})
			if err != nil {
				return nil, err
			}
			return &CreateResult{Session: updated, SessionToken: s.issueToken(updated.ID), Resumed: true}, nil
		}
	} else if !in.AllowMultipleSessions {
		existing, err := s.backend.FindSessionsByAgent(ctx, in.AgentName, in.ProjectID)
		if err != nil {
			return nil, err
		}
		for _, e := range existing {
			_ = s.backend.DeleteSession(ctx, e.ID)
		}
	}

	now := time.Now()
	sess := &domain.Session{
		ID:             uuid.NewString(),
		AgentName:      in.AgentName,
		ProjectID:      in.ProjectID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		Data:           in.Data,
	}
	if sess.Data == nil {
		sess.Data = map[string]any{}
	}
	if err := s.backend.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return &CreateResult{Session: sess, SessionToken: s.issueToken(sess.ID), Resumed: false}, nil
}

func mostRecentlyAccessedActive(sessions []*domain.Session) *domain.Session {
	var best *domain.Session
	now := time.Now()
	for _, sess := range sessions {
		if sess.ExpiresAt.Before(now) {
			continue
		}
		if best == nil || sess.LastAccessedAt.After(best.LastAccessedAt) {
			best = sess
		}
	}
	return best
}

// Authenticate verifies the token signature and touches lastAccessedAt.
// Returns nil (no error) if the token is well-formed but its session has
// expired or no longer exists.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.Session, error) {
	sessionID, err := s.parseToken(token)
	if err != nil {
		return nil, err
	}
	sess, err := s.backend.GetSession(ctx, sessionID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if sess.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return s.backend.UpdateSession(ctx, sessionID, func(sess *domain.Session) error {
		sess.LastAccessedAt = time.Now()
		return nil
	})
}

// Resolved is the full validateSession() result.
type Resolved struct {
	Session *domain.Session
	Project *domain.Project
}

// Validate fully resolves a token: signature, liveness, and the project it
// scopes to. If the project has gone missing, the session is destroyed
// (self-healing) and nil is returned.
func (s *Service) Validate(ctx context.Context, token string) (*Resolved, error) {
	sess, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	project, err := s.projects.Get(ctx, sess.ProjectID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			_ = s.backend.DeleteSession(ctx, sess.ID)
			return nil, nil
		}
		return nil, err
	}
	return &Resolved{Session: sess, Project: project}, nil
}

func (s *Service) Extend(ctx context.Context, sessionID string, ttl time.Duration) (*domain.Session, error) {
	return s.backend.UpdateSession(ctx, sessionID, func(sess *domain.Session) error {
		sess.ExpiresAt = time.Now().Add(ttl)
		return nil
	})
}

func (s *Service) UpdateData(ctx context.Context, sessionID string, data map[string]any) (*domain.Session, error) {
	return s.backend.UpdateSession(ctx, sessionID, func(sess *domain.Session) error {
		sess.Data = data
		return nil
	})
}

func (s *Service) Destroy(ctx context.Context, sessionID string) error {
	return s.backend.DeleteSession(ctx, sessionID)
}

func (s *Service) FindActiveForAgent(ctx context.Context, agentName, projectID string) ([]*domain.Session, error) {
	sessions, err := s.backend.FindSessionsByAgent(ctx, agentName, projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var active []*domain.Session
	for _, sess := range sessions {
		if sess.ExpiresAt.After(now) {
			active = append(active, sess)
		}
	}
	return active, nil
}

func (s *Service) CleanupForAgent(ctx context.Context, agentName, projectID string) (int, error) {
	sessions, err := s.backend.FindSessionsByAgent(ctx, agentName, projectID)
	if err != nil {
		return 0, err
	}
	for _, sess := range sessions {
		_ = s.backend.DeleteSession(ctx, sess.ID)
	}
	return len(sessions), nil
}

func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.backend.CleanupExpiredSessions(ctx)
}
