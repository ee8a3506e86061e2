package app

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"time"

	"cockpit/api/internal/agentrepo"
	"cockpit/api/internal/auth"
	"cockpit/api/internal/authpw"
	"cockpit/api/internal/billing"
	"cockpit/api/internal/chat"
	"cockpit/api/internal/config"
	"cockpit/api/internal/email"
	"cockpit/api/internal/export"
	"cockpit/api/internal/knowledge"
	"cockpit/api/internal/rbac"
	"cockpit/api/internal/store"
	"cockpit/api/internal/util"
	"go.uber.org/zap"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	SuperAdmin   bool
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUsers(context.Context, int, int) ([]store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	CreateWorkspace(context.Context, store.Workspace, string) error
	SlugExists(context.Context, string) (bool, error)
	GetWorkspace(context.Context, string) (store.Workspace, error)
	ListUserWorkspaces(context.Context, string) ([]store.WorkspaceMembership, error)
	UpdateWorkspaceName(context.Context, string, string) error
	ListWorkspaceOverviews(context.Context, int, int) ([]store.WorkspaceOverview, error)

	GetMemberRole(context.Context, string, string) (string, error)
	ListMembers(context.Context, string) ([]store.Member, error)
	AddMember(context.Context, string, string, string) error
	UpdateMemberRole(context.Context, string, string, string) error
	RemoveMember(context.Context, string, string) error

	InsertAgent(context.Context, store.Agent) error
	GetAgent(context.Context, string, string) (store.Agent, error)
	ListAgents(context.Context, string) ([]store.Agent, error)
	UpdateAgent(context.Context, store.Agent) error
	DeleteAgent(context.Context, string, string) error

	InsertAudit(context.Context, store.AuditEntry) error
	ListAudit(context.Context, string, int) ([]store.AuditEntry, error)
}

// refreshStore holds refresh sessions. Postgres and Redis both satisfy it.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeUserSessions(context.Context, string) error
}

type accountService interface {
	SignUp(context.Context, authpw.SignUpRequest) (store.User, error)
	SignIn(context.Context, string, string) (store.User, error)
	RequestPasswordReset(context.Context, string) (string, store.User, error)
	ResetPassword(context.Context, string, string) (string, error)
}

type billingService interface {
	CheckMembers(context.Context, string) error
	CheckAgents(context.Context, string) error
	Usage(context.Context, string) (billing.Report, error)
	Plans(context.Context) ([]store.Plan, error)
	ChangePlan(context.Context, string, string) (store.Plan, error)
}

type knowledgeService interface {
	AddFileSource(context.Context, knowledge.FileInput) (knowledge.AddResult, error)
	AddTextSource(context.Context, knowledge.TextInput) (knowledge.AddResult, error)
	GetSource(context.Context, string, string) (store.KBSource, error)
	SourceStatus(context.Context, string, string) (knowledge.SourceStatus, error)
	ListSources(context.Context, string) ([]store.KBSource, error)
	Summary(context.Context, string) (knowledge.Summary, error)
	ReprocessSource(context.Context, string, string) (store.KBSource, error)
	DeleteSource(context.Context, string, string) error
	DeleteAgentKnowledge(context.Context, string) error
	Search(context.Context, knowledge.SearchInput) (knowledge.SearchResult, error)
	KeywordSearch(context.Context, string, string, int) (knowledge.SearchResult, error)
	RecoverStale(context.Context, time.Duration) (int, error)
}

type chatService interface {
	StartConversation(context.Context, store.Agent, string, string) (store.Conversation, error)
	ListConversations(context.Context, string, chat.Viewer) ([]store.Conversation, error)
	GetConversation(context.Context, string, string, chat.Viewer) (store.Conversation, error)
	Messages(context.Context, store.Conversation) ([]store.Message, error)
	DeleteConversation(context.Context, store.Conversation) error
	SendMessage(context.Context, store.Agent, store.Conversation, string) (chat.Reply, error)
}

type agentHistory interface {
	EnsureAgentRepo(string, agentrepo.Config, string) error
	CommitConfig(string, agentrepo.Config, string, string) (agentrepo.Version, error)
	History(string, int) ([]agentrepo.Version, error)
	GetConfigByHash(string, string) (agentrepo.Config, agentrepo.Version, error)
	Remove(string) error
}

type exporter interface {
	Export(context.Context, export.Transcript, export.Format) (*export.Result, error)
}

type mailer interface {
	IsConfigured() bool
	SendPasswordResetEmail(to, userName, resetURL string) error
	SendMembershipEmail(to string, data email.MembershipData) error
}

// Deps are the collaborators behind the HTTP surface. Sessions falls back to
// Store when nil; Mailer may be nil when SMTP is not configured.
type Deps struct {
	Store     dataStore
	Sessions  refreshStore
	Accounts  accountService
	Billing   billingService
	Knowledge knowledgeService
	Chat      chatService
	History   agentHistory
	Exporter  exporter
	Mailer    mailer
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshStore
	accounts  accountService
	billing   billingService
	knowledge knowledgeService
	chat      chatService
	history   agentHistory
	exporter  exporter
	mailer    mailer
	log       *zap.SugaredLogger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps, log *zap.SugaredLogger) *Service {
	sessions := deps.Sessions
	if sessions == nil {
		if fallback, ok := deps.Store.(refreshStore); ok {
			sessions = fallback
		}
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  sessions,
		accounts:  deps.Accounts,
		billing:   deps.Billing,
		knowledge: deps.Knowledge,
		chat:      deps.Chat,
		history:   deps.History,
		exporter:  deps.Exporter,
		mailer:    deps.Mailer,
		log:       log,
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) SignUp(ctx context.Context, emailAddr, password, name string) (Session, error) {
	user, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{Email: emailAddr, Password: password, Name: name})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// RequestPasswordReset mails a reset link. The token is returned only so the
// handler can expose it when no mailer is configured.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (string, error) {
	token, user, err := s.accounts.RequestPasswordReset(ctx, emailAddr)
	if err != nil || token == "" {
		return "", err
	}
	if s.SMTPConfigured() {
		link := s.cfg.AppURL + "/reset-password?token=" + url.QueryEscape(token)
		if err := s.mailer.SendPasswordResetEmail(user.Email, user.Name, link); err != nil {
			s.log.Warnw("send password reset email", "user", user.ID, "error", err)
		}
	}
	return token, nil
}

// ResetPassword sets the new password and signs the user out everywhere.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	userID, err := s.accounts.ResetPassword(ctx, token, newPassword)
	if err != nil {
		return err
	}
	if err := s.sessions.RevokeUserSessions(ctx, userID); err != nil {
		s.log.Warnw("revoke sessions after password reset", "user", userID, "error", err)
	}
	return nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	superAdmin := s.cfg.IsSuperAdmin(user.Email)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:        user.ID,
		Email:      user.Email,
		Name:       user.Name,
		SuperAdmin: superAdmin,
		JTI:        jti,
		Exp:        expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		SuperAdmin:   superAdmin,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:      token,
		UserID:     user.ID,
		UserName:   user.Name,
		Email:      user.Email,
		SuperAdmin: s.cfg.IsSuperAdmin(user.Email),
		JTI:        claims.JTI,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// authorize resolves the caller's role in the workspace. Non-members get
// sql.ErrNoRows so the workspace's existence is not leaked; denials are
// audited.
func (s *Service) authorize(ctx context.Context, session Session, workspaceID string, action rbac.Action) (rbac.Role, error) {
	raw, err := s.store.GetMemberRole(ctx, workspaceID, session.UserID)
	if err != nil {
		return "", err
	}
	role := rbac.Normalize(raw)
	if !rbac.Can(role, action) {
		s.audit(ctx, workspaceID, session.UserID, "permission.denied", "workspace", workspaceID, map[string]any{
			"action": string(action),
			"role":   string(role),
		})
		return role, forbidden(string(action))
	}
	return role, nil
}

func (s *Service) audit(ctx context.Context, workspaceID, actorID, action, resourceType, resourceID string, payload map[string]any) {
	err := s.store.InsertAudit(ctx, store.AuditEntry{
		WorkspaceID:  workspaceID,
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
	})
	if err != nil {
		s.log.Warnw("write audit entry", "action", action, "workspace", workspaceID, "error", err)
	}
}

func (s *Service) ListAudit(ctx context.Context, session Session, workspaceID string, limit int) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	entries, err := s.store.ListAudit(ctx, workspaceID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return auditPayloads(entries), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return min(limit, 500)
}
