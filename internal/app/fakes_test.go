package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"cockpit/api/internal/agentrepo"
	"cockpit/api/internal/authpw"
	"cockpit/api/internal/billing"
	"cockpit/api/internal/chat"
	"cockpit/api/internal/config"
	"cockpit/api/internal/email"
	"cockpit/api/internal/export"
	"cockpit/api/internal/knowledge"
	"cockpit/api/internal/llm"
	"cockpit/api/internal/logging"
	"cockpit/api/internal/store"
)

// fakeStore keeps everything in memory. It backs the app service as well as
// the real account, billing and chat services built on top of it.
type fakeStore struct {
	mu sync.Mutex

	pingFn func(context.Context) error

	users       map[string]store.User
	resets      map[string]string
	refresh     map[string]string
	revoked     map[string]bool
	plans       map[string]store.Plan
	workspaces  map[string]store.Workspace
	members     map[string]map[string]string
	agents      map[string]store.Agent
	convs       map[string]store.Conversation
	messages    map[string][]store.Message
	audit       []store.AuditEntry
	sourceUsage store.Usage
	clock       time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   map[string]store.User{},
		resets:  map[string]string{},
		refresh: map[string]string{},
		revoked: map[string]bool{},
		plans: map[string]store.Plan{
			"free":    {Code: "free", Name: "Free", MaxMembers: 2, MaxAgents: 1, MaxSources: 5, MaxStorageBytes: 1 << 20, MonthlyMessages: 3},
			"pro":     {Code: "pro", Name: "Pro", PriceCents: 9900, MaxMembers: 20, MaxAgents: 10, MaxSources: 100, MaxStorageBytes: 1 << 30, MonthlyMessages: 1000},
			"starter": {Code: "starter", Name: "Starter", PriceCents: 2900, MaxMembers: 5, MaxAgents: 3, MaxSources: 20, MaxStorageBytes: 100 << 20, MonthlyMessages: 200},
		},
		workspaces: map[string]store.Workspace{},
		members:    map[string]map[string]string{},
		agents:     map[string]store.Agent{},
		convs:      map[string]store.Conversation{},
		messages:   map[string][]store.Message{},
		clock:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) addUser(id, name, emailAddr string) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := store.User{ID: id, Name: name, Email: emailAddr, CreatedAt: f.tick()}
	f.users[id] = u
	return u
}

func (f *fakeStore) CreateUser(_ context.Context, u store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == u.Email {
			return store.ErrConflict
		}
	}
	u.CreatedAt = f.tick()
	f.users[u.ID] = u
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, emailAddr string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == emailAddr {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) ListUsers(_ context.Context, limit, offset int) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]store.User, 0, len(f.users))
	for _, u := range f.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	if offset >= len(users) {
		return []store.User{}, nil
	}
	users = users[offset:]
	return users[:min(limit, len(users))], nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[userID]
	u.PasswordHash = hash
	f.users[userID] = u
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, tokenHash string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[tokenHash] = userID
	return nil
}

func (f *fakeStore) ConsumePasswordReset(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[tokenHash]
	if !ok {
		return "", sql.ErrNoRows
	}
	delete(f.resets, tokenHash)
	return userID, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.users[userID], nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeUserSessions(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, owner := range f.refresh {
		if owner == userID {
			delete(f.refresh, hash)
		}
	}
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) CreateWorkspace(_ context.Context, ws store.Workspace, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.workspaces {
		if existing.Slug == ws.Slug {
			return store.ErrConflict
		}
	}
	ws.CreatedAt = f.tick()
	ws.UpdatedAt = ws.CreatedAt
	f.workspaces[ws.ID] = ws
	f.members[ws.ID] = map[string]string{ownerID: "owner"}
	return nil
}

func (f *fakeStore) SlugExists(_ context.Context, slug string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ws := range f.workspaces {
		if ws.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetWorkspace(_ context.Context, id string) (store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[id]
	if !ok {
		return store.Workspace{}, sql.ErrNoRows
	}
	return ws, nil
}

func (f *fakeStore) ListUserWorkspaces(_ context.Context, userID string) ([]store.WorkspaceMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.WorkspaceMembership
	for id, members := range f.members {
		if role, ok := members[userID]; ok {
			out = append(out, store.WorkspaceMembership{Workspace: f.workspaces[id], Role: role})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) UpdateWorkspaceName(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[id]
	if !ok {
		return sql.ErrNoRows
	}
	ws.Name = name
	f.workspaces[id] = ws
	return nil
}

func (f *fakeStore) UpdateWorkspacePlan(_ context.Context, id, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[id]
	if !ok {
		return sql.ErrNoRows
	}
	ws.PlanCode = code
	f.workspaces[id] = ws
	return nil
}

func (f *fakeStore) ListWorkspaceOverviews(ctx context.Context, limit, offset int) ([]store.WorkspaceOverview, error) {
	f.mu.Lock()
	ids := make([]string, 0, len(f.workspaces))
	for id := range f.workspaces {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	sort.Strings(ids)
	var out []store.WorkspaceOverview
	for _, id := range ids {
		usage, _ := f.WorkspaceUsage(ctx, id)
		ws, _ := f.GetWorkspace(ctx, id)
		out = append(out, store.WorkspaceOverview{Workspace: ws, Usage: usage})
	}
	return out, nil
}

func (f *fakeStore) GetMemberRole(_ context.Context, workspaceID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.members[workspaceID][userID]
	if !ok {
		return "", sql.ErrNoRows
	}
	return role, nil
}

func (f *fakeStore) ListMembers(_ context.Context, workspaceID string) ([]store.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Member
	for userID, role := range f.members[workspaceID] {
		u := f.users[userID]
		out = append(out, store.Member{WorkspaceID: workspaceID, UserID: userID, Name: u.Name, Email: u.Email, Role: role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeStore) AddMember(_ context.Context, workspaceID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[workspaceID][userID]; ok {
		return store.ErrConflict
	}
	if f.members[workspaceID] == nil {
		f.members[workspaceID] = map[string]string{}
	}
	f.members[workspaceID][userID] = role
	return nil
}

func (f *fakeStore) UpdateMemberRole(_ context.Context, workspaceID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[workspaceID][userID]; !ok {
		return sql.ErrNoRows
	}
	if role != "owner" && f.soleOwnerLocked(workspaceID, userID) {
		return store.ErrLastOwner
	}
	f.members[workspaceID][userID] = role
	return nil
}

func (f *fakeStore) RemoveMember(_ context.Context, workspaceID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[workspaceID][userID]; !ok {
		return sql.ErrNoRows
	}
	if f.soleOwnerLocked(workspaceID, userID) {
		return store.ErrLastOwner
	}
	delete(f.members[workspaceID], userID)
	return nil
}

func (f *fakeStore) soleOwnerLocked(workspaceID, userID string) bool {
	if f.members[workspaceID][userID] != "owner" {
		return false
	}
	for id, role := range f.members[workspaceID] {
		if id != userID && role == "owner" {
			return false
		}
	}
	return true
}

func (f *fakeStore) ListPlans(_ context.Context) ([]store.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Plan, 0, len(f.plans))
	for _, p := range f.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out, nil
}

func (f *fakeStore) GetPlan(_ context.Context, code string) (store.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[code]
	if !ok {
		return store.Plan{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) GetWorkspacePlan(_ context.Context, workspaceID string) (store.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[workspaceID]
	if !ok {
		return store.Plan{}, sql.ErrNoRows
	}
	return f.plans[ws.PlanCode], nil
}

func (f *fakeStore) WorkspaceUsage(_ context.Context, workspaceID string) (store.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	usage := f.sourceUsage
	usage.Members = len(f.members[workspaceID])
	for _, a := range f.agents {
		if a.WorkspaceID == workspaceID {
			usage.Agents++
		}
	}
	for _, msgs := range f.messages {
		for _, m := range msgs {
			if m.WorkspaceID == workspaceID && m.Role == "user" {
				usage.MessagesThisMonth++
			}
		}
	}
	return usage, nil
}

func (f *fakeStore) InsertAgent(_ context.Context, a store.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.CreatedAt = f.tick()
	a.UpdatedAt = a.CreatedAt
	f.agents[a.ID] = a
	return nil
}

func (f *fakeStore) GetAgent(_ context.Context, workspaceID, agentID string) (store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok || a.WorkspaceID != workspaceID {
		return store.Agent{}, sql.ErrNoRows
	}
	return a, nil
}

func (f *fakeStore) ListAgents(_ context.Context, workspaceID string) ([]store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Agent
	for _, a := range f.agents {
		if a.WorkspaceID == workspaceID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) UpdateAgent(_ context.Context, a store.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.agents[a.ID]
	if !ok || existing.WorkspaceID != a.WorkspaceID {
		return sql.ErrNoRows
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = f.tick()
	f.agents[a.ID] = a
	return nil
}

func (f *fakeStore) DeleteAgent(_ context.Context, workspaceID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok || a.WorkspaceID != workspaceID {
		return sql.ErrNoRows
	}
	delete(f.agents, agentID)
	return nil
}

func (f *fakeStore) InsertConversation(_ context.Context, c store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.CreatedAt = f.tick()
	c.UpdatedAt = c.CreatedAt
	f.convs[c.ID] = c
	return nil
}

func (f *fakeStore) GetConversation(_ context.Context, agentID, id string) (store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok || c.AgentID != agentID {
		return store.Conversation{}, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) ListConversations(_ context.Context, agentID, userID string) ([]store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Conversation
	for _, c := range f.convs {
		if c.AgentID == agentID && (userID == "" || c.UserID == userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) UpdateConversationTitle(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.convs[id]
	c.Title = title
	f.convs[id] = c
	return nil
}

func (f *fakeStore) DeleteConversation(_ context.Context, agentID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok || c.AgentID != agentID {
		return sql.ErrNoRows
	}
	delete(f.convs, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) InsertMessage(_ context.Context, m store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.CreatedAt = f.tick()
	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, conversationID string, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := append([]store.Message(nil), f.messages[conversationID]...)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeStore) InsertAudit(_ context.Context, e store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = int64(len(f.audit) + 1)
	e.CreatedAt = f.tick()
	f.audit = append(f.audit, e)
	return nil
}

func (f *fakeStore) ListAudit(_ context.Context, workspaceID string, limit int) ([]store.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.AuditEntry
	for i := len(f.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if workspaceID == "" || f.audit[i].WorkspaceID == workspaceID {
			out = append(out, f.audit[i])
		}
	}
	return out, nil
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.audit))
	for _, e := range f.audit {
		out = append(out, e.Action)
	}
	return out
}

// fakeKnowledge stubs the ingestion pipeline; unset functions return zero values.
type fakeKnowledge struct {
	addFileFn      func(context.Context, knowledge.FileInput) (knowledge.AddResult, error)
	addTextFn      func(context.Context, knowledge.TextInput) (knowledge.AddResult, error)
	getSourceFn    func(context.Context, string, string) (store.KBSource, error)
	statusFn       func(context.Context, string, string) (knowledge.SourceStatus, error)
	listFn         func(context.Context, string) ([]store.KBSource, error)
	summaryFn      func(context.Context, string) (knowledge.Summary, error)
	reprocessFn    func(context.Context, string, string) (store.KBSource, error)
	deleteSourceFn func(context.Context, string, string) error
	deleteAgentFn  func(context.Context, string) error
	searchFn       func(context.Context, knowledge.SearchInput) (knowledge.SearchResult, error)
	keywordFn      func(context.Context, string, string, int) (knowledge.SearchResult, error)
	recoverFn      func(context.Context, time.Duration) (int, error)
}

func (f *fakeKnowledge) AddFileSource(ctx context.Context, in knowledge.FileInput) (knowledge.AddResult, error) {
	if f.addFileFn != nil {
		return f.addFileFn(ctx, in)
	}
	return knowledge.AddResult{}, nil
}

func (f *fakeKnowledge) AddTextSource(ctx context.Context, in knowledge.TextInput) (knowledge.AddResult, error) {
	if f.addTextFn != nil {
		return f.addTextFn(ctx, in)
	}
	return knowledge.AddResult{}, nil
}

func (f *fakeKnowledge) GetSource(ctx context.Context, agentID, sourceID string) (store.KBSource, error) {
	if f.getSourceFn != nil {
		return f.getSourceFn(ctx, agentID, sourceID)
	}
	return store.KBSource{}, sql.ErrNoRows
}

func (f *fakeKnowledge) SourceStatus(ctx context.Context, agentID, sourceID string) (knowledge.SourceStatus, error) {
	if f.statusFn != nil {
		return f.statusFn(ctx, agentID, sourceID)
	}
	return knowledge.SourceStatus{}, sql.ErrNoRows
}

func (f *fakeKnowledge) ListSources(ctx context.Context, agentID string) ([]store.KBSource, error) {
	if f.listFn != nil {
		return f.listFn(ctx, agentID)
	}
	return nil, nil
}

func (f *fakeKnowledge) Summary(ctx context.Context, agentID string) (knowledge.Summary, error) {
	if f.summaryFn != nil {
		return f.summaryFn(ctx, agentID)
	}
	return knowledge.Summary{}, nil
}

func (f *fakeKnowledge) ReprocessSource(ctx context.Context, agentID, sourceID string) (store.KBSource, error) {
	if f.reprocessFn != nil {
		return f.reprocessFn(ctx, agentID, sourceID)
	}
	return store.KBSource{}, sql.ErrNoRows
}

func (f *fakeKnowledge) DeleteSource(ctx context.Context, agentID, sourceID string) error {
	if f.deleteSourceFn != nil {
		return f.deleteSourceFn(ctx, agentID, sourceID)
	}
	return nil
}

func (f *fakeKnowledge) DeleteAgentKnowledge(ctx context.Context, agentID string) error {
	if f.deleteAgentFn != nil {
		return f.deleteAgentFn(ctx, agentID)
	}
	return nil
}

func (f *fakeKnowledge) Search(ctx context.Context, in knowledge.SearchInput) (knowledge.SearchResult, error) {
	if f.searchFn != nil {
		return f.searchFn(ctx, in)
	}
	return knowledge.SearchResult{Mode: "vector"}, nil
}

func (f *fakeKnowledge) KeywordSearch(ctx context.Context, agentID, query string, limit int) (knowledge.SearchResult, error) {
	if f.keywordFn != nil {
		return f.keywordFn(ctx, agentID, query, limit)
	}
	return knowledge.SearchResult{Mode: "keyword"}, nil
}

func (f *fakeKnowledge) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if f.recoverFn != nil {
		return f.recoverFn(ctx, olderThan)
	}
	return 0, nil
}

type completerFunc func(ctx context.Context, messages []llm.Message, model string, temperature float64) (string, error)

func (f completerFunc) Complete(ctx context.Context, messages []llm.Message, model string, temperature float64) (string, error) {
	return f(ctx, messages, model, temperature)
}

type sentMail struct {
	to       string
	resetURL string
	data     email.MembershipData
}

type fakeMailer struct {
	configured bool
	sent       []sentMail
}

func (m *fakeMailer) IsConfigured() bool { return m.configured }

func (m *fakeMailer) SendPasswordResetEmail(to, _ string, resetURL string) error {
	m.sent = append(m.sent, sentMail{to: to, resetURL: resetURL})
	return nil
}

func (m *fakeMailer) SendMembershipEmail(to string, data email.MembershipData) error {
	m.sent = append(m.sent, sentMail{to: to, data: data})
	return nil
}

type testEnv struct {
	svc    *Service
	server *HTTPServer
	store  *fakeStore
	kb     *fakeKnowledge
	mailer *fakeMailer
	llm    completerFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fs := newFakeStore()
	kb := &fakeKnowledge{}
	mailer := &fakeMailer{}
	env := &testEnv{store: fs, kb: kb, mailer: mailer}
	env.llm = func(_ context.Context, messages []llm.Message, _ string, _ float64) (string, error) {
		return "resposta sobre " + messages[len(messages)-1].Content, nil
	}
	checker := billing.NewChecker(fs)
	log := logging.Nop()

	cfg := config.Config{
		JWTSecret:   "test-secret",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
		AppURL:      "https://app.cockpit.test",
		SuperAdmins: []string{"root@cockpit.test"},
		StaleAfter:  15 * time.Minute,
	}
	env.svc = New(cfg, Deps{
		Store:     fs,
		Accounts:  authpw.NewService(fs),
		Billing:   checker,
		Knowledge: kb,
		Chat: chat.NewService(fs, kb, completerFunc(func(ctx context.Context, m []llm.Message, model string, temp float64) (string, error) {
			return env.llm(ctx, m, model, temp)
		}), checker, "gpt-4o-mini", log),
		History:  agentrepo.New(t.TempDir()),
		Exporter: export.NewService(),
		Mailer:   mailer,
	}, log)
	env.server = NewHTTPServer(env.svc, "*", 1<<20, log)
	return env
}

// login issues a session for an existing user without going through bcrypt.
func (e *testEnv) login(t *testing.T, user store.User) Session {
	t.Helper()
	session, err := e.svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session
}

// workspace creates a workspace owned by owner and adds the given members.
func (e *testEnv) workspace(t *testing.T, owner Session, members map[string]string) string {
	t.Helper()
	payload, err := e.svc.CreateWorkspace(context.Background(), owner, "Acme Vendas")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	id := payload["id"].(string)
	for userID, role := range members {
		if err := e.store.AddMember(context.Background(), id, userID, role); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}
	return id
}
