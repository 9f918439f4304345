package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/repository"
)

// In-memory store fakes. Mutations hold a mutex so the concurrency tests
// exercise the same check-then-act races the SQL stores resolve with
// conditional updates.

type fakeProviderStore struct {
	mu         sync.Mutex
	providers  map[string]*repository.Provider
	failCreate error
}

func newFakeProviderStore() *fakeProviderStore {
	return &fakeProviderStore{providers: map[string]*repository.Provider{}}
}

func (f *fakeProviderStore) Create(_ context.Context, p *repository.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = time.Now()
	cp := *p
	f.providers[p.ID] = &cp
	return nil
}

func (f *fakeProviderStore) GetByID(_ context.Context, id string) (*repository.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return nil, apperr.NotFound("provider", id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProviderStore) GetLiveByPhone(_ context.Context, phone string) (*repository.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.providers {
		if p.Phone == phone && p.Status != repository.ProviderRemoved {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("provider", phone)
}

func (f *fakeProviderStore) List(_ context.Context, status *repository.ProviderStatus) ([]*repository.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Provider
	for _, p := range f.providers {
		if status == nil || p.Status == *status {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeProviderStore) ListEligible(_ context.Context, service, area string) ([]*repository.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Provider
	for _, p := range f.providers {
		if p.Status != repository.ProviderActive {
			continue
		}
		if contains(p.Services, service) && contains(p.Areas, area) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeProviderStore) UpdateStatus(_ context.Context, id string, status repository.ProviderStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return apperr.NotFound("provider", id)
	}
	p.Status = status
	p.StatusReason = &reason
	return nil
}

func (f *fakeProviderStore) IncrementFlags(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return 0, apperr.NotFound("provider", id)
	}
	p.Flags++
	return p.Flags, nil
}

func (f *fakeProviderStore) RecordReplyOutcome(_ context.Context, id string, answered bool) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return 0, apperr.NotFound("provider", id)
	}
	p.RepliesTotal++
	if answered {
		p.RepliesGiven++
	}
	p.ResponseRate = float64(p.RepliesGiven) / float64(p.RepliesTotal)
	return p.ResponseRate, nil
}

func (f *fakeProviderStore) UpdateGroups(_ context.Context, id string, groupIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return apperr.NotFound("provider", id)
	}
	p.GroupIDs = groupIDs
	return nil
}

type fakeApplicationStore struct {
	mu   sync.Mutex
	apps map[string]*repository.Application
}

func newFakeApplicationStore() *fakeApplicationStore {
	return &fakeApplicationStore{apps: map[string]*repository.Application{}}
}

func (f *fakeApplicationStore) Create(_ context.Context, a *repository.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now()
	cp := *a
	f.apps[a.ID] = &cp
	return nil
}

func (f *fakeApplicationStore) GetByID(_ context.Context, id string) (*repository.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[id]
	if !ok {
		return nil, apperr.NotFound("application", id)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeApplicationStore) List(_ context.Context, status *repository.ApplicationStatus) ([]*repository.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Application
	for _, a := range f.apps {
		if status == nil || a.Status == *status {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeApplicationStore) Decide(_ context.Context, id string, expected, next repository.ApplicationStatus, entityType *string, groupIDs []string, decidedBy string, notes *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[id]
	if !ok {
		return false, apperr.NotFound("application", id)
	}
	if a.Status != expected {
		return false, nil
	}
	a.Status = next
	if entityType != nil {
		a.EntityType = entityType
	}
	if groupIDs != nil {
		a.GroupIDs = groupIDs
	}
	a.DecidedBy = &decidedBy
	now := time.Now()
	a.DecidedAt = &now
	a.ReviewNotes = notes
	return true, nil
}

type fakeBroadcastStore struct {
	mu         sync.Mutex
	requests   map[string]*repository.Request
	broadcasts map[string]*repository.Broadcast
	responses  map[string]*repository.Response
}

func newFakeBroadcastStore() *fakeBroadcastStore {
	return &fakeBroadcastStore{
		requests:   map[string]*repository.Request{},
		broadcasts: map[string]*repository.Broadcast{},
		responses:  map[string]*repository.Response{},
	}
}

func (f *fakeBroadcastStore) CreateRequest(_ context.Context, req *repository.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	cp := *req
	f.requests[req.ID] = &cp
	return nil
}

func (f *fakeBroadcastStore) GetRequest(_ context.Context, id string) (*repository.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, apperr.NotFound("request", id)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeBroadcastStore) UpdateRequestStatus(_ context.Context, id string, status repository.RequestStatus, otpVerified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return apperr.NotFound("request", id)
	}
	r.Status = status
	r.OTPVerified = otpVerified
	return nil
}

func (f *fakeBroadcastStore) CreateBroadcast(_ context.Context, b *repository.Broadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	cp := *b
	f.broadcasts[b.ID] = &cp
	return nil
}

func (f *fakeBroadcastStore) GetBroadcast(_ context.Context, id string) (*repository.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.broadcasts[id]
	if !ok {
		return nil, apperr.NotFound("broadcast", id)
	}
	cp := *b
	return &cp, nil
}

// Award mirrors the store's transactional conditional update: exactly one
// caller can move an open broadcast to awarded, and the winner verdict plus
// the request status move with it.
func (f *fakeBroadcastStore) Award(_ context.Context, broadcastID, responseID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.broadcasts[broadcastID]
	if !ok {
		return false, apperr.NotFound("broadcast", broadcastID)
	}
	if b.State != repository.BroadcastOpen {
		return false, nil
	}
	b.State = repository.BroadcastAwarded
	b.WinningResponseID = &responseID
	if r, ok := f.responses[responseID]; ok {
		r.Verdict = repository.VerdictAwarded
	}
	if req, ok := f.requests[b.RequestID]; ok {
		req.Status = repository.RequestAwarded
	}
	return true, nil
}

func (f *fakeBroadcastStore) CloseExpired(_ context.Context, id string, state repository.BroadcastState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.broadcasts[id]
	if !ok {
		return false, apperr.NotFound("broadcast", id)
	}
	if b.State != repository.BroadcastOpen {
		return false, nil
	}
	b.State = state
	return true, nil
}

func (f *fakeBroadcastStore) ListExpiredOpen(_ context.Context, now time.Time, limit int) ([]*repository.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Broadcast
	for _, b := range f.broadcasts {
		if b.State == repository.BroadcastOpen && !b.ExpiresAt.After(now) {
			cp := *b
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeBroadcastStore) InsertResponse(_ context.Context, resp *repository.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	cp := *resp
	f.responses[resp.ID] = &cp
	return nil
}

func (f *fakeBroadcastStore) SetResponseVerdict(_ context.Context, id string, verdict repository.ResponseVerdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.responses[id]
	if !ok {
		return apperr.NotFound("response", id)
	}
	r.Verdict = verdict
	return nil
}

func (f *fakeBroadcastStore) ListResponses(_ context.Context, broadcastID string) ([]*repository.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Response
	for _, r := range f.responses {
		if r.BroadcastID == broadcastID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeOTPStore struct {
	mu       sync.Mutex
	sessions map[string]*repository.OTPSession
	latest   map[string]string // request id -> session id
}

func newFakeOTPStore() *fakeOTPStore {
	return &fakeOTPStore{
		sessions: map[string]*repository.OTPSession{},
		latest:   map[string]string{},
	}
}

func (f *fakeOTPStore) CreateOTPSession(_ context.Context, s *repository.OTPSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	f.latest[s.RequestID] = s.ID
	return nil
}

func (f *fakeOTPStore) GetLatestOTPSession(_ context.Context, requestID string) (*repository.OTPSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.latest[requestID]
	if !ok {
		return nil, apperr.NotFound("otp session", requestID)
	}
	cp := *f.sessions[id]
	return &cp, nil
}

func (f *fakeOTPStore) RecordOTPAttempt(_ context.Context, id string, maxAttempts int, lockFor time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return 0, apperr.NotFound("otp session", id)
	}
	s.Attempts++
	if s.Attempts >= maxAttempts {
		until := time.Now().Add(lockFor)
		s.LockedUntil = &until
	}
	return s.Attempts, nil
}

func (f *fakeOTPStore) MarkOTPVerified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return apperr.NotFound("otp session", id)
	}
	now := time.Now()
	s.VerifiedAt = &now
	return nil
}

type fakeGovernanceStore struct {
	mu         sync.Mutex
	flags      []*repository.Flag
	advisories map[string]*repository.Advisory
	feedback   map[string]*repository.Feedback // keyed by request id
	due        []*repository.Feedback
}

func newFakeGovernanceStore() *fakeGovernanceStore {
	return &fakeGovernanceStore{
		advisories: map[string]*repository.Advisory{},
		feedback:   map[string]*repository.Feedback{},
	}
}

func (f *fakeGovernanceStore) InsertFlag(_ context.Context, flag *repository.Flag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if flag.ID == "" {
		flag.ID = uuid.New().String()
	}
	cp := *flag
	f.flags = append(f.flags, &cp)
	return nil
}

func (f *fakeGovernanceStore) ListByProvider(_ context.Context, providerID string) ([]*repository.Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Flag
	for _, fl := range f.flags {
		if fl.ProviderID == providerID {
			cp := *fl
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeGovernanceStore) Resolve(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fl := range f.flags {
		if fl.ID == id && fl.Status == repository.FlagActive {
			fl.Status = repository.FlagResolved
			now := time.Now()
			fl.ResolvedAt = &now
			return nil
		}
	}
	return apperr.NotFound("flag", id)
}

func (f *fakeGovernanceStore) CountActive(_ context.Context, providerID string, reason *string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, fl := range f.flags {
		if fl.ProviderID != providerID || fl.Status != repository.FlagActive {
			continue
		}
		if reason != nil && fl.Reason != *reason {
			continue
		}
		count++
	}
	return count, nil
}

func (f *fakeGovernanceStore) InsertAdvisory(_ context.Context, a *repository.Advisory) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.advisories {
		if existing.ProviderID == a.ProviderID && existing.Kind == a.Kind && existing.Status == "open" {
			return false, nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	cp := *a
	f.advisories[a.ID] = &cp
	return true, nil
}

func (f *fakeGovernanceStore) ListOpenAdvisories(_ context.Context) ([]*repository.Advisory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Advisory
	for _, a := range f.advisories {
		if a.Status == "open" {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeGovernanceStore) AcknowledgeAdvisory(_ context.Context, id, ackedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.advisories[id]
	if !ok {
		return apperr.NotFound("advisory", id)
	}
	a.Status = "acknowledged"
	a.AckedBy = &ackedBy
	return nil
}

func (f *fakeGovernanceStore) CreateFeedback(_ context.Context, fb *repository.Feedback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.feedback[fb.RequestID]; exists {
		return apperr.Conflict("feedback already exists for request")
	}
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	fb.Status = repository.FeedbackPending
	fb.RequestedAt = time.Now()
	cp := *fb
	f.feedback[fb.RequestID] = &cp
	return nil
}

func (f *fakeGovernanceStore) GetFeedbackByRequest(_ context.Context, requestID string) (*repository.Feedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fb, ok := f.feedback[requestID]
	if !ok {
		return nil, apperr.NotFound("feedback", requestID)
	}
	cp := *fb
	return &cp, nil
}

func (f *fakeGovernanceStore) CompleteFeedback(_ context.Context, id string, rating int, comment *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fb := range f.feedback {
		if fb.ID != id {
			continue
		}
		if fb.Status != repository.FeedbackPending {
			return false, nil
		}
		fb.Status = repository.FeedbackCompleted
		fb.Rating = &rating
		fb.Comment = comment
		now := time.Now()
		fb.CompletedAt = &now
		return true, nil
	}
	return false, apperr.NotFound("feedback", id)
}

func (f *fakeGovernanceStore) ListFollowupDue(_ context.Context, cutoff time.Time, limit int) ([]*repository.Feedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, nil
}

type fakeSyncQueue struct {
	mu   sync.Mutex
	jobs []*repository.SyncJob
}

func (f *fakeSyncQueue) EnqueueSyncJob(_ context.Context, j *repository.SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	cp := *j
	f.jobs = append(f.jobs, &cp)
	return nil
}

// fakeGateway records calls and fails on demand.
type fakeGateway struct {
	mu            sync.Mutex
	failUpsert    error
	failGroupAdd  error
	failBroadcast error
	failDirect    error
	failOTP       error
	broadcasts    int
	directTo      []string
	otpTo         []string
	upserts       []string
	groupAdds     []string
}

func (f *fakeGateway) SendBroadcast(_ context.Context, groupIDs []string, templateID string, params map[string]string, headerMediaURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBroadcast != nil {
		return f.failBroadcast
	}
	f.broadcasts++
	return nil
}

func (f *fakeGateway) UpsertContact(_ context.Context, phone, name, email string, custom map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert != nil {
		return "", f.failUpsert
	}
	f.upserts = append(f.upserts, phone)
	return "contact-" + phone, nil
}

func (f *fakeGateway) CreateContactGroup(_ context.Context, name, description string) (string, error) {
	return "group-" + name, nil
}

func (f *fakeGateway) AddContactsToGroup(_ context.Context, groupID string, contactIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGroupAdd != nil {
		return f.failGroupAdd
	}
	f.groupAdds = append(f.groupAdds, groupID)
	return nil
}

func (f *fakeGateway) SendDirectMessage(_ context.Context, phone, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDirect != nil {
		return f.failDirect
	}
	f.directTo = append(f.directTo, phone)
	return nil
}

func (f *fakeGateway) SendOTP(_ context.Context, phone, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOTP != nil {
		return f.failOTP
	}
	f.otpTo = append(f.otpTo, phone)
	return nil
}

// fakeEvents records published events in order.
type fakeEvents struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	subject string
	event   client.Event
}

func (f *fakeEvents) Publish(_ context.Context, subject string, event client.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{subject: subject, event: event})
}

func (f *fakeEvents) bySubject(subject string) []client.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []client.Event
	for _, e := range f.events {
		if e.subject == subject {
			out = append(out, e.event)
		}
	}
	return out
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
