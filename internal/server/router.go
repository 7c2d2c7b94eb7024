// Package server is the HTTP layer over the reconciliation, tracking, sync,
// and sweep services. It marshals JSON in and out, resolves sessions and
// upstream tokens through injected providers, and maps the error taxonomy
// onto HTTP statuses. No relationship logic lives here.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gitstuff/gitstuff/internal/apperr"
	"github.com/gitstuff/gitstuff/internal/githubapi"
	"github.com/gitstuff/gitstuff/internal/reconcile"
	"github.com/gitstuff/gitstuff/internal/store"
	"github.com/gitstuff/gitstuff/internal/sweeper"
	"github.com/gitstuff/gitstuff/internal/tier"
	"github.com/gitstuff/gitstuff/internal/tracker"
)

const (
	healthRoutePath    = "/healthz"
	statsRoutePath     = "/api/stats/:login"
	listRoutePath      = "/api/users/:login/list"
	diffRoutePath      = "/api/users/:login/diff"
	unfollowRoutePath  = "/api/actions/unfollow"
	sweepRoutePath     = "/api/actions/sweep"
	whitelistRoutePath = "/api/whitelist"
	syncPushRoutePath  = "/api/sync/push"
	syncPullRoutePath  = "/api/sync/pull"
	userDataRoutePath  = "/api/user/data"

	loginParamName       = "login"
	refreshQueryName     = "refresh"
	refreshQueryEnabled  = "true"
	listTypeQueryName    = "type"
	listTypeFollowing    = "following"
	sortOrderQueryName   = "order"
	sortOrderAscending   = "asc"
	whitelistTargetQuery = "target"

	healthStatusKey = "status"
	healthStatusOK  = "ok"
	ginModeRelease  = "release"

	successResponseKey     = "success"
	dataResponseKey        = "data"
	errorResponseKey       = "error"
	codeResponseKey        = "code"
	whitelistedResponseKey = "whitelisted"
	unfollowedResponseKey  = "unfollowed"
	syncedResponseKey      = "synced"
	deletedResponseKey     = "deleted"

	errMessageSessionRequired = "sign in to use this endpoint"
	errMessageTokenMissing    = "no GitHub token is linked to this account"
	errMessageLoginRequired   = "login is required"
	errMessageTargetRequired  = "target is required"
	errMessageTargetsRequired = "targets array is required"
	errMessageWhitelistCap    = "whitelist limit reached for this plan; upgrade to protect more accounts"
	errMessageSyncFailed      = "sync failed"
	errMessageUnexpected      = "an unexpected error occurred"
	codeUnexpected            = "NETWORK_ERROR"

	logMessageRequestFailed = "request failed"
	logMessageStoreFailure  = "store operation failed"
	logFieldRoute           = "route"

	defaultUpstreamErrorStatus = http.StatusBadGateway
)

// Session identifies an authenticated caller.
type Session struct {
	UserID       string
	AccountLogin string
	Plan         tier.Plan
}

// SessionProvider resolves the caller's session from the request. Absence
// means an anonymous caller; reads still work, at lower rate limits.
type SessionProvider interface {
	Session(request *http.Request) (Session, bool)
}

// CredentialStore resolves the upstream token linked to a user.
type CredentialStore interface {
	UpstreamToken(ctx context.Context, userID string) (string, bool)
}

// ReconcileService is the snapshot surface the handlers consume.
type ReconcileService interface {
	GetProfileStats(ctx context.Context, login string, forceRefresh bool, token string) (reconcile.UserStats, error)
	GetFollowers(ctx context.Context, request reconcile.ListRequest) ([]githubapi.AccountSummary, error)
	GetFollowing(ctx context.Context, request reconcile.ListRequest) ([]githubapi.AccountSummary, error)
	GetRelationshipSnapshot(ctx context.Context, request reconcile.ListRequest) (reconcile.RelationshipSnapshot, error)
}

// SweepGate is the gated mutation surface the handlers consume.
type SweepGate interface {
	Unfollow(ctx context.Context, request sweeper.SweepRequest) error
	Sweep(ctx context.Context, request sweeper.SweepRequest) (sweeper.SweepResult, error)
}

// SnapshotSyncer moves ledger state to and from the remote snapshot store.
type SnapshotSyncer interface {
	Push(ctx context.Context, userID string, target string) bool
	Pull(ctx context.Context, userID string, target string) bool
}

// WhitelistService is the persisted whitelist surface the handlers consume.
type WhitelistService interface {
	ToggleWhitelist(ctx context.Context, userID string, target string, login string) (bool, error)
	ListWhitelist(ctx context.Context, userID string, target string) ([]store.WhitelistEntry, error)
	DeleteUserData(ctx context.Context, userID string) error
}

// RouterConfig wires the HTTP layer to the core services.
type RouterConfig struct {
	Reconciler  ReconcileService
	Ledger      *tracker.Ledger
	Gate        SweepGate
	Syncer      SnapshotSyncer
	Whitelist   WhitelistService
	Sessions    SessionProvider
	Credentials CredentialStore
	Logger      *zap.Logger
}

// NewRouter constructs a Gin engine with every API route registered.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := apiHandler{
		reconciler:  configuration.Reconciler,
		ledger:      configuration.Ledger,
		gate:        configuration.Gate,
		syncer:      configuration.Syncer,
		whitelist:   configuration.Whitelist,
		sessions:    configuration.Sessions,
		credentials: configuration.Credentials,
		logger:      logger,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(statsRoutePath, handler.serveStats)
	engine.GET(listRoutePath, handler.serveList)
	engine.GET(diffRoutePath, handler.serveDiff)
	engine.POST(unfollowRoutePath, handler.performUnfollow)
	engine.POST(sweepRoutePath, handler.performSweep)
	engine.GET(whitelistRoutePath, handler.serveWhitelist)
	engine.POST(whitelistRoutePath, handler.toggleWhitelist)
	engine.POST(syncPushRoutePath, handler.pushSnapshot)
	engine.POST(syncPullRoutePath, handler.pullSnapshot)
	engine.DELETE(userDataRoutePath, handler.deleteUserData)

	return engine, nil
}

type apiHandler struct {
	reconciler  ReconcileService
	ledger      *tracker.Ledger
	gate        SweepGate
	syncer      SnapshotSyncer
	whitelist   WhitelistService
	sessions    SessionProvider
	credentials CredentialStore
	logger      *zap.Logger
}

type diffPayload struct {
	Followers              []tracker.ObservedAccount `json:"followers"`
	Following              []tracker.ObservedAccount `json:"following"`
	NewFollowers           []tracker.ObservedAccount `json:"newFollowers"`
	LostFollowers          []tracker.LostAccount     `json:"lostFollowers"`
	NonReciprocalFollowing []tracker.ObservedAccount `json:"nonReciprocalFollowing"`
}

func (handler apiHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler apiHandler) serveStats(ginContext *gin.Context) {
	login := ginContext.Param(loginParamName)
	forceRefresh := ginContext.Query(refreshQueryName) == refreshQueryEnabled
	_, token := handler.callerIdentity(ginContext)

	stats, statsErr := handler.reconciler.GetProfileStats(ginContext.Request.Context(), login, forceRefresh, token)
	if statsErr != nil {
		handler.respondError(ginContext, statsErr)
		return
	}
	respondData(ginContext, stats)
}

func (handler apiHandler) serveList(ginContext *gin.Context) {
	login := ginContext.Param(loginParamName)
	relation := githubapi.RelationFollowers
	if ginContext.Query(listTypeQueryName) == listTypeFollowing {
		relation = githubapi.RelationFollowing
	}
	ascending := ginContext.Query(sortOrderQueryName) == sortOrderAscending

	request := handler.listRequest(ginContext, login)
	var (
		accounts []githubapi.AccountSummary
		fetchErr error
	)
	if relation == githubapi.RelationFollowing {
		accounts, fetchErr = handler.reconciler.GetFollowing(ginContext.Request.Context(), request)
	} else {
		accounts, fetchErr = handler.reconciler.GetFollowers(ginContext.Request.Context(), request)
	}
	if fetchErr != nil {
		handler.respondError(ginContext, fetchErr)
		return
	}

	observed := handler.ledger.RecordObservation(login, relation, accounts)
	tracker.SortByFirstSeen(observed, ascending)
	respondData(ginContext, observed)
}

func (handler apiHandler) serveDiff(ginContext *gin.Context) {
	login := ginContext.Param(loginParamName)
	ascending := ginContext.Query(sortOrderQueryName) == sortOrderAscending

	request := handler.listRequest(ginContext, login)
	snapshot, snapshotErr := handler.reconciler.GetRelationshipSnapshot(ginContext.Request.Context(), request)
	if snapshotErr != nil {
		handler.respondError(ginContext, snapshotErr)
		return
	}

	// Lost is computed before the observation stamps the fresh fetch, since
	// stamping would never remove the departed logins anyway but the ordering
	// keeps the read-then-annotate sequence explicit.
	lostFollowers := handler.ledger.Lost(login, githubapi.RelationFollowers, snapshot.Followers)
	observedFollowers := handler.ledger.RecordObservation(login, githubapi.RelationFollowers, snapshot.Followers)
	observedFollowing := handler.ledger.RecordObservation(login, githubapi.RelationFollowing, snapshot.Following)

	newFollowers := tracker.NewAccounts(observedFollowers)
	nonReciprocal := tracker.NonReciprocalFollowing(observedFollowers, observedFollowing)

	tracker.SortByFirstSeen(observedFollowers, ascending)
	tracker.SortByFirstSeen(observedFollowing, ascending)
	tracker.SortByFirstSeen(newFollowers, ascending)
	tracker.SortByFirstSeen(nonReciprocal, ascending)

	respondData(ginContext, diffPayload{
		Followers:              observedFollowers,
		Following:              observedFollowing,
		NewFollowers:           newFollowers,
		LostFollowers:          lostFollowers,
		NonReciprocalFollowing: nonReciprocal,
	})
}

func (handler apiHandler) performUnfollow(ginContext *gin.Context) {
	session, token, authErr := handler.requireCredentials(ginContext)
	if authErr != nil {
		handler.respondError(ginContext, authErr)
		return
	}

	var body struct {
		Login string `json:"login"`
	}
	if bindErr := ginContext.ShouldBindJSON(&body); bindErr != nil || body.Login == "" {
		handler.respondError(ginContext, &apperr.ValidationError{Message: errMessageLoginRequired})
		return
	}

	request := sweeper.SweepRequest{
		UserID:  session.UserID,
		Target:  session.AccountLogin,
		Targets: []string{body.Login},
		Token:   token,
		Plan:    session.Plan,
	}
	if unfollowErr := handler.gate.Unfollow(ginContext.Request.Context(), request); unfollowErr != nil {
		handler.respondError(ginContext, unfollowErr)
		return
	}
	respondData(ginContext, gin.H{unfollowedResponseKey: body.Login})
}

func (handler apiHandler) performSweep(ginContext *gin.Context) {
	session, token, authErr := handler.requireCredentials(ginContext)
	if authErr != nil {
		handler.respondError(ginContext, authErr)
		return
	}

	var body struct {
		Targets []string `json:"targets"`
	}
	if bindErr := ginContext.ShouldBindJSON(&body); bindErr != nil || len(body.Targets) == 0 {
		handler.respondError(ginContext, &apperr.ValidationError{Message: errMessageTargetsRequired})
		return
	}

	request := sweeper.SweepRequest{
		UserID:  session.UserID,
		Target:  session.AccountLogin,
		Targets: body.Targets,
		Token:   token,
		Plan:    session.Plan,
	}
	result, sweepErr := handler.gate.Sweep(ginContext.Request.Context(), request)
	if sweepErr != nil {
		handler.respondError(ginContext, sweepErr)
		return
	}
	respondData(ginContext, result)
}

func (handler apiHandler) serveWhitelist(ginContext *gin.Context) {
	session, sessionErr := handler.requireSession(ginContext)
	if sessionErr != nil {
		handler.respondError(ginContext, sessionErr)
		return
	}

	entries, listErr := handler.whitelist.ListWhitelist(ginContext.Request.Context(), session.UserID, ginContext.Query(whitelistTargetQuery))
	if listErr != nil {
		handler.logger.Error(logMessageStoreFailure, zap.Error(listErr))
		handler.respondError(ginContext, listErr)
		return
	}
	if entries == nil {
		entries = []store.WhitelistEntry{}
	}
	respondData(ginContext, entries)
}

func (handler apiHandler) toggleWhitelist(ginContext *gin.Context) {
	session, sessionErr := handler.requireSession(ginContext)
	if sessionErr != nil {
		handler.respondError(ginContext, sessionErr)
		return
	}

	var body struct {
		Target string `json:"target"`
		Login  string `json:"login"`
	}
	if bindErr := ginContext.ShouldBindJSON(&body); bindErr != nil || body.Target == "" || body.Login == "" {
		handler.respondError(ginContext, &apperr.ValidationError{Message: errMessageTargetRequired})
		return
	}

	requestContext := ginContext.Request.Context()
	if capErr := handler.enforceWhitelistCap(requestContext, session, body.Target, body.Login); capErr != nil {
		handler.respondError(ginContext, capErr)
		return
	}

	whitelisted, toggleErr := handler.whitelist.ToggleWhitelist(requestContext, session.UserID, body.Target, body.Login)
	if toggleErr != nil {
		handler.logger.Error(logMessageStoreFailure, zap.Error(toggleErr))
		handler.respondError(ginContext, toggleErr)
		return
	}
	respondData(ginContext, gin.H{whitelistedResponseKey: whitelisted})
}

// enforceWhitelistCap rejects an addition that would push the target's
// whitelist past the plan limit. Removals always pass.
func (handler apiHandler) enforceWhitelistCap(ctx context.Context, session Session, target string, login string) error {
	entries, listErr := handler.whitelist.ListWhitelist(ctx, session.UserID, target)
	if listErr != nil {
		return listErr
	}
	for _, entry := range entries {
		if entry.Login == login {
			return nil
		}
	}
	limits := tier.LimitsFor(session.Plan)
	if !limits.AllowsWhitelistSize(len(entries) + 1) {
		return &apperr.PolicyError{Message: errMessageWhitelistCap}
	}
	return nil
}

func (handler apiHandler) pushSnapshot(ginContext *gin.Context) {
	handler.syncSnapshot(ginContext, true)
}

func (handler apiHandler) pullSnapshot(ginContext *gin.Context) {
	handler.syncSnapshot(ginContext, false)
}

func (handler apiHandler) syncSnapshot(ginContext *gin.Context, push bool) {
	session, sessionErr := handler.requireSession(ginContext)
	if sessionErr != nil {
		handler.respondError(ginContext, sessionErr)
		return
	}

	var body struct {
		Target string `json:"target"`
	}
	if bindErr := ginContext.ShouldBindJSON(&body); bindErr != nil || body.Target == "" {
		handler.respondError(ginContext, &apperr.ValidationError{Message: errMessageTargetRequired})
		return
	}

	requestContext := ginContext.Request.Context()
	var succeeded bool
	if push {
		succeeded = handler.syncer.Push(requestContext, session.UserID, body.Target)
	} else {
		succeeded = handler.syncer.Pull(requestContext, session.UserID, body.Target)
	}
	if !succeeded {
		ginContext.JSON(http.StatusBadGateway, gin.H{
			successResponseKey: false,
			errorResponseKey:   errMessageSyncFailed,
			codeResponseKey:    codeUnexpected,
		})
		return
	}
	respondData(ginContext, gin.H{syncedResponseKey: body.Target})
}

func (handler apiHandler) deleteUserData(ginContext *gin.Context) {
	session, sessionErr := handler.requireSession(ginContext)
	if sessionErr != nil {
		handler.respondError(ginContext, sessionErr)
		return
	}
	if deleteErr := handler.whitelist.DeleteUserData(ginContext.Request.Context(), session.UserID); deleteErr != nil {
		handler.logger.Error(logMessageStoreFailure, zap.Error(deleteErr))
		handler.respondError(ginContext, deleteErr)
		return
	}
	respondData(ginContext, gin.H{deletedResponseKey: true})
}

// listRequest builds the reconcile request for a read, attaching the
// caller's token and login when a session exists.
func (handler apiHandler) listRequest(ginContext *gin.Context, login string) reconcile.ListRequest {
	session, token := handler.callerIdentity(ginContext)
	return reconcile.ListRequest{
		Login:           login,
		Token:           token,
		ForceRefresh:    ginContext.Query(refreshQueryName) == refreshQueryEnabled,
		AuthenticatedAs: session.AccountLogin,
	}
}

// callerIdentity resolves the optional session and its linked token.
// Anonymous callers get an empty session and token.
func (handler apiHandler) callerIdentity(ginContext *gin.Context) (Session, string) {
	session, hasSession := handler.sessions.Session(ginContext.Request)
	if !hasSession {
		return Session{}, ""
	}
	token, hasToken := handler.credentials.UpstreamToken(ginContext.Request.Context(), session.UserID)
	if !hasToken {
		return session, ""
	}
	return session, token
}

func (handler apiHandler) requireSession(ginContext *gin.Context) (Session, error) {
	session, hasSession := handler.sessions.Session(ginContext.Request)
	if !hasSession {
		return Session{}, &apperr.AuthorizationError{Message: errMessageSessionRequired}
	}
	return session, nil
}

func (handler apiHandler) requireCredentials(ginContext *gin.Context) (Session, string, error) {
	session, sessionErr := handler.requireSession(ginContext)
	if sessionErr != nil {
		return Session{}, "", sessionErr
	}
	token, hasToken := handler.credentials.UpstreamToken(ginContext.Request.Context(), session.UserID)
	if !hasToken {
		return Session{}, "", &apperr.AuthorizationError{Message: errMessageTokenMissing}
	}
	return session, token, nil
}

func respondData(ginContext *gin.Context, data any) {
	ginContext.JSON(http.StatusOK, gin.H{successResponseKey: true, dataResponseKey: data})
}

// respondError maps the error taxonomy onto a stable (message, code, status)
// triple. Unrecognized errors surface generically.
func (handler apiHandler) respondError(ginContext *gin.Context, requestErr error) {
	message, code, status := classifyError(requestErr)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(logMessageRequestFailed,
			zap.String(logFieldRoute, ginContext.FullPath()),
			zap.Error(requestErr))
	}
	ginContext.JSON(status, gin.H{
		successResponseKey: false,
		errorResponseKey:   message,
		codeResponseKey:    code,
	})
}

func classifyError(requestErr error) (string, string, int) {
	var validationErr *apperr.ValidationError
	if errors.As(requestErr, &validationErr) {
		return validationErr.Message, apperr.CodeInvalidInput, http.StatusBadRequest
	}
	var authorizationErr *apperr.AuthorizationError
	if errors.As(requestErr, &authorizationErr) {
		return authorizationErr.Message, apperr.CodeUnauthorized, http.StatusUnauthorized
	}
	var policyErr *apperr.PolicyError
	if errors.As(requestErr, &policyErr) {
		return policyErr.Message, apperr.CodePolicyViolation, http.StatusForbidden
	}
	var apiErr *githubapi.APIError
	if errors.As(requestErr, &apiErr) {
		status := apiErr.StatusCode
		if status == 0 {
			status = defaultUpstreamErrorStatus
		}
		return apiErr.Message, apiErr.Code, status
	}
	return errMessageUnexpected, codeUnexpected, http.StatusInternalServerError
}
