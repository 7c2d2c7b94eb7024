// Package sweeper applies tier limits and the protected-accounts check
// before issuing batched unfollow mutations against the upstream API.
// Preconditions are batch-atomic; the mutation phase is best-effort, with
// partial failure reported as a tally rather than an error.
package sweeper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gitstuff/gitstuff/internal/apperr"
	"github.com/gitstuff/gitstuff/internal/githubapi"
	"github.com/gitstuff/gitstuff/internal/tier"
	"github.com/gitstuff/gitstuff/internal/tracker"
)

const (
	errMessageTokenRequired     = "a linked GitHub token is required"
	errMessageTargetsRequired   = "at least one target is required"
	errMessageTierLimitFormat   = "free tier is limited to %d accounts per sweep; upgrade to sweep more at once"
	errMessageProtectedFormat   = "cannot sweep protected accounts: %s; remove them from the whitelist first"
	protectedLoginsSeparator    = ", "
	logMessageUnfollowFailed    = "unfollow mutation failed"
	logMessageSweepCompleted    = "sweep completed"
	logFieldLogin               = "login"
	logFieldTarget              = "target"
	logFieldSuccessfulMutations = "successful"
	logFieldFailedMutations     = "failed"
)

// MutationState tracks one target account through the sweep state machine.
type MutationState string

const (
	// StatePending marks a mutation that has been issued but not resolved.
	StatePending MutationState = "pending"
	// StateSucceeded marks a confirmed unfollow.
	StateSucceeded MutationState = "succeeded"
	// StateFailed marks a rejected unfollow.
	StateFailed MutationState = "failed"
)

// Unfollower is the upstream mutation surface the gate consumes.
type Unfollower interface {
	Unfollow(ctx context.Context, login string, token string) error
}

// WhitelistStore answers which of the given logins the user has protected.
type WhitelistStore interface {
	ProtectedAmong(ctx context.Context, userID string, logins []string) ([]string, error)
}

// ListInvalidator drops cached relationship lists after confirmed mutations,
// since upstream read-after-write is not immediately consistent and a
// re-fetch would resurface the swept accounts.
type ListInvalidator interface {
	InvalidateLists(login string)
}

// SweepRequest describes one gated bulk unfollow.
type SweepRequest struct {
	UserID  string
	Target  string
	Targets []string
	Token   string
	Plan    tier.Plan
}

// SweepResult tallies the mutation phase of a sweep.
type SweepResult struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Config customizes a Gate instance.
type Config struct {
	Client      Unfollower
	Whitelist   WhitelistStore
	Ledger      *tracker.Ledger
	Invalidator ListInvalidator
	Logger      *zap.Logger
}

// Gate enforces the sweep preconditions and tracks per-account mutation
// state so callers can suppress mid-mutation accounts without re-fetching.
type Gate struct {
	client      Unfollower
	whitelist   WhitelistStore
	ledger      *tracker.Ledger
	invalidator ListInvalidator
	logger      *zap.Logger

	mutex  sync.Mutex
	states map[string]MutationState
}

// NewGate constructs a Gate from configuration values.
func NewGate(configuration Config) *Gate {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		client:      configuration.Client,
		whitelist:   configuration.Whitelist,
		ledger:      configuration.Ledger,
		invalidator: configuration.Invalidator,
		logger:      logger,
		states:      make(map[string]MutationState),
	}
}

// MutationStateFor reports the login's position in the sweep state machine.
// Absent logins are idle.
func (gate *Gate) MutationStateFor(login string) (MutationState, bool) {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	state, exists := gate.states[login]
	return state, exists
}

// Unfollow issues a single unfollow mutation. On confirmed success the
// account is removed optimistically from the local ledger and cached lists.
func (gate *Gate) Unfollow(ctx context.Context, request SweepRequest) error {
	if strings.TrimSpace(request.Token) == "" {
		return &apperr.AuthorizationError{Message: errMessageTokenRequired}
	}
	if len(request.Targets) != 1 || strings.TrimSpace(request.Targets[0]) == "" {
		return &apperr.ValidationError{Message: errMessageTargetsRequired}
	}

	login := request.Targets[0]
	gate.setState(login, StatePending)
	if unfollowErr := gate.client.Unfollow(ctx, login, request.Token); unfollowErr != nil {
		gate.setState(login, StateFailed)
		gate.logger.Warn(logMessageUnfollowFailed, zap.String(logFieldLogin, login), zap.Error(unfollowErr))
		return unfollowErr
	}
	gate.setState(login, StateSucceeded)
	gate.removeLocally(request.Target, []string{login})
	return nil
}

// Sweep applies the precondition gates in order, then fans the unfollow
// mutations out concurrently. One mutation failing does not cancel the
// others; the tally is the result and no retry is attempted.
func (gate *Gate) Sweep(ctx context.Context, request SweepRequest) (SweepResult, error) {
	if strings.TrimSpace(request.Token) == "" {
		return SweepResult{}, &apperr.AuthorizationError{Message: errMessageTokenRequired}
	}
	if len(request.Targets) == 0 {
		return SweepResult{}, &apperr.ValidationError{Message: errMessageTargetsRequired}
	}

	limits := tier.LimitsFor(request.Plan)
	if !limits.AllowsSweep(len(request.Targets)) {
		return SweepResult{}, &apperr.PolicyError{
			Message: fmt.Sprintf(errMessageTierLimitFormat, limits.MaxSweepCount),
		}
	}

	protectedLogins, whitelistErr := gate.whitelist.ProtectedAmong(ctx, request.UserID, request.Targets)
	if whitelistErr != nil {
		return SweepResult{}, whitelistErr
	}
	if len(protectedLogins) > 0 {
		return SweepResult{}, &apperr.PolicyError{
			Message: fmt.Sprintf(errMessageProtectedFormat, strings.Join(protectedLogins, protectedLoginsSeparator)),
			Logins:  protectedLogins,
		}
	}

	for _, login := range request.Targets {
		gate.setState(login, StatePending)
	}

	var (
		resultsMutex sync.Mutex
		successful   []string
		failed       int
		group        errgroup.Group
	)
	for _, login := range request.Targets {
		login := login
		group.Go(func() error {
			unfollowErr := gate.client.Unfollow(ctx, login, request.Token)
			resultsMutex.Lock()
			if unfollowErr != nil {
				failed++
			} else {
				successful = append(successful, login)
			}
			resultsMutex.Unlock()
			if unfollowErr != nil {
				gate.setState(login, StateFailed)
				gate.logger.Warn(logMessageUnfollowFailed, zap.String(logFieldLogin, login), zap.Error(unfollowErr))
			} else {
				gate.setState(login, StateSucceeded)
			}
			return nil
		})
	}
	_ = group.Wait()

	gate.removeLocally(request.Target, successful)

	result := SweepResult{
		Successful: len(successful),
		Failed:     failed,
		Total:      len(request.Targets),
	}
	gate.logger.Info(logMessageSweepCompleted,
		zap.String(logFieldTarget, request.Target),
		zap.Int(logFieldSuccessfulMutations, result.Successful),
		zap.Int(logFieldFailedMutations, result.Failed))
	return result, nil
}

// removeLocally drops confirmed unfollows from the ledger and cached lists.
// Upstream mutation effects are not immediately visible to reads, so the
// local copies are trimmed instead of re-fetched.
func (gate *Gate) removeLocally(target string, logins []string) {
	if len(logins) == 0 || target == "" {
		return
	}
	if gate.ledger != nil {
		gate.ledger.Forget(target, githubapi.RelationFollowing, logins)
	}
	if gate.invalidator != nil {
		gate.invalidator.InvalidateLists(target)
	}
}

func (gate *Gate) setState(login string, state MutationState) {
	gate.mutex.Lock()
	gate.states[login] = state
	gate.mutex.Unlock()
}
