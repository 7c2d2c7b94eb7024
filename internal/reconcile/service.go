// Package reconcile orchestrates the TTL cache and the upstream API client
// to produce consistent profile stats and fully paginated relationship
// lists. Upstream errors propagate untranslated so callers can distinguish
// not-found from rate-limit from network failure.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gitstuff/gitstuff/internal/apperr"
	"github.com/gitstuff/gitstuff/internal/cache"
	"github.com/gitstuff/gitstuff/internal/githubapi"
)

const (
	statsCacheKeyFormat     = "stats:%s"
	followersCacheKeyFormat = "followers-list:%s"
	followingCacheKeyFormat = "following-list:%s"

	errMessageLoginRequired = "a GitHub username is required"

	logMessageSelfEndpoint  = "using authenticated self endpoint"
	logMessageListPaginated = "relationship list paginated"
	logFieldLogin          = "login"
	logFieldRelation       = "relation"
	logFieldPageCount      = "pages"

	defaultFreshnessTTL = 5 * time.Minute

	// maxListPages caps pagination at 50 pages (5,000 accounts) so one
	// pathological target cannot exhaust the caller's rate budget.
	maxListPages = 50
)

// UserStats is a point-in-time profile read, tagged with whether it was
// served from cache.
type UserStats struct {
	Login       string    `json:"login"`
	Name        string    `json:"name"`
	Bio         string    `json:"bio"`
	AvatarURL   string    `json:"avatarUrl"`
	ProfileURL  string    `json:"profileUrl"`
	Followers   int       `json:"followers"`
	Following   int       `json:"following"`
	PublicRepos int       `json:"publicRepoCount"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Cached      bool      `json:"cached"`
}

// RelationshipSnapshot pairs the fully paginated follower and following
// lists for one target.
type RelationshipSnapshot struct {
	Followers []githubapi.AccountSummary
	Following []githubapi.AccountSummary
}

// RelationshipFetcher is the upstream surface the service consumes.
type RelationshipFetcher interface {
	FetchProfile(ctx context.Context, login string, token string) (githubapi.Profile, error)
	FetchNeighbors(ctx context.Context, login string, relation githubapi.Relation, page int, token string) ([]githubapi.AccountSummary, error)
	FetchSelfNeighbors(ctx context.Context, relation githubapi.Relation, page int, token string) ([]githubapi.AccountSummary, error)
}

// ListRequest describes one relationship-list read.
type ListRequest struct {
	Login           string
	Token           string
	ForceRefresh    bool
	AuthenticatedAs string
}

// Config customizes a Service instance.
type Config struct {
	Fetcher  RelationshipFetcher
	Cache    *cache.Store
	StatsTTL time.Duration
	ListTTL  time.Duration
	MaxPages int
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the snapshot and reconciliation engine.
type Service struct {
	fetcher  RelationshipFetcher
	cache    *cache.Store
	statsTTL time.Duration
	listTTL  time.Duration
	maxPages int
	now      func() time.Time
	logger   *zap.Logger
}

// NewService constructs a Service, filling zero-valued configuration with
// defaults.
func NewService(configuration Config) *Service {
	cacheStore := configuration.Cache
	if cacheStore == nil {
		cacheStore = cache.NewStore()
	}
	statsTTL := configuration.StatsTTL
	if statsTTL <= 0 {
		statsTTL = defaultFreshnessTTL
	}
	listTTL := configuration.ListTTL
	if listTTL <= 0 {
		listTTL = defaultFreshnessTTL
	}
	maxPages := configuration.MaxPages
	if maxPages <= 0 {
		maxPages = maxListPages
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		fetcher:  configuration.Fetcher,
		cache:    cacheStore,
		statsTTL: statsTTL,
		listTTL:  listTTL,
		maxPages: maxPages,
		now:      clock,
		logger:   logger,
	}
}

// GetProfileStats returns the target's profile stats, cache-first unless
// forceRefresh is set. Fresh fetches are re-cached under the stats key and
// tagged Cached=false; hits are tagged Cached=true.
func (service *Service) GetProfileStats(ctx context.Context, login string, forceRefresh bool, token string) (UserStats, error) {
	trimmedLogin := strings.TrimSpace(login)
	if trimmedLogin == "" {
		return UserStats{}, &apperr.ValidationError{Message: errMessageLoginRequired}
	}

	cacheKey := fmt.Sprintf(statsCacheKeyFormat, trimmedLogin)
	if !forceRefresh {
		if cachedValue, exists := service.cache.Get(cacheKey); exists {
			if cachedStats, ok := cachedValue.(UserStats); ok {
				cachedStats.Cached = true
				return cachedStats, nil
			}
		}
	}

	profile, fetchErr := service.fetcher.FetchProfile(ctx, trimmedLogin, token)
	if fetchErr != nil {
		return UserStats{}, fetchErr
	}

	stats := UserStats{
		Login:       profile.Login,
		Name:        profile.Name,
		Bio:         profile.Bio,
		AvatarURL:   profile.AvatarURL,
		ProfileURL:  profile.ProfileURL,
		Followers:   profile.Followers,
		Following:   profile.Following,
		PublicRepos: profile.PublicRepos,
		FetchedAt:   service.now(),
		Cached:      false,
	}
	service.cache.Set(cacheKey, stats, service.statsTTL)
	return stats, nil
}

// GetFollowers returns the target's complete follower list.
func (service *Service) GetFollowers(ctx context.Context, request ListRequest) ([]githubapi.AccountSummary, error) {
	return service.getList(ctx, request, githubapi.RelationFollowers)
}

// GetFollowing returns the target's complete following list.
func (service *Service) GetFollowing(ctx context.Context, request ListRequest) ([]githubapi.AccountSummary, error) {
	return service.getList(ctx, request, githubapi.RelationFollowing)
}

// GetRelationshipSnapshot fetches both lists concurrently. Page order within
// each list stays strictly sequential.
func (service *Service) GetRelationshipSnapshot(ctx context.Context, request ListRequest) (RelationshipSnapshot, error) {
	var snapshot RelationshipSnapshot
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		followers, followersErr := service.GetFollowers(groupCtx, request)
		if followersErr != nil {
			return followersErr
		}
		snapshot.Followers = followers
		return nil
	})
	group.Go(func() error {
		following, followingErr := service.GetFollowing(groupCtx, request)
		if followingErr != nil {
			return followingErr
		}
		snapshot.Following = following
		return nil
	})
	if groupErr := group.Wait(); groupErr != nil {
		return RelationshipSnapshot{}, groupErr
	}
	return snapshot, nil
}

// InvalidateLists drops both cached relationship lists for the login. Called
// after confirmed mutations, since upstream read-after-write lag would
// otherwise resurface removed accounts from a stale cache entry.
func (service *Service) InvalidateLists(login string) {
	trimmedLogin := strings.TrimSpace(login)
	if trimmedLogin == "" {
		return
	}
	service.cache.Clear(listCacheKey(githubapi.RelationFollowers, trimmedLogin))
	service.cache.Clear(listCacheKey(githubapi.RelationFollowing, trimmedLogin))
}

func (service *Service) getList(ctx context.Context, request ListRequest, relation githubapi.Relation) ([]githubapi.AccountSummary, error) {
	trimmedLogin := strings.TrimSpace(request.Login)
	if trimmedLogin == "" {
		return nil, &apperr.ValidationError{Message: errMessageLoginRequired}
	}

	cacheKey := listCacheKey(relation, trimmedLogin)
	if !request.ForceRefresh {
		if cachedValue, exists := service.cache.Get(cacheKey); exists {
			if cachedList, ok := cachedValue.([]githubapi.AccountSummary); ok {
				return cachedList, nil
			}
		}
	}

	completeList, paginateErr := service.paginate(ctx, trimmedLogin, relation, request)
	if paginateErr != nil {
		return nil, paginateErr
	}

	// The complete list is cached atomically under one key, never per page.
	service.cache.Set(cacheKey, completeList, service.listTTL)
	return completeList, nil
}

// paginate walks pages in strict increasing order until a short page marks
// the end of data or the safety cap is hit.
func (service *Service) paginate(ctx context.Context, login string, relation githubapi.Relation, request ListRequest) ([]githubapi.AccountSummary, error) {
	useSelfEndpoint := request.AuthenticatedAs != "" &&
		strings.EqualFold(request.AuthenticatedAs, login) &&
		strings.TrimSpace(request.Token) != ""
	if useSelfEndpoint {
		service.logger.Debug(logMessageSelfEndpoint,
			zap.String(logFieldLogin, login),
			zap.String(logFieldRelation, string(relation)))
	}

	var completeList []githubapi.AccountSummary
	pageCount := 0
	for page := 1; page <= service.maxPages; page++ {
		var (
			pageSummaries []githubapi.AccountSummary
			fetchErr      error
		)
		if useSelfEndpoint {
			pageSummaries, fetchErr = service.fetcher.FetchSelfNeighbors(ctx, relation, page, request.Token)
		} else {
			pageSummaries, fetchErr = service.fetcher.FetchNeighbors(ctx, login, relation, page, request.Token)
		}
		if fetchErr != nil {
			return nil, fetchErr
		}

		completeList = append(completeList, pageSummaries...)
		pageCount++
		if len(pageSummaries) < githubapi.PageSize {
			break
		}
	}

	service.logger.Debug(logMessageListPaginated,
		zap.String(logFieldLogin, login),
		zap.String(logFieldRelation, string(relation)),
		zap.Int(logFieldPageCount, pageCount))
	return completeList, nil
}

func listCacheKey(relation githubapi.Relation, login string) string {
	if relation == githubapi.RelationFollowing {
		return fmt.Sprintf(followingCacheKeyFormat, login)
	}
	return fmt.Sprintf(followersCacheKeyFormat, login)
}
