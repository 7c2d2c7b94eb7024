package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gitstuff/gitstuff/internal/githubapi"
	"github.com/gitstuff/gitstuff/internal/reconcile"
	"github.com/gitstuff/gitstuff/internal/tracker"
)

type ReportConfiguration struct {
	Login      string
	Token      string
	LedgerPath string
	BaseURL    string
	Ascending  bool
}

type ReportDependencies struct {
	FetchStats    func(ctx context.Context, login string, token string) (reconcile.UserStats, error)
	FetchSnapshot func(ctx context.Context, request reconcile.ListRequest) (reconcile.RelationshipSnapshot, error)
	OpenLedger    func(path string) *tracker.Ledger
	Stdout        io.Writer
	Stderr        io.Writer
}

type ReportApplication struct {
	dependencies ReportDependencies
}

func NewReportApplication() ReportApplication {
	return NewReportApplicationWithDependencies(ReportDependencies{})
}

func NewReportApplicationWithDependencies(dependencies ReportDependencies) ReportApplication {
	defaultDependencies := newDefaultReportDependencies()

	if dependencies.FetchStats == nil {
		dependencies.FetchStats = defaultDependencies.FetchStats
	}
	if dependencies.FetchSnapshot == nil {
		dependencies.FetchSnapshot = defaultDependencies.FetchSnapshot
	}
	if dependencies.OpenLedger == nil {
		dependencies.OpenLedger = defaultDependencies.OpenLedger
	}
	if dependencies.Stdout == nil {
		dependencies.Stdout = defaultDependencies.Stdout
	}
	if dependencies.Stderr == nil {
		dependencies.Stderr = defaultDependencies.Stderr
	}

	return ReportApplication{dependencies: dependencies}
}

// Run fetches the target's profile stats and both relationship lists, feeds
// the lists through the first-seen ledger, and prints the follower report.
func (application ReportApplication) Run(executionContext context.Context, configuration ReportConfiguration) error {
	stats, statsError := application.dependencies.FetchStats(executionContext, configuration.Login, configuration.Token)
	if statsError != nil {
		return fmt.Errorf(statsErrorFormat, configuration.Login, statsError)
	}

	snapshot, snapshotError := application.dependencies.FetchSnapshot(executionContext, reconcile.ListRequest{
		Login: configuration.Login,
		Token: configuration.Token,
	})
	if snapshotError != nil {
		return fmt.Errorf(snapshotErrorFormat, configuration.Login, snapshotError)
	}

	ledger := application.dependencies.OpenLedger(configuration.LedgerPath)
	lostFollowers := ledger.Lost(configuration.Login, githubapi.RelationFollowers, snapshot.Followers)
	observedFollowers := ledger.RecordObservation(configuration.Login, githubapi.RelationFollowers, snapshot.Followers)
	observedFollowing := ledger.RecordObservation(configuration.Login, githubapi.RelationFollowing, snapshot.Following)

	newFollowers := tracker.NewAccounts(observedFollowers)
	nonReciprocal := tracker.NonReciprocalFollowing(observedFollowers, observedFollowing)
	tracker.SortByFirstSeen(newFollowers, configuration.Ascending)
	tracker.SortByFirstSeen(nonReciprocal, configuration.Ascending)

	stdout := application.dependencies.Stdout
	fmt.Fprintf(stdout, headerFormat, stats.Login, stats.Followers, stats.Following, stats.PublicRepos)

	fmt.Fprintf(stdout, sectionNewFollowersFormat, len(newFollowers))
	for _, account := range newFollowers {
		fmt.Fprintf(stdout, accountLineFormat, account.Login, account.FirstSeenAt.Format(timestampLayout))
	}

	fmt.Fprintf(stdout, sectionLostFollowersFormat, len(lostFollowers))
	for _, account := range lostFollowers {
		fmt.Fprintf(stdout, accountLineFormat, account.Login, account.FirstSeenAt.Format(timestampLayout))
	}

	fmt.Fprintf(stdout, sectionNonReciprocalFormat, len(nonReciprocal))
	for _, account := range nonReciprocal {
		fmt.Fprintf(stdout, accountLineFormat, account.Login, account.FirstSeenAt.Format(timestampLayout))
	}

	return nil
}

func newDefaultReportDependencies() ReportDependencies {
	return ReportDependencies{
		FetchStats: func(ctx context.Context, login string, token string) (reconcile.UserStats, error) {
			service, serviceError := newReportService()
			if serviceError != nil {
				return reconcile.UserStats{}, serviceError
			}
			return service.GetProfileStats(ctx, login, true, token)
		},
		FetchSnapshot: func(ctx context.Context, request reconcile.ListRequest) (reconcile.RelationshipSnapshot, error) {
			service, serviceError := newReportService()
			if serviceError != nil {
				return reconcile.RelationshipSnapshot{}, serviceError
			}
			request.ForceRefresh = true
			return service.GetRelationshipSnapshot(ctx, request)
		},
		OpenLedger: func(path string) *tracker.Ledger {
			return tracker.NewLedger(tracker.Config{FilePath: path})
		},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// newReportService builds a one-shot reconcile service. The cache is fresh
// per invocation; a CLI run has no prior state worth serving.
func newReportService() (*reconcile.Service, error) {
	client, clientError := githubapi.NewClient(githubapi.Config{})
	if clientError != nil {
		return nil, clientError
	}
	return reconcile.NewService(reconcile.Config{Fetcher: client}), nil
}
