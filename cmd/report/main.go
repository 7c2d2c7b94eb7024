package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

const (
	flagLoginName              = "login"
	flagLoginDescription       = "GitHub login to report on"
	flagTokenName              = "token"
	flagTokenDescription       = "GitHub personal access token (optional, raises rate limits)"
	flagLedgerName             = "ledger"
	flagLedgerDescription      = "Path to the first-seen ledger JSON file"
	flagAscendingName          = "asc"
	flagAscendingDesc          = "Sort accounts oldest first"
	defaultLedgerFileName      = "gitstuff-ledger.json"
	missingLoginMessage        = "error: --login is required"
	statsErrorFormat           = "fetch stats for %s: %v"
	snapshotErrorFormat        = "fetch relationship lists for %s: %v"
	headerFormat               = "%s: %d followers, %d following, %d public repos\n"
	sectionNewFollowersFormat  = "\nNew followers (%d):\n"
	sectionLostFollowersFormat = "\nLost followers (%d):\n"
	sectionNonReciprocalFormat = "\nNot following back (%d):\n"
	accountLineFormat          = "  %s  first seen %s\n"
	timestampLayout            = "2006-01-02 15:04"
)

func main() {
	var login string
	var token string
	var ledgerPath string
	var ascending bool

	flag.StringVar(&login, flagLoginName, "", flagLoginDescription)
	flag.StringVar(&token, flagTokenName, "", flagTokenDescription)
	flag.StringVar(&ledgerPath, flagLedgerName, defaultLedgerFileName, flagLedgerDescription)
	flag.BoolVar(&ascending, flagAscendingName, false, flagAscendingDesc)
	flag.Parse()

	if login == "" {
		fmt.Fprintln(os.Stderr, missingLoginMessage)
		os.Exit(2)
	}

	application := NewReportApplication()
	runError := application.Run(context.Background(), ReportConfiguration{
		Login:      login,
		Token:      token,
		LedgerPath: ledgerPath,
		Ascending:  ascending,
	})
	if runError != nil {
		fmt.Fprintln(os.Stderr, runError)
		os.Exit(1)
	}
}
