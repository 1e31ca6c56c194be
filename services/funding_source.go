package services

import (
	"context"
	"log"
)

// FundingSource pulls task funding from the creator on the local chain before
// the task is recorded. It is the counterpart of Treasury: Treasury pays value
// out, FundingSource collects it in.
type FundingSource interface {
	Pull(ctx context.Context, from string, amount int64, token string) error
}

// LogFundingSource records pulls without moving real value. It stands in for a
// chain wallet in development and tests.
type LogFundingSource struct{}

// Pull implements FundingSource.
func (LogFundingSource) Pull(ctx context.Context, from string, amount int64, token string) error {
	log.Printf("funding: pull %d token=%q from %s", amount, token, from)
	return nil
}
