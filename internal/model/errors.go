package model

import "errors"

var (
	ErrInsufficientSampleSize     = errors.New("insufficient sample size")
	ErrInconsistentAggregateScore = errors.New("inconsistent aggregate score")
	ErrAlertNotEligible           = errors.New("alert not found or already in terminal state")
	ErrAlertNotFound              = errors.New("alert not found")
	ErrThresholdConfigInvalid     = errors.New("threshold config invalid")
	ErrPersistenceUnavailable     = errors.New("persistence unavailable")
	ErrMissingRecommendedAction   = errors.New("high and critical bias requires a recommended action")
)
