package domain

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidStatus        = errors.New("invalid_subscription_status")
	ErrInvalidTransition    = errors.New("invalid_status_transition")
	ErrInvalidUserID        = errors.New("invalid_user_id")
	ErrNoGatewayIdentifier  = errors.New("no_gateway_identifier")
	ErrSyncInProgress       = errors.New("sync_already_in_progress")
)
