package client

import "context"

// NotificationGateway is the contract with the external messaging platform.
// The gateway only delivers messages and manages contacts; it holds no
// authority over eligibility or governance, and its failures never roll
// back internal state.
type NotificationGateway interface {
	// SendBroadcast sends a templated broadcast to the given contact groups.
	SendBroadcast(ctx context.Context, groupIDs []string, templateID string, params map[string]string, headerMediaURL string) error
	// UpsertContact creates or updates a contact and returns its gateway id.
	UpsertContact(ctx context.Context, phone, name, email string, custom map[string]string) (string, error)
	// CreateContactGroup creates a contact group and returns its id.
	CreateContactGroup(ctx context.Context, name, description string) (string, error)
	// AddContactsToGroup adds contacts to an existing group.
	AddContactsToGroup(ctx context.Context, groupID string, contactIDs []string) error
	// SendDirectMessage sends a plain message to a single phone number.
	SendDirectMessage(ctx context.Context, phone, body string) error
	// SendOTP delivers a one-time code to a phone number.
	SendOTP(ctx context.Context, phone, code string) error
}
