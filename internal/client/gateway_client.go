package client

import (
	"context"
	"time"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/httpclient"
)

// GatewayClient is the HTTP implementation of NotificationGateway.
type GatewayClient struct {
	client      *httpclient.Client
	countryCode string
}

// GatewayConfig configures the gateway client.
type GatewayConfig struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	CountryCode string
	CallTimeout time.Duration
}

// NewGatewayClient creates a gateway client. Every call is bounded by the
// configured timeout so the gateway can never block an internal transition.
func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayClient{
		client: httpclient.NewClient(cfg.BaseURL,
			httpclient.WithHeader("X-Api-Key", cfg.APIKey),
			httpclient.WithHeader("X-Org-Id", cfg.OrgID),
			httpclient.WithTimeout(timeout),
		),
		countryCode: cfg.CountryCode,
	}
}

type sendBroadcastRequest struct {
	GroupIDs       []string          `json:"group_ids"`
	TemplateID     string            `json:"template_id"`
	BodyParameters map[string]string `json:"body_parameters,omitempty"`
	HeaderMediaURL string            `json:"header_media_url,omitempty"`
}

// SendBroadcast sends a templated broadcast to the given contact groups.
func (c *GatewayClient) SendBroadcast(ctx context.Context, groupIDs []string, templateID string, params map[string]string, headerMediaURL string) error {
	req := sendBroadcastRequest{
		GroupIDs:       groupIDs,
		TemplateID:     templateID,
		BodyParameters: params,
		HeaderMediaURL: headerMediaURL,
	}
	if err := c.client.Post(ctx, "/api/v1/broadcasts", req, nil); err != nil {
		return apperr.Gateway(err, "sendBroadcast")
	}
	return nil
}

type upsertContactRequest struct {
	Phone        string            `json:"phone"`
	Name         string            `json:"name"`
	Email        string            `json:"email,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

type upsertContactResponse struct {
	ContactID string `json:"contact_id"`
}

// UpsertContact creates or updates a contact and returns its gateway id.
func (c *GatewayClient) UpsertContact(ctx context.Context, phone, name, email string, custom map[string]string) (string, error) {
	req := upsertContactRequest{
		Phone:        NormalizePhone(phone, c.countryCode),
		Name:         name,
		Email:        email,
		CustomFields: custom,
	}
	var resp upsertContactResponse
	if err := c.client.Post(ctx, "/api/v1/contacts", req, &resp); err != nil {
		return "", apperr.Gateway(err, "upsertContact")
	}
	return resp.ContactID, nil
}

type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type createGroupResponse struct {
	GroupID string `json:"group_id"`
}

// CreateContactGroup creates a contact group and returns its id.
func (c *GatewayClient) CreateContactGroup(ctx context.Context, name, description string) (string, error) {
	var resp createGroupResponse
	if err := c.client.Post(ctx, "/api/v1/contact-groups", createGroupRequest{Name: name, Description: description}, &resp); err != nil {
		return "", apperr.Gateway(err, "createContactGroup")
	}
	return resp.GroupID, nil
}

type addToGroupRequest struct {
	ContactIDs []string `json:"contact_ids"`
}

// AddContactsToGroup adds contacts to an existing group.
func (c *GatewayClient) AddContactsToGroup(ctx context.Context, groupID string, contactIDs []string) error {
	if err := c.client.Post(ctx, "/api/v1/contact-groups/"+groupID+"/contacts", addToGroupRequest{ContactIDs: contactIDs}, nil); err != nil {
		return apperr.Gateway(err, "addContactsToGroup")
	}
	return nil
}

type directMessageRequest struct {
	Phone string `json:"phone"`
	Body  string `json:"body"`
}

// SendDirectMessage sends a plain message to a single phone number.
func (c *GatewayClient) SendDirectMessage(ctx context.Context, phone, body string) error {
	req := directMessageRequest{Phone: NormalizePhone(phone, c.countryCode), Body: body}
	if err := c.client.Post(ctx, "/api/v1/messages", req, nil); err != nil {
		return apperr.Gateway(err, "sendDirectMessage")
	}
	return nil
}

type otpRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

// SendOTP delivers a one-time code to a phone number.
func (c *GatewayClient) SendOTP(ctx context.Context, phone, code string) error {
	req := otpRequest{Phone: NormalizePhone(phone, c.countryCode), Code: code}
	if err := c.client.Post(ctx, "/api/v1/otp", req, nil); err != nil {
		return apperr.Gateway(err, "sendOTP")
	}
	return nil
}
