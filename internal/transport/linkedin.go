package transport

import (
	"context"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/pkg/linkedin"
)

// LinkedInConnection sends connection requests with the rendered body as note.
type LinkedInConnection struct {
	client    linkedin.Client
	accountID string
}

// NewLinkedInConnection creates a connection-request sender for one seat.
func NewLinkedInConnection(client linkedin.Client, accountID string) *LinkedInConnection {
	return &LinkedInConnection{client: client, accountID: accountID}
}

func (l *LinkedInConnection) Send(ctx context.Context, msg Rendered, to model.Contact) (string, error) {
	if to.LinkedInURL == "" {
		return "", ErrNoAddress
	}
	resp, err := l.client.SendConnection(ctx, linkedin.ConnectionRequest{
		AccountID: l.accountID, ProfileURL: to.LinkedInURL, Note: msg.Body,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// LinkedInDM sends direct messages.
type LinkedInDM struct {
	client    linkedin.Client
	accountID string
}

// NewLinkedInDM creates a direct-message sender for one seat.
func NewLinkedInDM(client linkedin.Client, accountID string) *LinkedInDM {
	return &LinkedInDM{client: client, accountID: accountID}
}

func (l *LinkedInDM) Send(ctx context.Context, msg Rendered, to model.Contact) (string, error) {
	if to.LinkedInURL == "" {
		return "", ErrNoAddress
	}
	resp, err := l.client.SendMessage(ctx, linkedin.MessageRequest{
		AccountID: l.accountID, ProfileURL: to.LinkedInURL, Body: msg.Body,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}
