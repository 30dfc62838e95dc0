package notification

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// messagingClient is the subset of *messaging.Client used here.
type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender pushes notices through Firebase Cloud Messaging.
type FCMSender struct {
	client messagingClient
}

// NewFCMSender initialises a Firebase app from a service-account file.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	if credentialsFile == "" {
		return nil, errors.New("firebase credentials file is required")
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) Push(ctx context.Context, deviceToken string, n Notice) error {
	msg := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Description,
		},
		Data: map[string]string{"kind": string(n.Kind)},
	}
	if _, err := s.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}
