package push

import (
	"context"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"
)

// FCMSender delivers notifications through Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initializes the Firebase app from a service-account key file
// and obtains its messaging client.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, err
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, err
	}
	return &FCMSender{client: client}, nil
}

// SendMulticast sends one message to every token. One undeliverable token
// never blocks the rest of the batch; each token gets its own result.
func (s *FCMSender) SendMulticast(ctx context.Context, tokens []string, msg Message) ([]SendResult, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	resp, err := s.client.SendMulticast(ctx, &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{Tag: msg.Tag},
		},
	})
	if err != nil {
		return nil, err
	}
	results := make([]SendResult, len(resp.Responses))
	for i, r := range resp.Responses {
		results[i] = SendResult{
			Token:        tokens[i],
			Err:          r.Error,
			Unregistered: r.Error != nil && messaging.IsRegistrationTokenNotRegistered(r.Error),
		}
	}
	return results, nil
}
