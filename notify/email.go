package notify

import (
	"context"
	"fmt"

	"loss-prevention-pipeline/config"
	"loss-prevention-pipeline/models"

	"github.com/apex/log"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailChannel delivers incident alerts through SendGrid.
type EmailChannel struct {
	config *config.Config
	client *sendgrid.Client
}

// NewEmailChannel creates a new email channel
func NewEmailChannel(cfg *config.Config) *EmailChannel {
	return &EmailChannel{
		config: cfg,
		client: sendgrid.NewSendClient(cfg.SendGridAPIKey),
	}
}

// Send emails one incident alert to one recipient.
func (c *EmailChannel) Send(ctx context.Context, recipient models.Subscriber, incident *models.Incident) error {
	if recipient.Email == "" {
		return fmt.Errorf("subscriber %s has no email address", recipient.RecipientID)
	}

	from := mail.NewEmail(c.config.SendGridFromName, c.config.SendGridFromEmail)
	to := mail.NewEmail(recipient.RecipientID, recipient.Email)
	subject := fmt.Sprintf("Loss prevention incident %s at store %s", incident.Code, incident.StoreID)

	message := mail.NewV3Mail()
	message.SetFrom(from)
	message.Subject = subject

	p := mail.NewPersonalization()
	p.AddTos(to)
	message.AddPersonalizations(p)

	message.AddContent(mail.NewContent("text/plain", c.emailText(incident)))
	message.AddContent(mail.NewContent("text/html", c.emailHTML(incident)))

	response, err := c.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d", response.StatusCode)
	}

	log.Infof("Alert email for incident %s sent to %s (status %d)", incident.Code, recipient.Email, response.StatusCode)
	return nil
}

func (c *EmailChannel) emailText(incident *models.Incident) string {
	return fmt.Sprintf(
		"Incident %s (%s)\nStore: %s\nObserved: %s\nEstimated value: %s\n\nPlease review in the incident dashboard.",
		incident.Code, incident.Type, incident.StoreID,
		incident.OccurredAt.Format("2006-01-02 15:04:05"),
		incident.EstimatedValue.StringFixed(2))
}

func (c *EmailChannel) emailHTML(incident *models.Incident) string {
	return fmt.Sprintf(
		`<h2>Incident %s</h2><p><b>Type:</b> %s<br/><b>Store:</b> %s<br/><b>Observed:</b> %s<br/><b>Estimated value:</b> %s</p><p>Please review in the incident dashboard.</p>`,
		incident.Code, incident.Type, incident.StoreID,
		incident.OccurredAt.Format("2006-01-02 15:04:05"),
		incident.EstimatedValue.StringFixed(2))
}
