package enums

// WebhookProvider identifies the sender of an inbound webhook.
type WebhookProvider string

const (
	WebhookProviderStripe   WebhookProvider = "stripe"
	WebhookProviderTraining WebhookProvider = "training"
)

func (p WebhookProvider) String() string {
	return string(p)
}

func (p WebhookProvider) IsValid() bool {
	return p == WebhookProviderStripe || p == WebhookProviderTraining
}
