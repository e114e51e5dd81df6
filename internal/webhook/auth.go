package webhook

import (
	"encoding/base64"
	"net/http"

	"github.com/whatsgate/gateway/internal/config"
)

// applyAuth sets the Authorization header per the configured webhook
// auth type, leaving the header unset for any other value.
func applyAuth(req *http.Request, cfg config.WebhookConfig) {
	switch cfg.AuthType {
	case config.WebhookAuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.User + ":" + cfg.Password))
		req.Header.Set("Authorization", "Basic "+creds)
	case config.WebhookAuthToken:
		req.Header.Set("Authorization", "Token "+cfg.Token)
	case config.WebhookAuthBearer:
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
}
