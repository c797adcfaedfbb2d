package push

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"callsession-backend/pkg/config"
	"callsession-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider creates the push notification provider selected by cfg.Provider
func NewProvider(ctx context.Context, cfg config.PushConfig) (Provider, error) {
	providerType := ProviderType(cfg.Provider)

	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFCM:
		if cfg.FirebaseProject == "" {
			return nil, fmt.Errorf("FIREBASE_PROJECT_ID is required for the fcm provider")
		}
		fcm := &FCMConfig{ProjectID: cfg.FirebaseProject}
		// FIREBASE_CREDENTIALS holds either the service account JSON or a path to it
		if strings.HasPrefix(strings.TrimSpace(cfg.FirebaseCreds), "{") {
			fcm.CredentialsJSON = []byte(cfg.FirebaseCreds)
		} else {
			fcm.CredentialsPath = cfg.FirebaseCreds
		}
		return NewFCMProvider(ctx, fcm)
	case ProviderTypeAPNs:
		return NewAPNsProvider(&APNsConfig{
			BundleID:   cfg.APNsBundleID,
			KeyPath:    cfg.APNsKeyPath,
			KeyID:      cfg.APNsKeyID,
			TeamID:     cfg.APNsTeamID,
			Production: cfg.APNsProduction,
		})
	case ProviderTypeMock, "":
		return &MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Provider)
	}
}
