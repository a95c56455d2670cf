package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/example/nexadevices/internal/models"
)

// ErrInvalidToken covers every way an identity token can fail verification.
var ErrInvalidToken = errors.New("invalid or expired token")

// ErrAuthUnavailable signals the identity provider could not be reached.
var ErrAuthUnavailable = errors.New("authentication service unavailable")

const tokenCacheKeyLen = 20

// ClerkService verifies identity-provider tokens and keeps local users in
// sync with provider account data. Verified tokens are cached for a short
// TTL keyed by a token prefix; a revoked credential therefore remains
// accepted for up to that window.
type ClerkService struct {
	apiURL    string
	secretKey string
	http      *http.Client
	db        *gorm.DB
	cache     *expirable.LRU[string, string]
}

// NewClerkService constructs ClerkService with a bounded token cache.
func NewClerkService(db *gorm.DB, apiURL, secretKey string, cacheTTL time.Duration) *ClerkService {
	return &ClerkService{
		apiURL:    strings.TrimRight(apiURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: 5 * time.Second},
		db:        db,
		cache:     expirable.NewLRU[string, string](1024, nil, cacheTTL),
	}
}

// Authenticate resolves a bearer token to a local user, creating or updating
// the user from provider data on a cache miss.
func (s *ClerkService) Authenticate(ctx context.Context, token string) (*models.User, error) {
	key := cacheKey(token)

	if clerkID, ok := s.cache.Get(key); ok {
		var user models.User
		if err := s.db.WithContext(ctx).First(&user, "clerk_id = ?", clerkID).Error; err == nil {
			return &user, nil
		}
		s.cache.Remove(key)
	}

	clerkID, err := s.verifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	data, err := s.fetchUser(ctx, clerkID)
	if err != nil {
		return nil, err
	}

	user, err := s.upsertUser(ctx, clerkID, data)
	if err != nil {
		return nil, err
	}

	s.cache.Add(key, clerkID)
	return user, nil
}

func cacheKey(token string) string {
	if len(token) > tokenCacheKeyLen {
		token = token[:tokenCacheKeyLen]
	}
	return "clerk_token:" + token
}

type verifyTokenResponse struct {
	Sub    string `json:"sub"`
	UserID string `json:"user_id"`
}

// verifyToken checks the token with the provider's verify endpoint. Clearly
// expired tokens are rejected locally first to save the round trip.
func (s *ClerkService) verifyToken(ctx context.Context, token string) (string, error) {
	if expired(token) {
		return "", ErrInvalidToken
	}

	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/tokens/verify", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("identity provider request failed")
		return "", ErrAuthUnavailable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return "", ErrInvalidToken
	default:
		log.Error().Int("status", resp.StatusCode).Msg("token verification failed")
		return "", ErrAuthUnavailable
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var verified verifyTokenResponse
	if err := json.Unmarshal(payload, &verified); err != nil {
		return "", err
	}

	clerkID := verified.Sub
	if clerkID == "" {
		clerkID = verified.UserID
	}
	if clerkID == "" {
		return "", ErrInvalidToken
	}
	return clerkID, nil
}

// expired parses the token without verifying it, just to read exp. Signature
// authenticity is the provider's call.
func expired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

// ClerkUserData is the provider account payload used for local user sync.
type ClerkUserData struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	ImageURL       string `json:"image_url"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

// Email returns the primary email address, if any.
func (d ClerkUserData) Email() string {
	if len(d.EmailAddresses) == 0 {
		return ""
	}
	return d.EmailAddresses[0].EmailAddress
}

func (s *ClerkService) fetchUser(ctx context.Context, clerkID string) (*ClerkUserData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+"/users/"+clerkID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)

	resp, err := s.http.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("identity provider user fetch failed")
		return nil, ErrAuthUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("clerk_id", clerkID).
			Msg("could not fetch provider user")
		return nil, ErrAuthUnavailable
	}

	var data ClerkUserData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (s *ClerkService) upsertUser(ctx context.Context, clerkID string, data *ClerkUserData) (*models.User, error) {
	db := s.db.WithContext(ctx)

	var user models.User
	err := db.First(&user, "clerk_id = ?", clerkID).Error
	if err == nil {
		updates := map[string]any{
			"email":      data.Email(),
			"first_name": data.FirstName,
			"last_name":  data.LastName,
			"avatar":     data.ImageURL,
		}
		if err := db.Model(&user).Updates(updates).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return s.CreateUser(ctx, clerkID, data)
}

// CreateUser creates a local user from provider data, generating a unique
// username when the provider has none.
func (s *ClerkService) CreateUser(ctx context.Context, clerkID string, data *ClerkUserData) (*models.User, error) {
	db := s.db.WithContext(ctx)

	base := data.Username
	if base == "" {
		if email := data.Email(); email != "" {
			base = strings.SplitN(email, "@", 2)[0]
		} else {
			base = "user_" + truncate(clerkID, 8)
		}
	}

	username, err := s.uniqueUsername(ctx, base)
	if err != nil {
		return nil, err
	}

	user := models.User{
		ClerkID:   clerkID,
		Username:  username,
		Email:     data.Email(),
		FirstName: data.FirstName,
		LastName:  data.LastName,
		Avatar:    data.ImageURL,
	}
	if err := db.Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *ClerkService) uniqueUsername(ctx context.Context, base string) (string, error) {
	db := s.db.WithContext(ctx)

	candidate := base
	for counter := 1; ; counter++ {
		var count int64
		if err := db.Model(&models.User{}).Where("username = ?", candidate).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, counter)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// SyncUserCreated handles the provider's user.created event. Creation is
// idempotent: a replayed event for a known account is a no-op.
func (s *ClerkService) SyncUserCreated(ctx context.Context, data *ClerkUserData) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("clerk_id = ?", data.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		log.Info().Str("clerk_id", data.ID).Msg("user already exists, skipping creation")
		return nil
	}

	user, err := s.CreateUser(ctx, data.ID, data)
	if err != nil {
		return err
	}
	log.Info().Str("username", user.Username).Str("clerk_id", data.ID).Msg("user created")
	return nil
}

// SyncUserUpdated handles the provider's user.updated event.
func (s *ClerkService) SyncUserUpdated(ctx context.Context, data *ClerkUserData) error {
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("clerk_id = ?", data.ID).
		Updates(map[string]any{
			"email":      data.Email(),
			"first_name": data.FirstName,
			"last_name":  data.LastName,
			"avatar":     data.ImageURL,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		log.Warn().Str("clerk_id", data.ID).Msg("user.updated for unknown user")
	}
	return nil
}

// SyncUserDeleted removes the local account with its addresses and reviews.
// Orders stay put: they are historical records.
func (s *ClerkService) SyncUserDeleted(ctx context.Context, clerkID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, "clerk_id = ?", clerkID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Warn().Str("clerk_id", clerkID).Msg("user.deleted for unknown user")
				return nil
			}
			return err
		}

		if err := tx.Where("user_id = ?", user.ID).Delete(&models.Address{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.Review{}).Error; err != nil {
			return err
		}
		return tx.Delete(&user).Error
	})
}
