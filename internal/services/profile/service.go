// Package profile stores SummEval server profiles with encrypted credentials.
package profile

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"

	"summeval-sync/internal/api"
	"summeval-sync/internal/crypto"
	"summeval-sync/internal/logging"
	"summeval-sync/internal/models"
)

// ErrNotFound is returned when no profile matches an id or name.
var ErrNotFound = errors.New("server profile not found")

// SaveRequest creates or updates a profile by name. Token and APIKey are
// plain text and encrypted before storage. On update an empty Token or APIKey
// keeps the stored value.
type SaveRequest struct {
	Name    string `json:"name"`
	Owner   string `json:"owner"`
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
	APIKey  string `json:"api_key"`
}

// Service manages server profiles
type Service struct {
	db         *gorm.DB
	cipher     *crypto.Cipher
	clientOpts api.Options
	logger     *log.Logger
}

// NewService creates a profile service. clientOpts supplies the timeout and
// retry settings for clients built from profiles; its Token is ignored.
func NewService(db *gorm.DB, cipher *crypto.Cipher, clientOpts api.Options, logger *log.Logger) *Service {
	return &Service{
		db:         db,
		cipher:     cipher,
		clientOpts: clientOpts,
		logger:     logging.OrDefault(logger),
	}
}

// Save creates or updates the profile named in req.
func (s *Service) Save(req SaveRequest) (*models.ServerProfile, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.BaseURL = strings.TrimSpace(req.BaseURL)
	if req.Name == "" || req.BaseURL == "" {
		return nil, errors.New("name and base_url are required")
	}
	if u, err := url.Parse(req.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base_url %q", req.BaseURL)
	}

	var profile models.ServerProfile
	err := s.db.Where("name = ?", req.Name).First(&profile).Error
	isNew := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !isNew {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}

	profile.Name = req.Name
	profile.Owner = req.Owner
	profile.BaseURL = req.BaseURL

	if isNew || req.Token != "" {
		tokenEnc, err := s.cipher.Encrypt(req.Token)
		if err != nil {
			return nil, fmt.Errorf("encrypt token: %w", err)
		}
		profile.TokenEnc = tokenEnc
	}
	if isNew || req.APIKey != "" {
		apiKeyEnc, err := s.cipher.Encrypt(req.APIKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt api key: %w", err)
		}
		profile.APIKeyEnc = apiKeyEnc
	}

	if isNew {
		err = s.db.Create(&profile).Error
	} else {
		err = s.db.Save(&profile).Error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}

	s.logger.Info("Saved server profile", "name", profile.Name, "url", profile.BaseURL, "new", isNew)
	return &profile, nil
}

// Get finds a profile by id or name.
func (s *Service) Get(idOrName string) (*models.ServerProfile, error) {
	var profile models.ServerProfile
	err := s.db.Where("id = ? OR name = ?", idOrName, idOrName).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrName)
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// List returns all profiles ordered by name
func (s *Service) List() ([]models.ServerProfile, error) {
	var profiles []models.ServerProfile
	if err := s.db.Order("name").Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

// Delete removes a profile by id or name
func (s *Service) Delete(idOrName string) error {
	result := s.db.Where("id = ? OR name = ?", idOrName, idOrName).Delete(&models.ServerProfile{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, idOrName)
	}
	return nil
}

// APIKey returns the decrypted LLM api key of a profile, empty when unset.
func (s *Service) APIKey(idOrName string) (string, error) {
	profile, err := s.Get(idOrName)
	if err != nil {
		return "", err
	}
	apiKey, err := s.cipher.Decrypt(profile.APIKeyEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt api key for %s: %w", profile.Name, err)
	}
	return apiKey, nil
}

// Client returns an API client for the profile's server and token.
func (s *Service) Client(idOrName string) (*api.Client, error) {
	profile, err := s.Get(idOrName)
	if err != nil {
		return nil, err
	}
	token, err := s.cipher.Decrypt(profile.TokenEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt token for %s: %w", profile.Name, err)
	}

	opts := s.clientOpts
	opts.Token = token
	return api.NewClient(profile.BaseURL, opts), nil
}
