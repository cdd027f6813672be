package service

import (
	"errors"
	"time"

	"github.com/xuibot/vpn-grant-bot/database"
	"github.com/xuibot/vpn-grant-bot/database/model"

	"gorm.io/gorm"
)

var (
	ErrGrantExists   = errors.New("grant already exists")
	ErrGrantNotFound = errors.New("grant not found")
)

// GrantStore is the local registry the provisioning engine writes to.
type GrantStore interface {
	Exists(principalId int64) (bool, error)
	Create(grant *model.Grant) error
	Get(principalId int64) (*model.Grant, error)
	Update(principalId int64, fields map[string]any) error
	Delete(principalId int64) error
	ListAll() ([]*model.Grant, error)
	DeactivateIfExhausted(principalId int64, now time.Time) (bool, error)
}

// GrantService stores grants in the sqlite registry.
type GrantService struct{}

func (s *GrantService) Exists(principalId int64) (bool, error) {
	db := database.GetDB()
	var count int64
	err := db.Model(model.Grant{}).Where("principal_id = ?", principalId).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GrantService) Create(grant *model.Grant) error {
	db := database.GetDB()
	exists, err := s.Exists(grant.PrincipalId)
	if err != nil {
		return err
	}
	if exists {
		return ErrGrantExists
	}
	return db.Create(grant).Error
}

func (s *GrantService) Get(principalId int64) (*model.Grant, error) {
	db := database.GetDB()
	grant := &model.Grant{}
	err := db.Model(model.Grant{}).Where("principal_id = ?", principalId).First(grant).Error
	if database.IsNotFound(err) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// Update applies fields (column name to value) to the grant of principalId.
func (s *GrantService) Update(principalId int64, fields map[string]any) error {
	db := database.GetDB()
	result := db.Model(model.Grant{}).Where("principal_id = ?", principalId).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func (s *GrantService) Delete(principalId int64) error {
	db := database.GetDB()
	result := db.Where("principal_id = ?", principalId).Delete(model.Grant{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func (s *GrantService) ListAll() ([]*model.Grant, error) {
	db := database.GetDB()
	var grants []*model.Grant
	err := db.Model(model.Grant{}).Order("principal_id").Find(&grants).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return grants, nil
}

// DeactivateIfExhausted marks the grant inactive, but only when the stored row
// is still active and is expired or over quota at now. A renewal committed
// after the caller read the grant therefore wins. It reports whether the row
// changed.
func (s *GrantService) DeactivateIfExhausted(principalId int64, now time.Time) (bool, error) {
	db := database.GetDB()
	result := db.Model(model.Grant{}).
		Where("principal_id = ? AND active = ?", principalId, true).
		Where("(expiry_date <= ? OR traffic_used_bytes >= traffic_limit_bytes)", now).
		Update("active", false)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
