package core

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"llm-relay/models"
)

// GormStore 基于 gorm 的凭证存储，Secret 落盘前经 SecretProvider 加密
type GormStore struct {
	db             *gorm.DB
	logger         *logrus.Logger
	secretProvider SecretProvider
}

// NewGormStore 构造函数强制要求依赖注入
func NewGormStore(db *gorm.DB, logger *logrus.Logger, sp SecretProvider) *GormStore {
	return &GormStore{db: db, logger: logger, secretProvider: sp}
}

// LoadAll 读取全部凭证，解密失败或数据损坏的记录跳过并记录日志
func (s *GormStore) LoadAll(ctx context.Context) ([]models.Credential, error) {
	var records []models.CredentialRecord
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	creds := make([]models.Credential, 0, len(records))
	for _, rec := range records {
		secret, err := s.secretProvider.Decrypt(rec.Secret)
		if err != nil {
			s.logger.Errorf("Failed to decrypt credential %s: %v", rec.ID, err)
			continue
		}
		rec.Secret = secret
		cred, err := rec.ToCredential()
		if err != nil {
			s.logger.Errorf("Skipping credential record: %v", err)
			continue
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// Save 按主键 upsert
func (s *GormStore) Save(ctx context.Context, cred models.Credential) error {
	rec := cred.ToRecord()
	sealed, err := s.secretProvider.Encrypt(rec.Secret)
	if err != nil {
		return fmt.Errorf("encrypt credential %s: %w", cred.ID, err)
	}
	rec.Secret = sealed

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save credential %s: %w", cred.ID, err)
	}
	return nil
}

// Delete 删除凭证
func (s *GormStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.CredentialRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete credential %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
