// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/autobrr/sweeparr/internal/dbinterface"
)

var (
	ErrArrInstanceNotFound    = errors.New("arr instance not found")
	ErrClientInstanceNotFound = errors.New("client instance not found")
)

// ArrKind identifies which flavour of arr manager an instance speaks.
type ArrKind string

const (
	ArrKindSonarr ArrKind = "sonarr"
	ArrKindRadarr ArrKind = "radarr"
)

// ArrInstance is a configured arr-manager endpoint.
type ArrInstance struct {
	ID              int       `json:"id"`
	Name            string    `json:"name"`
	Kind            ArrKind   `json:"kind"`
	Host            string    `json:"host"`
	APIKeyEncrypted string    `json:"-"`
	IsActive        bool      `json:"isActive"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ClientInstance is a configured download-client endpoint.
type ClientInstance struct {
	ID                int       `json:"id"`
	Name              string    `json:"name"`
	Kind              string    `json:"kind"`
	Host              string    `json:"host"`
	Username          string    `json:"username"`
	PasswordEncrypted string    `json:"-"`
	TLSSkipVerify     bool      `json:"tlsSkipVerify"`
	IsActive          bool      `json:"isActive"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type secretBox struct {
	encryptionKey []byte
}

func newSecretBox(encryptionKey []byte) (*secretBox, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &secretBox{encryptionKey: encryptionKey}, nil
}

func (b *secretBox) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (b *secretBox) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(b.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

func validateAndNormalizeHost(rawHost string) (string, error) {
	rawHost = strings.TrimSpace(rawHost)
	if rawHost == "" {
		return "", errors.New("host cannot be empty")
	}

	if !strings.Contains(rawHost, "://") {
		rawHost = "http://" + rawHost
	}

	u, err := url.Parse(rawHost)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	return u.String(), nil
}

// ArrInstanceStore manages persistence for arr-manager endpoints.
type ArrInstanceStore struct {
	db  dbinterface.Querier
	box *secretBox
}

func NewArrInstanceStore(db dbinterface.Querier, encryptionKey []byte) (*ArrInstanceStore, error) {
	box, err := newSecretBox(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &ArrInstanceStore{db: db, box: box}, nil
}

func (s *ArrInstanceStore) Create(ctx context.Context, name string, kind ArrKind, rawHost, apiKey string) (*ArrInstance, error) {
	host, err := validateAndNormalizeHost(rawHost)
	if err != nil {
		return nil, err
	}

	encryptedKey, err := s.box.encrypt(apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt API key: %w", err)
	}

	var id int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO arr_instances (name, kind, host, api_key_encrypted)
		VALUES (?, ?, ?, ?)
		RETURNING id`,
		name, string(kind), host, encryptedKey,
	).Scan(&id)
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

func (s *ArrInstanceStore) Get(ctx context.Context, id int) (*ArrInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, host, api_key_encrypted, is_active, created_at, updated_at
		FROM arr_instances WHERE id = ?`, id)
	return scanArrInstance(row)
}

func (s *ArrInstanceStore) List(ctx context.Context) ([]*ArrInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, host, api_key_encrypted, is_active, created_at, updated_at
		FROM arr_instances ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ArrInstance
	for rows.Next() {
		instance, err := scanArrInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, instance)
	}
	return result, rows.Err()
}

func (s *ArrInstanceStore) SetActive(ctx context.Context, id int, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE arr_instances SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToSQLite(active), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrArrInstanceNotFound
	}
	return nil
}

func (s *ArrInstanceStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM arr_instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrArrInstanceNotFound
	}
	return nil
}

// GetDecryptedAPIKey returns the plaintext API key for an instance.
func (s *ArrInstanceStore) GetDecryptedAPIKey(instance *ArrInstance) (string, error) {
	return s.box.decrypt(instance.APIKeyEncrypted)
}

func scanArrInstance(scanner interface{ Scan(dest ...any) error }) (*ArrInstance, error) {
	var (
		instance  ArrInstance
		kind      string
		activeInt int
	)
	err := scanner.Scan(
		&instance.ID, &instance.Name, &kind, &instance.Host,
		&instance.APIKeyEncrypted, &activeInt, &instance.CreatedAt, &instance.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrArrInstanceNotFound
		}
		return nil, err
	}
	instance.Kind = ArrKind(kind)
	instance.IsActive = activeInt == 1
	return &instance, nil
}

// ClientInstanceStore manages persistence for download-client endpoints.
type ClientInstanceStore struct {
	db  dbinterface.Querier
	box *secretBox
}

func NewClientInstanceStore(db dbinterface.Querier, encryptionKey []byte) (*ClientInstanceStore, error) {
	box, err := newSecretBox(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &ClientInstanceStore{db: db, box: box}, nil
}

func (s *ClientInstanceStore) Create(ctx context.Context, name, kind, rawHost, username, password string, tlsSkipVerify bool) (*ClientInstance, error) {
	host, err := validateAndNormalizeHost(rawHost)
	if err != nil {
		return nil, err
	}

	encryptedPassword, err := s.box.encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	var id int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO client_instances (name, kind, host, username, password_encrypted, tls_skip_verify)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		name, kind, host, username, encryptedPassword, boolToSQLite(tlsSkipVerify),
	).Scan(&id)
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

func (s *ClientInstanceStore) Get(ctx context.Context, id int) (*ClientInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, host, username, password_encrypted, tls_skip_verify, is_active, created_at, updated_at
		FROM client_instances WHERE id = ?`, id)
	return scanClientInstance(row)
}

func (s *ClientInstanceStore) List(ctx context.Context) ([]*ClientInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, host, username, password_encrypted, tls_skip_verify, is_active, created_at, updated_at
		FROM client_instances ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ClientInstance
	for rows.Next() {
		instance, err := scanClientInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, instance)
	}
	return result, rows.Err()
}

func (s *ClientInstanceStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM client_instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrClientInstanceNotFound
	}
	return nil
}

// GetDecryptedPassword returns the plaintext password for an instance.
func (s *ClientInstanceStore) GetDecryptedPassword(instance *ClientInstance) (string, error) {
	if instance.PasswordEncrypted == "" {
		return "", nil
	}
	return s.box.decrypt(instance.PasswordEncrypted)
}

func scanClientInstance(scanner interface{ Scan(dest ...any) error }) (*ClientInstance, error) {
	var (
		instance  ClientInstance
		tlsInt    int
		activeInt int
	)
	err := scanner.Scan(
		&instance.ID, &instance.Name, &instance.Kind, &instance.Host, &instance.Username,
		&instance.PasswordEncrypted, &tlsInt, &activeInt, &instance.CreatedAt, &instance.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientInstanceNotFound
		}
		return nil, err
	}
	instance.TLSSkipVerify = tlsInt == 1
	instance.IsActive = activeInt == 1
	return &instance, nil
}

func boolToSQLite(v bool) int {
	if v {
		return 1
	}
	return 0
}
