package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/storage"
)

// VaultRepo implements storage.CredentialVault using PostgreSQL.
// Access tokens are sealed before they reach the database.
type VaultRepo struct {
	db     *DB
	sealer *storage.Sealer
}

var _ storage.CredentialVault = (*VaultRepo)(nil)

// NewVaultRepo creates a new PostgreSQL credential vault.
func NewVaultRepo(db *DB, sealer *storage.Sealer) *VaultRepo {
	return &VaultRepo{db: db, sealer: sealer}
}

type credentialRow struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	Provider        string         `db:"provider"`
	InstitutionID   string         `db:"institution_id"`
	InstitutionName string         `db:"institution_name"`
	AccessToken     string         `db:"access_token"`
	ItemID          string         `db:"item_id"`
	AccountIDs      pq.StringArray `db:"account_ids"`
	Status          string         `db:"status"`
	ConnectedAt     time.Time      `db:"connected_at"`
	LastSync        sql.NullTime   `db:"last_sync"`
	LastError       string         `db:"last_error"`
	Metadata        []byte         `db:"metadata"`
}

const credentialColumns = `id, user_id, provider, institution_id, institution_name, access_token,
	item_id, account_ids, status, connected_at, last_sync, last_error, metadata`

// StoreCredentials upserts a credential.
func (r *VaultRepo) StoreCredentials(ctx context.Context, cred *domain.Credential) error {
	row, err := r.toRow(cred)
	if err != nil {
		return err
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO bank_credentials (`+credentialColumns+`)
		VALUES (:id, :user_id, :provider, :institution_id, :institution_name, :access_token,
			:item_id, :account_ids, :status, :connected_at, :last_sync, :last_error, :metadata)
		ON CONFLICT (id) DO UPDATE SET
			institution_id = EXCLUDED.institution_id,
			institution_name = EXCLUDED.institution_name,
			access_token = EXCLUDED.access_token,
			item_id = EXCLUDED.item_id,
			account_ids = EXCLUDED.account_ids,
			status = EXCLUDED.status,
			last_sync = EXCLUDED.last_sync,
			last_error = EXCLUDED.last_error,
			metadata = EXCLUDED.metadata`, row)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// RetrieveCredentials loads and unseals a credential.
func (r *VaultRepo) RetrieveCredentials(ctx context.Context, credentialID, userID string) (*domain.Credential, error) {
	var row credentialRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+credentialColumns+` FROM bank_credentials WHERE id = $1 AND user_id = $2`,
		credentialID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return r.fromRow(row)
}

// DeleteCredentials removes a credential.
func (r *VaultRepo) DeleteCredentials(ctx context.Context, credentialID, userID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM bank_credentials WHERE id = $1 AND user_id = $2`, credentialID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrCredentialNotFound
	}
	return nil
}

// ListUserCredentials returns a user's credentials, oldest first.
func (r *VaultRepo) ListUserCredentials(ctx context.Context, userID string) ([]*domain.Credential, error) {
	var rows []credentialRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+credentialColumns+` FROM bank_credentials WHERE user_id = $1 ORDER BY connected_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	creds := make([]*domain.Credential, 0, len(rows))
	for _, row := range rows {
		c, err := r.fromRow(row)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// ListActiveCredentials returns active credentials for every user.
func (r *VaultRepo) ListActiveCredentials(ctx context.Context) ([]*domain.Credential, error) {
	var rows []credentialRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+credentialColumns+` FROM bank_credentials WHERE status = $1 ORDER BY user_id, connected_at, id`,
		string(domain.ConnectionStatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list active credentials: %w", err)
	}

	creds := make([]*domain.Credential, 0, len(rows))
	for _, row := range rows {
		c, err := r.fromRow(row)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// UpdateStatus records a sync outcome. A nil LastSync keeps the stored value.
func (r *VaultRepo) UpdateStatus(ctx context.Context, credentialID, userID string, update storage.StatusUpdate) error {
	var lastSync sql.NullTime
	if update.LastSync != nil {
		lastSync = sql.NullTime{Time: *update.LastSync, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE bank_credentials
		SET status = $3, last_error = $4, last_sync = COALESCE($5, last_sync)
		WHERE id = $1 AND user_id = $2`,
		credentialID, userID, string(update.Status), update.LastError, lastSync)
	if err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrCredentialNotFound
	}
	return nil
}

func (r *VaultRepo) toRow(c *domain.Credential) (credentialRow, error) {
	sealed, err := r.sealer.Seal(c.AccessToken, c.ID)
	if err != nil {
		return credentialRow{}, fmt.Errorf("failed to seal access token: %w", err)
	}

	meta := c.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return credentialRow{}, fmt.Errorf("failed to encode metadata: %w", err)
	}

	row := credentialRow{
		ID:              c.ID,
		UserID:          c.UserID,
		Provider:        string(c.Provider),
		InstitutionID:   c.InstitutionID,
		InstitutionName: c.InstitutionName,
		AccessToken:     sealed,
		ItemID:          c.ItemID,
		AccountIDs:      pq.StringArray(c.AccountIDs),
		Status:          string(c.Status),
		ConnectedAt:     c.ConnectedAt,
		LastError:       c.LastError,
		Metadata:        metaJSON,
	}
	if row.AccountIDs == nil {
		row.AccountIDs = pq.StringArray{}
	}
	if c.LastSync != nil {
		row.LastSync = sql.NullTime{Time: *c.LastSync, Valid: true}
	}
	return row, nil
}

func (r *VaultRepo) fromRow(row credentialRow) (*domain.Credential, error) {
	token, err := r.sealer.Open(row.AccessToken, row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal access token for %s: %w", row.ID, err)
	}

	c := &domain.Credential{
		ID:              row.ID,
		UserID:          row.UserID,
		Provider:        domain.Provider(row.Provider),
		InstitutionID:   row.InstitutionID,
		InstitutionName: row.InstitutionName,
		AccessToken:     token,
		ItemID:          row.ItemID,
		AccountIDs:      []string(row.AccountIDs),
		Status:          domain.ConnectionStatus(row.Status),
		ConnectedAt:     row.ConnectedAt,
		LastError:       row.LastError,
	}
	if row.LastSync.Valid {
		t := row.LastSync.Time
		c.LastSync = &t
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", row.ID, err)
		}
	}
	return c, nil
}
