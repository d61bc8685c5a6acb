package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Seann-Moser/meetbot/meeting"
	"github.com/Seann-Moser/meetbot/oauth/oclient"
	"github.com/Seann-Moser/meetbot/user"
)

// CredentialStore is an oclient.CredentialStore over a SQL table.
type CredentialStore struct {
	db     *DB
	sealer oclient.Sealer
}

var _ oclient.CredentialStore = &CredentialStore{}

func (d *DB) Credentials(sealer oclient.Sealer) *CredentialStore {
	if sealer == nil {
		sealer = oclient.PlainSealer{}
	}
	return &CredentialStore{db: d, sealer: sealer}
}

func (s *CredentialStore) Get(ctx context.Context, u user.ChatUser) (oclient.Credential, bool, error) {
	var (
		access, refresh, scopes string
		expires                 sql.NullInt64
	)
	err := s.db.queryRow(ctx,
		`SELECT access_token, refresh_token, expires_at, scopes FROM oauth_credentials WHERE workspace_id = ? AND user_id = ?`,
		u.WorkspaceID, u.UserID,
	).Scan(&access, &refresh, &expires, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return oclient.Credential{}, false, nil
	}
	if err != nil {
		return oclient.Credential{}, false, fmt.Errorf("%w: %v", oclient.ErrStoreUnavailable, err)
	}

	cred := oclient.Credential{Scopes: strings.Fields(scopes)}
	if cred.AccessToken, err = s.sealer.Open(access); err != nil {
		return oclient.Credential{}, true, err
	}
	if cred.RefreshToken, err = s.sealer.Open(refresh); err != nil {
		return oclient.Credential{}, true, err
	}
	if expires.Valid {
		cred.Expiry = fromMillis(expires.Int64)
	}
	return cred, true, nil
}

func (s *CredentialStore) Upsert(ctx context.Context, u user.ChatUser, c oclient.Credential) error {
	row, err := s.row(c)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx, `
INSERT INTO oauth_credentials (workspace_id, user_id, access_token, access_digest, refresh_token, expires_at, scopes)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (workspace_id, user_id) DO UPDATE SET
    access_token = excluded.access_token,
    access_digest = excluded.access_digest,
    refresh_token = excluded.refresh_token,
    expires_at = excluded.expires_at,
    scopes = excluded.scopes`,
		u.WorkspaceID, u.UserID, row.access, c.Digest(), row.refresh, row.expires, row.scopes)
	if err != nil {
		return fmt.Errorf("%w: %v", oclient.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *CredentialStore) Replace(ctx context.Context, u user.ChatUser, previousAccessToken string, c oclient.Credential) error {
	row, err := s.row(c)
	if err != nil {
		return err
	}
	res, err := s.db.exec(ctx, `
UPDATE oauth_credentials
SET access_token = ?, access_digest = ?, refresh_token = ?, expires_at = ?, scopes = ?
WHERE workspace_id = ? AND user_id = ? AND access_digest = ?`,
		row.access, c.Digest(), row.refresh, row.expires, row.scopes,
		u.WorkspaceID, u.UserID, oclient.TokenDigest(previousAccessToken))
	if err != nil {
		return fmt.Errorf("%w: %v", oclient.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", oclient.ErrStoreUnavailable, err)
	}
	if n == 0 {
		return oclient.ErrCredentialChanged
	}
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context, u user.ChatUser) error {
	_, err := s.db.exec(ctx, `DELETE FROM oauth_credentials WHERE workspace_id = ? AND user_id = ?`, u.WorkspaceID, u.UserID)
	if err != nil {
		return fmt.Errorf("%w: %v", oclient.ErrStoreUnavailable, err)
	}
	return nil
}

type credentialRow struct {
	access, refresh, scopes string
	expires                 sql.NullInt64
}

func (s *CredentialStore) row(c oclient.Credential) (credentialRow, error) {
	var r credentialRow
	var err error
	if r.access, err = s.sealer.Seal(c.AccessToken); err != nil {
		return r, err
	}
	if r.refresh, err = s.sealer.Seal(c.RefreshToken); err != nil {
		return r, err
	}
	if c.HasExpiry() {
		r.expires = sql.NullInt64{Int64: toMillis(c.Expiry), Valid: true}
	}
	r.scopes = strings.Join(c.Scopes, " ")
	return r, nil
}

// UserStore is a user.Store over a SQL table.
type UserStore struct {
	db *DB
}

var _ user.Store = &UserStore{}

func (d *DB) Users() *UserStore {
	return &UserStore{db: d}
}

func (s *UserStore) Touch(ctx context.Context, u user.ChatUser, userName string, at time.Time) error {
	ms := toMillis(at)
	_, err := s.db.exec(ctx, `
INSERT INTO chat_users (workspace_id, user_id, user_name, created_at, last_active_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (workspace_id, user_id) DO UPDATE SET
    user_name = COALESCE(NULLIF(excluded.user_name, ''), chat_users.user_name),
    last_active_at = excluded.last_active_at`,
		u.WorkspaceID, u.UserID, userName, ms, ms)
	if err != nil {
		return fmt.Errorf("failed to touch user: %w", err)
	}
	return nil
}

func (s *UserStore) Get(ctx context.Context, u user.ChatUser) (*user.Profile, error) {
	var (
		p                 = user.Profile{ChatUser: u}
		created, lastSeen int64
	)
	err := s.db.queryRow(ctx,
		`SELECT user_name, created_at, last_active_at FROM chat_users WHERE workspace_id = ? AND user_id = ?`,
		u.WorkspaceID, u.UserID,
	).Scan(&p.UserName, &created, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	p.CreatedAt = fromMillis(created)
	p.LastActiveAt = fromMillis(lastSeen)
	return &p, nil
}

// MeetingStore is a meeting.Store over a SQL table.
type MeetingStore struct {
	db *DB
}

var _ meeting.Store = &MeetingStore{}

func (d *DB) Meetings() *MeetingStore {
	return &MeetingStore{db: d}
}

func (s *MeetingStore) Append(ctx context.Context, r meeting.Record) error {
	_, err := s.db.exec(ctx,
		`INSERT INTO meetings (id, workspace_id, user_id, link, title, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Owner.WorkspaceID, r.Owner.UserID, r.Link, r.Title, toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append meeting: %w", err)
	}
	return nil
}

func (s *MeetingStore) ListByUser(ctx context.Context, u user.ChatUser, limit int) ([]meeting.Record, error) {
	q := `SELECT id, link, title, created_at FROM meetings WHERE workspace_id = ? AND user_id = ? ORDER BY created_at DESC`
	args := []any{u.WorkspaceID, u.UserID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []meeting.Record
	for rows.Next() {
		r := meeting.Record{Owner: u}
		var created int64
		if err := rows.Scan(&r.ID, &r.Link, &r.Title, &created); err != nil {
			return nil, fmt.Errorf("failed to scan meeting: %w", err)
		}
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	return out, nil
}
