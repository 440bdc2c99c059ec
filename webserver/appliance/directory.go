package appliance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mordilloSan/truenas-passwd/common/protocol"
)

// UserRecord is the subset of an appliance user entry used for verification.
// It is a per-call snapshot and is never cached.
type UserRecord struct {
	ID        int64  `json:"id"`
	UID       int64  `json:"uid"`
	Username  string `json:"username"`
	UnixHash  string `json:"unixhash"`
	SMB       bool   `json:"smb"`
	TwoFactor bool   `json:"twofactor_auth_configured"`
}

// String omits the stored hash.
func (r *UserRecord) String() string {
	return fmt.Sprintf("user{id=%d username=%s smb=%t 2fa=%t}", r.ID, r.Username, r.SMB, r.TwoFactor)
}

// Directory runs privileged queries against the appliance's user registry.
type Directory struct {
	d *dispatcher
}

// FindByUsername returns the first record whose username equals name.
// ErrNotFound is returned when the query has no rows.
func (dir *Directory) FindByUsername(ctx context.Context, name string) (*UserRecord, error) {
	filter := [][]any{{"username", "=", name}}
	raw, err := dir.d.call(ctx, protocol.MethodUserQuery, filter)
	if err != nil {
		return nil, err
	}
	var rows []UserRecord
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &ProtocolError{Op: "decode " + protocol.MethodUserQuery, Err: err}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	// Uniqueness is not enforced by every appliance version; take the first.
	return &rows[0], nil
}

// UpdatePassword sets the password of the user with the given id. Appliance
// validation failures come back as *ApplianceError with the reason intact.
func (dir *Directory) UpdatePassword(ctx context.Context, id int64, password string) error {
	_, err := dir.d.call(ctx, protocol.MethodUserUpdate, id, map[string]string{"password": password})
	return err
}

// VerifyTwoFactor checks a one-time token for username.
func (dir *Directory) VerifyTwoFactor(ctx context.Context, username, token string) (bool, error) {
	raw, err := dir.d.call(ctx, protocol.MethodVerifyTwoFactor, username, token)
	if err != nil {
		return false, err
	}
	return truthy(raw), nil
}
