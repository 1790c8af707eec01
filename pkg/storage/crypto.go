package storage

import (
	"encoding/json"
	"time"

	"github.com/cuemby/vpnforge/pkg/security"
	"github.com/cuemby/vpnforge/pkg/types"
)

// userRow and serverRow are the on-disk shape of a User/ServerInstance row:
// identical to the domain struct except the secret-bearing field is sealed
// with security.Encrypt before it ever reaches bbolt, and opened with
// security.Decrypt on the way back out. Every other field stays plaintext
// so secondary-index maintenance and matchesUser/matchesServer filtering
// never need to touch the encrypted blob.
type userRow struct {
	ID                 string                `json:"id"`
	Username           string                `json:"username"`
	Email              string                `json:"email,omitempty"`
	Status             types.UserStatus      `json:"status"`
	ProtocolBindingEnc []byte                `json:"protocol_binding_enc"`
	Traffic            types.TrafficCounters `json:"traffic"`
	Quota              *types.Quota          `json:"quota,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	ExpiresAt          *time.Time            `json:"expires_at,omitempty"`
}

type serverRow struct {
	Name            string             `json:"name"`
	Host            string             `json:"host"`
	Protocol        types.ProtocolKind `json:"protocol"`
	ListenPort      int                `json:"listen_port"`
	Status          types.ServerStatus `json:"status"`
	ConfigDigest    string             `json:"config_digest"`
	KeysEnc         []byte             `json:"keys_enc"`
	RuntimeHandle   string             `json:"runtime_handle,omitempty"`
	Clients         []string           `json:"clients"`
	Paths           types.ServerPaths  `json:"paths"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	DegradedSince   *time.Time         `json:"degraded_since,omitempty"`
	RestartAttempts []time.Time        `json:"restart_attempts,omitempty"`
}

// marshalUser seals u.ProtocolBinding with the process-wide instance key
// before JSON-encoding the row, so Reality/WireGuard keys and Shadowsocks
// passwords carried on proxy users never hit bbolt in plaintext.
func marshalUser(u *types.User) ([]byte, error) {
	plain, err := json.Marshal(u.ProtocolBinding)
	if err != nil {
		return nil, err
	}
	enc, err := security.Encrypt(plain)
	if err != nil {
		return nil, err
	}
	row := userRow{
		ID:                 u.ID,
		Username:           u.Username,
		Email:              u.Email,
		Status:             u.Status,
		ProtocolBindingEnc: enc,
		Traffic:            u.Traffic,
		Quota:              u.Quota,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
		ExpiresAt:          u.ExpiresAt,
	}
	return json.Marshal(row)
}

// unmarshalUser reverses marshalUser, decrypting ProtocolBindingEnc back
// into the live ProtocolBinding struct callers operate on.
func unmarshalUser(data []byte, u *types.User) error {
	var row userRow
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	var pb types.ProtocolBinding
	if len(row.ProtocolBindingEnc) > 0 {
		plain, err := security.Decrypt(row.ProtocolBindingEnc)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(plain, &pb); err != nil {
			return err
		}
	}
	u.ID = row.ID
	u.Username = row.Username
	u.Email = row.Email
	u.Status = row.Status
	u.ProtocolBinding = pb
	u.Traffic = row.Traffic
	u.Quota = row.Quota
	u.CreatedAt = row.CreatedAt
	u.UpdatedAt = row.UpdatedAt
	u.ExpiresAt = row.ExpiresAt
	return nil
}

// marshalServer seals srv.Keys the same way marshalUser seals ProtocolBinding.
func marshalServer(srv *types.ServerInstance) ([]byte, error) {
	plain, err := json.Marshal(srv.Keys)
	if err != nil {
		return nil, err
	}
	enc, err := security.Encrypt(plain)
	if err != nil {
		return nil, err
	}
	row := serverRow{
		Name:            srv.Name,
		Host:            srv.Host,
		Protocol:        srv.Protocol,
		ListenPort:      srv.ListenPort,
		Status:          srv.Status,
		ConfigDigest:    srv.ConfigDigest,
		KeysEnc:         enc,
		RuntimeHandle:   srv.RuntimeHandle,
		Clients:         srv.Clients,
		Paths:           srv.Paths,
		CreatedAt:       srv.CreatedAt,
		StartedAt:       srv.StartedAt,
		DegradedSince:   srv.DegradedSince,
		RestartAttempts: srv.RestartAttempts,
	}
	return json.Marshal(row)
}

func unmarshalServer(data []byte, srv *types.ServerInstance) error {
	var row serverRow
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	var keys types.ServerKeys
	if len(row.KeysEnc) > 0 {
		plain, err := security.Decrypt(row.KeysEnc)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(plain, &keys); err != nil {
			return err
		}
	}
	srv.Name = row.Name
	srv.Host = row.Host
	srv.Protocol = row.Protocol
	srv.ListenPort = row.ListenPort
	srv.Status = row.Status
	srv.ConfigDigest = row.ConfigDigest
	srv.Keys = keys
	srv.RuntimeHandle = row.RuntimeHandle
	srv.Clients = row.Clients
	srv.Paths = row.Paths
	srv.CreatedAt = row.CreatedAt
	srv.StartedAt = row.StartedAt
	srv.DegradedSince = row.DegradedSince
	srv.RestartAttempts = row.RestartAttempts
	return nil
}
