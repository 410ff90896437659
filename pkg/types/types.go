package types

import (
	"sync/atomic"
	"time"
)

// User represents a registered account as persisted in the users table.
type User struct {
	ID             uint32
	UUID           string // opaque 36-byte identifier, unique
	Username       string // <= 30 chars, unique
	Email          string // <= 320 chars, unique
	PasswordDigest string // 60-byte bcrypt digest of the client-hashed password
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

// ChatServerInfo describes a chat server endpoint as returned to clients.
type ChatServerInfo struct {
	ID   string `json:"chat_server_id"`
	Host string `json:"chat_server_host"`
	Port int    `json:"chat_server_port"`
	Zone string `json:"chat_server_zone"`
}

// ChatServerDescriptor is the Status-side registry entry for a chat server.
// Load and liveness are mutated concurrently by selection, heartbeat reports
// and the health sweep, hence the atomics.
type ChatServerDescriptor struct {
	ID             string
	Host           string
	Port           int
	Zone           string
	MaxConnections int

	CurrentLoad atomic.Int64
	Active      atomic.Bool
	LastReport  atomic.Int64 // unix seconds of the last load report
}

// Info returns the client-facing view of the descriptor.
func (d *ChatServerDescriptor) Info() ChatServerInfo {
	return ChatServerInfo{
		ID:   d.ID,
		Host: d.Host,
		Port: d.Port,
		Zone: d.Zone,
	}
}

// LoadRatio returns current load over capacity, in [0, +inf).
func (d *ChatServerDescriptor) LoadRatio() float64 {
	if d.MaxConnections <= 0 {
		return 1
	}
	return float64(d.CurrentLoad.Load()) / float64(d.MaxConnections)
}

// ServiceType tags gateway requests with the operation being invoked.
type ServiceType string

const (
	ServiceTypeVerifyCode ServiceType = "VerifyCode"
	ServiceTypeRegister   ServiceType = "Register"
	ServiceTypeLogin      ServiceType = "Login"
	ServiceTypeResetPwd   ServiceType = "ResetPwd"
)

// VerifyType distinguishes why a verification code was requested.
type VerifyType string

const (
	VerifyTypeRegister      VerifyType = "Register"
	VerifyTypeResetPassword VerifyType = "ResetPassword"
)
