package domain

import (
	"slices"

	"github.com/google/uuid"
)

// Role is the authority level carried by an AuthContext.
type Role string

const (
	RoleOwner      Role = "OWNER"
	RoleStaff      Role = "STAFF"
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleSystem     Role = "SYSTEM"
)

// SystemActorID identifies automated callers such as the scheduler and the gateway consumer.
const SystemActorID = "system"

// AuthContext identifies who is calling. It is always passed explicitly.
type AuthContext struct {
	ActorID          string      `json:"actor_id"`
	MerchantID       *uuid.UUID  `json:"merchant_id,omitempty"`
	Role             Role        `json:"role"`
	OwnedMerchantIDs []uuid.UUID `json:"owned_merchant_ids"`
}

// SystemContext is the AuthContext used by in-process automation.
func SystemContext() AuthContext {
	return AuthContext{ActorID: SystemActorID, Role: RoleSystem}
}

// HasGlobalScope reports super-admin or system authority.
func (a AuthContext) HasGlobalScope() bool {
	return a.Role == RoleSuperAdmin || a.Role == RoleSystem
}

// Owns reports whether the actor is an OWNER of the merchant.
func (a AuthContext) Owns(merchantID uuid.UUID) bool {
	return a.Role == RoleOwner && slices.Contains(a.OwnedMerchantIDs, merchantID)
}

// CanManage reports whether the actor may mutate the merchant's balance or subscription.
func (a AuthContext) CanManage(merchantID uuid.UUID) bool {
	return a.HasGlobalScope() || a.Owns(merchantID)
}

// CanView reports whether the actor may read the merchant's ledger and subscription.
func (a AuthContext) CanView(merchantID uuid.UUID) bool {
	if a.CanManage(merchantID) {
		return true
	}
	return a.MerchantID != nil && *a.MerchantID == merchantID
}

// RequireManage returns an OwnershipError unless the actor may manage the merchant.
func (a AuthContext) RequireManage(merchantID uuid.UUID) error {
	if !a.CanManage(merchantID) {
		return &OwnershipError{ActorID: a.ActorID, MerchantID: merchantID}
	}
	return nil
}

// RequireGlobal returns an OwnershipError unless the actor has super-admin or system scope.
func (a AuthContext) RequireGlobal(merchantID uuid.UUID) error {
	if !a.HasGlobalScope() {
		return &OwnershipError{ActorID: a.ActorID, MerchantID: merchantID}
	}
	return nil
}
